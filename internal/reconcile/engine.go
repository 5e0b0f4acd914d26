// Package reconcile merges remote state into the client store: pushed change
// notifications, fetches after reconnects and full refreshes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"listshare/internal/apperr"
	dom "listshare/internal/domain"
	"listshare/internal/store"

	"golang.org/x/sync/singleflight"
)

// Fetcher reads authoritative lists from the backend.
type Fetcher interface {
	Lists(ctx context.Context) ([]dom.List, error)
	GetList(ctx context.Context, id string) (dom.List, error)
}

// Notification is one listUpdated push. Snapshot is nil when the sender
// left it out, e.g. for deletions or for users who lost access.
type Notification struct {
	ListID    string
	Type      dom.EventType
	UpdatedBy int64
	Version   int64
	Snapshot  *dom.List
}

// FromEvent adapts a decoded wire event.
func FromEvent(ev dom.ListEvent) Notification {
	return Notification{
		ListID:    ev.ListID,
		Type:      ev.Type,
		UpdatedBy: ev.UpdatedBy,
		Version:   ev.Version,
		Snapshot:  ev.List,
	}
}

type Engine struct {
	store *store.Store
	api   Fetcher
	me    func() int64
	log   *slog.Logger

	mu      sync.Mutex
	watched map[string]bool
	applied map[string]int64

	fetches singleflight.Group
}

// New builds an engine. me returns the signed-in user's id.
func New(st *store.Store, api Fetcher, me func() int64, log *slog.Logger) *Engine {
	return &Engine{
		store:   st,
		api:     api,
		me:      me,
		log:     log,
		watched: make(map[string]bool),
		applied: make(map[string]int64),
	}
}

// Watch starts accepting notifications for listID.
func (e *Engine) Watch(listID string) {
	e.mu.Lock()
	e.watched[listID] = true
	e.mu.Unlock()
}

func (e *Engine) Unwatch(listID string) {
	e.mu.Lock()
	delete(e.watched, listID)
	delete(e.applied, listID)
	e.mu.Unlock()
}

func (e *Engine) watching(listID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.watched[listID]
}

// claim records version as applied for listID. It reports false for
// versions already seen, and otherwise returns a func that undoes the claim.
func (e *Engine) claim(listID string, version int64) (release func(), ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, seen := e.applied[listID]
	if seen && version <= last {
		return nil, false
	}
	e.applied[listID] = version
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.applied[listID] != version {
			return
		}
		if seen {
			e.applied[listID] = last
		} else {
			delete(e.applied, listID)
		}
	}, true
}

// Apply merges one notification into the store.
func (e *Engine) Apply(ctx context.Context, n Notification) {
	if n.ListID == "" {
		e.log.Warn("dropping notification without list id", "type", n.Type)
		return
	}
	if !e.watching(n.ListID) {
		return
	}
	if err := validate(n); err != nil {
		e.Invalid(n.ListID, err)
		return
	}
	release := func() {}
	if n.Type != dom.EventDeleted {
		var ok bool
		if release, ok = e.claim(n.ListID, n.Version); !ok {
			return
		}
	}

	me := e.me()
	switch {
	case n.Type == dom.EventDeleted:
		e.store.Remove(n.ListID)
	case n.Snapshot == nil && n.Type == dom.EventUnshared:
		e.store.Remove(n.ListID)
	case n.Snapshot == nil:
		// A redelivery of this version must retry the fetch.
		if err := e.Refetch(ctx, n.ListID); err != nil {
			release()
			e.log.Warn("refetch after notification", "list_id", n.ListID, "err", err)
		}
	case n.Snapshot.RoleOf(me) == dom.RoleNone:
		e.store.Remove(n.ListID)
	default:
		// Our own echoes never invalidate mutations still in flight.
		if n.UpdatedBy != me {
			if dropped := e.store.Supersede(n.ListID, n.Version); dropped > 0 {
				e.log.Info("remote change superseded local edits",
					"list_id", n.ListID, "version", n.Version, "dropped", dropped, "updated_by", n.UpdatedBy)
			}
		}
		e.store.Upsert(*n.Snapshot)
	}
}

// Invalid logs a payload that could not be used and flags the list.
func (e *Engine) Invalid(listID string, err error) {
	e.log.Error("malformed list payload", "list_id", listID, "err", err)
	if listID != "" {
		e.store.MarkInvalid(listID, apperr.New(apperr.KindInvalid, "reconcile", err))
	}
}

// Refetch loads one list and stores it. A list the backend no longer shows
// us is removed. Concurrent refetches of one list share a request.
func (e *Engine) Refetch(ctx context.Context, listID string) error {
	_, err, _ := e.fetches.Do(listID, func() (any, error) {
		l, err := e.api.GetList(ctx, listID)
		if errors.Is(err, apperr.ErrNotFound) {
			e.store.Remove(listID)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		e.store.Upsert(l)
		return nil, nil
	})
	return err
}

// Resync refetches lists whose notifications may have been missed.
func (e *Engine) Resync(ctx context.Context, listIDs []string) error {
	var errs []error
	for _, id := range listIDs {
		if err := e.Refetch(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("resync %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Refresh replaces the store's lists with a full fetch. A network failure
// is retried once.
func (e *Engine) Refresh(ctx context.Context) error {
	v, err, _ := e.fetches.Do("*", func() (any, error) {
		lists, err := e.api.Lists(ctx)
		if errors.Is(err, apperr.ErrNetwork) && ctx.Err() == nil {
			e.log.Info("retrying list fetch", "err", err)
			lists, err = e.api.Lists(ctx)
		}
		return lists, err
	})
	if err != nil {
		return err
	}
	e.store.Replace(v.([]dom.List))
	return nil
}

func validate(n Notification) error {
	switch n.Type {
	case dom.EventCreated, dom.EventUpdated, dom.EventShared, dom.EventUnshared, dom.EventDeleted:
	default:
		return fmt.Errorf("unknown event type %q", n.Type)
	}
	if n.Type != dom.EventDeleted && n.Version <= 0 {
		return fmt.Errorf("event %s carries version %d", n.Type, n.Version)
	}
	if n.Snapshot == nil {
		return nil
	}
	if n.Snapshot.ID != n.ListID {
		return fmt.Errorf("snapshot id %q does not match list %q", n.Snapshot.ID, n.ListID)
	}
	if n.Snapshot.Version != n.Version {
		return fmt.Errorf("snapshot version %d does not match event version %d", n.Snapshot.Version, n.Version)
	}
	seen := make(map[string]bool, len(n.Snapshot.Items))
	for _, it := range n.Snapshot.Items {
		if it.ID == "" || seen[it.ID] {
			return fmt.Errorf("snapshot has missing or duplicate item id %q", it.ID)
		}
		seen[it.ID] = true
	}
	return nil
}
