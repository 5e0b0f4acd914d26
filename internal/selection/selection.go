// Package selection remembers which list the user last looked at.
package selection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"listshare/internal/kv"
)

const key = "selected_list"

// Storage is the subset of the local key-value store the shim needs.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

type record struct {
	ListID  string    `json:"list_id"`
	SavedAt time.Time `json:"saved_at"`
}

// Shim persists the selected list id. Storage failures are logged and
// swallowed so they never block startup.
type Shim struct {
	store Storage
	log   *slog.Logger
}

func NewShim(store Storage, log *slog.Logger) *Shim {
	return &Shim{store: store, log: log}
}

// Save stores listID; an empty id clears the selection.
func (s *Shim) Save(ctx context.Context, listID string) {
	if listID == "" {
		if err := s.store.Delete(ctx, key); err != nil {
			s.log.Warn("clear selection", "err", err)
		}
		return
	}
	raw, err := json.Marshal(record{ListID: listID, SavedAt: time.Now().UTC()})
	if err != nil {
		s.log.Warn("encode selection", "err", err)
		return
	}
	if err := s.store.Set(ctx, key, raw); err != nil {
		s.log.Warn("save selection", "list_id", listID, "err", err)
	}
}

// Load returns the saved list id, or false when nothing usable is stored.
func (s *Shim) Load(ctx context.Context) (string, bool) {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.log.Warn("load selection", "err", err)
		}
		return "", false
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil || r.ListID == "" {
		s.log.Warn("discarding corrupt selection", "err", err)
		return "", false
	}
	return r.ListID, true
}

// Tracker holds the current selection in memory and writes it through the shim.
type Tracker struct {
	mu      sync.Mutex
	current string

	// saveMu orders writes to storage the same way as updates to current.
	saveMu sync.Mutex
	shim   *Shim
}

// NewTracker seeds the current selection from storage.
func NewTracker(ctx context.Context, shim *Shim) *Tracker {
	t := &Tracker{shim: shim}
	t.current, _ = shim.Load(ctx)
	return t
}

func (t *Tracker) Current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Select makes listID current and persists it. It returns the previous one.
func (t *Tracker) Select(ctx context.Context, listID string) string {
	t.saveMu.Lock()
	defer t.saveMu.Unlock()
	t.mu.Lock()
	prev := t.current
	t.current = listID
	t.mu.Unlock()
	if prev != listID {
		t.shim.Save(ctx, listID)
	}
	return prev
}
