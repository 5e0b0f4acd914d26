package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"listshare/internal/cache"
	dom "listshare/internal/domain"
	"listshare/internal/repo"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/singleflight"
)

const (
	maxTitleLen = 120
	maxTextLen  = 500
)

var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidInput    = errors.New("invalid input")
	ErrVersionConflict = errors.New("list was changed by someone else")
	ErrUserNotFound    = errors.New("user not found")
	ErrShareWithOwner  = errors.New("cannot share a list with its owner")
)

// Publisher delivers list change events to realtime subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev dom.ListEvent) error
}

type ListService struct {
	repo  repo.ListRepo
	users repo.UserRepo
	cache *cache.ListCache
	pub   Publisher
	log   *slog.Logger
	sf    singleflight.Group
}

// NewListService creates a ListService. If c is nil, caching is disabled; if
// pub is nil, no events are published.
func NewListService(r repo.ListRepo, users repo.UserRepo, c *cache.ListCache, pub Publisher, log *slog.Logger) *ListService {
	if log == nil {
		log = slog.Default()
	}
	return &ListService{repo: r, users: users, cache: c, pub: pub, log: log}
}

// Lists returns every list the user owns or is a sharee of.
func (s *ListService) Lists(ctx context.Context, userID int64) ([]dom.List, error) {
	if s.cache == nil {
		return s.listFromRepo(ctx, userID)
	}
	key := "lists:" + strconv.FormatInt(userID, 10)
	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		if lists, err := s.cache.GetLists(ctx, userID); err == nil && lists != nil {
			return lists, nil
		}
		lists, err := s.listFromRepo(ctx, userID)
		if err != nil {
			return nil, err
		}
		_ = s.cache.SetLists(ctx, userID, lists)
		return lists, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]dom.List), nil
}

func (s *ListService) listFromRepo(ctx context.Context, userID int64) ([]dom.List, error) {
	lists, err := s.repo.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if lists == nil {
		lists = []dom.List{}
	}
	return lists, nil
}

// Get returns a list the user can at least view. Lists the user has no
// access to are reported as not found.
func (s *ListService) Get(ctx context.Context, userID int64, id string) (dom.List, error) {
	if _, err := uuid.Parse(id); err != nil {
		return dom.List{}, ErrNotFound
	}
	l, err := s.repo.Get(ctx, id)
	if err != nil {
		return dom.List{}, mapRepoErr(err)
	}
	if l.RoleOf(userID) == dom.RoleNone {
		return dom.List{}, ErrNotFound
	}
	return l, nil
}

func (s *ListService) Create(ctx context.Context, userID int64, title string) (dom.List, error) {
	title, err := cleanText(title, maxTitleLen)
	if err != nil {
		return dom.List{}, err
	}
	l, err := s.repo.Create(ctx, userID, title)
	if err != nil {
		return dom.List{}, err
	}
	s.afterWrite(ctx, userID, dom.EventCreated, l, nil)
	return l, nil
}

func (s *ListService) Rename(ctx context.Context, userID int64, id, title string, expectedVersion int64) (dom.List, error) {
	title, err := cleanText(title, maxTitleLen)
	if err != nil {
		return dom.List{}, err
	}
	if _, err := s.authorize(ctx, userID, id, dom.RoleEditor); err != nil {
		return dom.List{}, err
	}
	l, err := s.repo.Rename(ctx, id, title, expectedVersion)
	if err != nil {
		return dom.List{}, mapRepoErr(err)
	}
	s.afterWrite(ctx, userID, dom.EventUpdated, l, nil)
	return l, nil
}

// Delete hard-deletes a list with its items and shares. Owner only.
func (s *ListService) Delete(ctx context.Context, userID int64, id string) error {
	l, err := s.authorize(ctx, userID, id, dom.RoleOwner)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return mapRepoErr(err)
	}
	s.invalidate(ctx, l.Members()...)
	s.publish(ctx, dom.ListEvent{
		ListID:     id,
		Type:       dom.EventDeleted,
		UpdatedBy:  userID,
		Version:    l.Version + 1,
		Recipients: l.Members(),
	})
	return nil
}

// AddItems appends items in order and returns the new list with the created
// item ids, aligned with texts.
func (s *ListService) AddItems(ctx context.Context, userID int64, listID string, texts []string) (dom.List, []string, error) {
	clean := make([]string, 0, len(texts))
	for _, t := range texts {
		c, err := cleanText(t, maxTextLen)
		if err != nil {
			return dom.List{}, nil, err
		}
		clean = append(clean, c)
	}
	if len(clean) == 0 {
		return dom.List{}, nil, ErrInvalidInput
	}
	if _, err := s.authorize(ctx, userID, listID, dom.RoleEditor); err != nil {
		return dom.List{}, nil, err
	}
	l, ids, err := s.repo.AddItems(ctx, listID, clean)
	if err != nil {
		return dom.List{}, nil, mapRepoErr(err)
	}
	s.afterWrite(ctx, userID, dom.EventUpdated, l, nil)
	return l, ids, nil
}

func (s *ListService) UpdateItem(ctx context.Context, userID int64, listID, itemID string, patch dom.ItemPatch, expectedVersion int64) (dom.List, error) {
	if patch.Empty() {
		return dom.List{}, ErrInvalidInput
	}
	if patch.Text != nil {
		t, err := cleanText(*patch.Text, maxTextLen)
		if err != nil {
			return dom.List{}, err
		}
		patch.Text = &t
	}
	if _, err := uuid.Parse(itemID); err != nil {
		return dom.List{}, ErrNotFound
	}
	if _, err := s.authorize(ctx, userID, listID, dom.RoleEditor); err != nil {
		return dom.List{}, err
	}
	l, err := s.repo.UpdateItem(ctx, listID, itemID, patch, expectedVersion)
	if err != nil {
		return dom.List{}, mapRepoErr(err)
	}
	s.afterWrite(ctx, userID, dom.EventUpdated, l, nil)
	return l, nil
}

func (s *ListService) DeleteItem(ctx context.Context, userID int64, listID, itemID string) (dom.List, error) {
	if _, err := uuid.Parse(itemID); err != nil {
		return dom.List{}, ErrNotFound
	}
	if _, err := s.authorize(ctx, userID, listID, dom.RoleEditor); err != nil {
		return dom.List{}, err
	}
	l, err := s.repo.DeleteItem(ctx, listID, itemID)
	if err != nil {
		return dom.List{}, mapRepoErr(err)
	}
	s.afterWrite(ctx, userID, dom.EventUpdated, l, nil)
	return l, nil
}

// ReorderItems applies an explicit user ordering. itemIDs must name every
// item of the list exactly once.
func (s *ListService) ReorderItems(ctx context.Context, userID int64, listID string, itemIDs []string) (dom.List, error) {
	current, err := s.authorize(ctx, userID, listID, dom.RoleEditor)
	if err != nil {
		return dom.List{}, err
	}
	if !isPermutation(current.Items, itemIDs) {
		return dom.List{}, ErrInvalidInput
	}
	l, err := s.repo.ReorderItems(ctx, listID, itemIDs)
	if err != nil {
		return dom.List{}, mapRepoErr(err)
	}
	s.afterWrite(ctx, userID, dom.EventUpdated, l, nil)
	return l, nil
}

// Share grants or changes a sharee's permission. Owner only.
func (s *ListService) Share(ctx context.Context, userID int64, listID string, targetID int64, perm dom.Permission) (dom.List, error) {
	if !perm.Valid() || targetID <= 0 {
		return dom.List{}, ErrInvalidInput
	}
	current, err := s.authorize(ctx, userID, listID, dom.RoleOwner)
	if err != nil {
		return dom.List{}, err
	}
	if targetID == current.OwnerID {
		return dom.List{}, ErrShareWithOwner
	}
	if _, err := s.users.GetByID(ctx, targetID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dom.List{}, ErrUserNotFound
		}
		return dom.List{}, err
	}
	l, err := s.repo.UpsertShare(ctx, listID, targetID, perm)
	if err != nil {
		return dom.List{}, mapRepoErr(err)
	}
	s.afterWrite(ctx, userID, dom.EventShared, l, nil)
	return l, nil
}

// Unshare revokes access. The owner may remove anyone; a sharee may remove
// only themselves (leave the list).
func (s *ListService) Unshare(ctx context.Context, userID int64, listID string, targetID int64) (dom.List, error) {
	current, err := s.authorize(ctx, userID, listID, dom.RoleViewer)
	if err != nil {
		return dom.List{}, err
	}
	if current.OwnerID != userID && targetID != userID {
		return dom.List{}, ErrForbidden
	}
	l, err := s.repo.DeleteShare(ctx, listID, targetID)
	if err != nil {
		return dom.List{}, mapRepoErr(err)
	}
	s.afterWrite(ctx, userID, dom.EventUnshared, l, []int64{targetID})
	return l, nil
}

// authorize loads the list and checks the user holds at least min.
func (s *ListService) authorize(ctx context.Context, userID int64, id string, min dom.Role) (dom.List, error) {
	l, err := s.Get(ctx, userID, id)
	if err != nil {
		return dom.List{}, err
	}
	if l.RoleOf(userID) < min {
		return dom.List{}, ErrForbidden
	}
	return l, nil
}

// afterWrite invalidates cached lists of every affected user and publishes the change.
func (s *ListService) afterWrite(ctx context.Context, userID int64, typ dom.EventType, l dom.List, extra []int64) {
	members := append(l.Members(), extra...)
	s.invalidate(ctx, members...)
	snapshot := l.Clone()
	s.publish(ctx, dom.ListEvent{
		ListID:     l.ID,
		Type:       typ,
		UpdatedBy:  userID,
		Version:    l.Version,
		List:       &snapshot,
		Recipients: members,
	})
}

func (s *ListService) invalidate(ctx context.Context, userIDs ...int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userIDs...); err != nil {
		s.log.Warn("list cache invalidation failed", "users", userIDs, "err", err)
	}
}

func (s *ListService) publish(ctx context.Context, ev dom.ListEvent) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.log.Error("publish list event", "list_id", ev.ListID, "type", ev.Type, "err", err)
	}
}

func mapRepoErr(err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, repo.ErrVersionMismatch):
		return ErrVersionConflict
	default:
		return err
	}
}

func cleanText(s string, max int) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || len([]rune(s)) > max {
		return "", ErrInvalidInput
	}
	return s, nil
}

func isPermutation(items []dom.Item, ids []string) bool {
	if len(items) != len(ids) {
		return false
	}
	want := make(map[string]bool, len(items))
	for _, it := range items {
		want[it.ID] = true
	}
	for _, id := range ids {
		if !want[id] {
			return false
		}
		delete(want, id)
	}
	return len(want) == 0
}
