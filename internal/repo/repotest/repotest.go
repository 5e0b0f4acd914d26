// Package repotest provides in-memory implementations of the repo interfaces
// with the same not-found and version semantics as the Postgres ones.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	dom "listshare/internal/domain"
	"listshare/internal/repo"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ListRepo is an in-memory repo.ListRepo.
type ListRepo struct {
	mu    sync.Mutex
	lists map[string]dom.List
	users *UserRepo
	last  time.Time
}

func NewListRepo(users *UserRepo) *ListRepo {
	return &ListRepo{lists: map[string]dom.List{}, users: users}
}

func (r *ListRepo) ListForUser(_ context.Context, userID int64) ([]dom.List, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []dom.List
	for _, l := range r.lists {
		if l.RoleOf(userID) != dom.RoleNone {
			out = append(out, l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *ListRepo) Get(_ context.Context, id string) (dom.List, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lists[id]
	if !ok {
		return dom.List{}, pgx.ErrNoRows
	}
	return l.Clone(), nil
}

func (r *ListRepo) Create(_ context.Context, ownerID int64, title string) (dom.List, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	// Keep creation order observable even within one clock tick.
	if !now.After(r.last) {
		now = r.last.Add(time.Microsecond)
	}
	r.last = now
	l := dom.List{
		ID: uuid.NewString(), Title: title, OwnerID: ownerID, Version: 1,
		SharedWith: []dom.Share{}, Items: []dom.Item{}, CreatedAt: now, UpdatedAt: now,
	}
	r.lists[l.ID] = l
	return l.Clone(), nil
}

func (r *ListRepo) mutate(id string, expected int64, fn func(l *dom.List) error) (dom.List, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lists[id]
	if !ok {
		return dom.List{}, pgx.ErrNoRows
	}
	if expected > 0 && expected != l.Version {
		return dom.List{}, repo.ErrVersionMismatch
	}
	l = l.Clone()
	if err := fn(&l); err != nil {
		return dom.List{}, err
	}
	l.Version++
	l.UpdatedAt = time.Now().UTC()
	r.lists[id] = l
	return l.Clone(), nil
}

func (r *ListRepo) Rename(_ context.Context, id, title string, expected int64) (dom.List, error) {
	return r.mutate(id, expected, func(l *dom.List) error {
		l.Title = title
		return nil
	})
}

func (r *ListRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.lists[id]; !ok {
		return pgx.ErrNoRows
	}
	delete(r.lists, id)
	return nil
}

func (r *ListRepo) AddItems(_ context.Context, listID string, texts []string) (dom.List, []string, error) {
	ids := make([]string, len(texts))
	l, err := r.mutate(listID, 0, func(l *dom.List) error {
		for i, t := range texts {
			ids[i] = uuid.NewString()
			l.Items = append(l.Items, dom.Item{ID: ids[i], Text: t})
		}
		return nil
	})
	return l, ids, err
}

func (r *ListRepo) UpdateItem(_ context.Context, listID, itemID string, patch dom.ItemPatch, expected int64) (dom.List, error) {
	return r.mutate(listID, expected, func(l *dom.List) error {
		i := l.ItemIndex(itemID)
		if i < 0 {
			return pgx.ErrNoRows
		}
		if patch.Text != nil {
			l.Items[i].Text = *patch.Text
		}
		if patch.Completed != nil {
			l.Items[i].Completed = *patch.Completed
		}
		return nil
	})
}

func (r *ListRepo) DeleteItem(_ context.Context, listID, itemID string) (dom.List, error) {
	return r.mutate(listID, 0, func(l *dom.List) error {
		i := l.ItemIndex(itemID)
		if i < 0 {
			return pgx.ErrNoRows
		}
		l.Items = append(l.Items[:i], l.Items[i+1:]...)
		return nil
	})
}

func (r *ListRepo) ReorderItems(_ context.Context, listID string, itemIDs []string) (dom.List, error) {
	return r.mutate(listID, 0, func(l *dom.List) error {
		out := make([]dom.Item, 0, len(itemIDs))
		for _, id := range itemIDs {
			out = append(out, l.Items[l.ItemIndex(id)])
		}
		l.Items = out
		return nil
	})
}

func (r *ListRepo) UpsertShare(_ context.Context, listID string, userID int64, perm dom.Permission) (dom.List, error) {
	u, err := r.users.GetByID(context.Background(), userID)
	if err != nil {
		return dom.List{}, err
	}
	return r.mutate(listID, 0, func(l *dom.List) error {
		for i := range l.SharedWith {
			if l.SharedWith[i].UserID == userID {
				l.SharedWith[i].Permission = perm
				return nil
			}
		}
		l.SharedWith = append(l.SharedWith, u.Grant(perm))
		return nil
	})
}

func (r *ListRepo) DeleteShare(_ context.Context, listID string, userID int64) (dom.List, error) {
	return r.mutate(listID, 0, func(l *dom.List) error {
		for i := range l.SharedWith {
			if l.SharedWith[i].UserID == userID {
				l.SharedWith = append(l.SharedWith[:i], l.SharedWith[i+1:]...)
				return nil
			}
		}
		return pgx.ErrNoRows
	})
}

// UserRepo is an in-memory repo.UserRepo.
type UserRepo struct {
	mu    sync.Mutex
	users map[int64]dom.User
	next  int64
}

func NewUserRepo() *UserRepo {
	return &UserRepo{users: map[int64]dom.User{}}
}

// Add inserts a user without a password and returns it.
func (r *UserRepo) Add(username string) dom.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	u := dom.User{ID: r.next, Username: username, CreatedAt: time.Now().UTC()}
	r.users[u.ID] = u
	return u
}

func (r *UserRepo) GetByUsername(_ context.Context, username string) (dom.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == username {
			return u, nil
		}
	}
	return dom.User{}, pgx.ErrNoRows
}

func (r *UserRepo) GetByID(_ context.Context, id int64) (dom.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return dom.User{}, pgx.ErrNoRows
	}
	return u, nil
}

func (r *UserRepo) Create(_ context.Context, username, hash string) (dom.User, error) {
	if _, err := r.GetByUsername(context.Background(), username); err == nil {
		return dom.User{}, fmt.Errorf("duplicate: %w", errUnique)
	}
	u := r.Add(username)
	r.mu.Lock()
	u.PasswordHash = hash
	r.users[u.ID] = u
	r.mu.Unlock()
	return u, nil
}

func (r *UserRepo) UpdatePassword(_ context.Context, id int64, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return pgx.ErrNoRows
	}
	u.PasswordHash = hash
	r.users[id] = u
	return nil
}

func (r *UserRepo) Search(_ context.Context, q string, excludeID int64, limit int) ([]dom.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []dom.User
	for _, u := range r.users {
		if u.ID != excludeID && strings.HasPrefix(strings.ToLower(u.Username), strings.ToLower(q)) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var errUnique = &pgconn.PgError{Code: "23505"}

var (
	_ repo.ListRepo = (*ListRepo)(nil)
	_ repo.UserRepo = (*UserRepo)(nil)
)
