package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"listshare/internal/apperr"
	dom "listshare/internal/domain"
)

type call struct {
	method string
	listID string
	itemID string
	arg    any
}

// fakeAPI is an in-memory backend with version checks. When gate is set,
// every call announces itself on entered and blocks until released.
type fakeAPI struct {
	mu     sync.Mutex
	lists  map[string]dom.List
	nextID int
	calls  []call
	errs   map[string]error

	gate    chan struct{}
	entered chan string
}

func newFakeAPI(lists ...dom.List) *fakeAPI {
	f := &fakeAPI{lists: make(map[string]dom.List), errs: make(map[string]error)}
	for _, l := range lists {
		f.lists[l.ID] = l.Clone()
	}
	return f
}

func (f *fakeAPI) gated() {
	f.gate = make(chan struct{})
	f.entered = make(chan string, 32)
}

func (f *fakeAPI) release() { f.gate <- struct{}{} }

func (f *fakeAPI) enter(c call) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate != nil {
		entered <- c.method
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[c.method]; ok {
		delete(f.errs, c.method)
		return err
	}
	return nil
}

func (f *fakeAPI) failNext(method string, kind apperr.Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = apperr.New(kind, method, errors.New("injected"))
}

func (f *fakeAPI) callsTo(method string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeAPI) set(l dom.List) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[l.ID] = l.Clone()
}

func (f *fakeAPI) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s%d", prefix, f.nextID)
}

// edit applies fn to a stored list under a version check and bumps it.
func (f *fakeAPI) edit(id string, expected int64, fn func(l *dom.List) error) (dom.List, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lists[id]
	if !ok {
		return dom.List{}, apperr.New(apperr.KindNotFound, "fake", nil)
	}
	if expected != 0 && expected != l.Version {
		return dom.List{}, apperr.New(apperr.KindConflict, "fake", nil)
	}
	l = l.Clone()
	if err := fn(&l); err != nil {
		return dom.List{}, err
	}
	l.Version++
	f.lists[id] = l
	return l.Clone(), nil
}

func itemNotFound() error { return apperr.New(apperr.KindNotFound, "fake", errors.New("item")) }

func (f *fakeAPI) Lists(context.Context) ([]dom.List, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dom.List
	for _, l := range f.lists {
		out = append(out, l.Clone())
	}
	return out, nil
}

func (f *fakeAPI) GetList(_ context.Context, id string) (dom.List, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lists[id]
	if !ok {
		return dom.List{}, apperr.New(apperr.KindNotFound, "fake", nil)
	}
	return l.Clone(), nil
}

func (f *fakeAPI) CreateList(_ context.Context, title string) (dom.List, error) {
	if err := f.enter(call{method: "CreateList", arg: title}); err != nil {
		return dom.List{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l := dom.List{ID: f.newID("list-"), Title: title, OwnerID: me, SharedWith: []dom.Share{}, Items: []dom.Item{}, Version: 1}
	f.lists[l.ID] = l
	return l.Clone(), nil
}

func (f *fakeAPI) RenameList(_ context.Context, id, title string, expected int64) (dom.List, error) {
	if err := f.enter(call{method: "RenameList", listID: id, arg: expected}); err != nil {
		return dom.List{}, err
	}
	return f.edit(id, expected, func(l *dom.List) error {
		l.Title = title
		return nil
	})
}

func (f *fakeAPI) DeleteList(_ context.Context, id string) error {
	if err := f.enter(call{method: "DeleteList", listID: id}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.lists[id]; !ok {
		return apperr.New(apperr.KindNotFound, "fake", nil)
	}
	delete(f.lists, id)
	return nil
}

func (f *fakeAPI) AddItems(_ context.Context, listID string, texts []string) (dom.List, []string, error) {
	if err := f.enter(call{method: "AddItems", listID: listID, arg: texts}); err != nil {
		return dom.List{}, nil, err
	}
	var ids []string
	l, err := f.edit(listID, 0, func(l *dom.List) error {
		for _, t := range texts {
			id := f.newID("item-")
			ids = append(ids, id)
			l.Items = append(l.Items, dom.Item{ID: id, Text: t})
		}
		return nil
	})
	return l, ids, err
}

func (f *fakeAPI) UpdateItem(_ context.Context, listID, itemID string, patch dom.ItemPatch, expected int64) (dom.List, error) {
	if err := f.enter(call{method: "UpdateItem", listID: listID, itemID: itemID, arg: expected}); err != nil {
		return dom.List{}, err
	}
	return f.edit(listID, expected, func(l *dom.List) error {
		i := l.ItemIndex(itemID)
		if i < 0 {
			return itemNotFound()
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

func (f *fakeAPI) DeleteItem(_ context.Context, listID, itemID string) (dom.List, error) {
	if err := f.enter(call{method: "DeleteItem", listID: listID, itemID: itemID}); err != nil {
		return dom.List{}, err
	}
	return f.edit(listID, 0, func(l *dom.List) error {
		i := l.ItemIndex(itemID)
		if i < 0 {
			return itemNotFound()
		}
		l.Items = append(l.Items[:i], l.Items[i+1:]...)
		return nil
	})
}

func (f *fakeAPI) ReorderItems(_ context.Context, listID string, itemIDs []string) (dom.List, error) {
	if err := f.enter(call{method: "ReorderItems", listID: listID, arg: itemIDs}); err != nil {
		return dom.List{}, err
	}
	return f.edit(listID, 0, func(l *dom.List) error {
		out := make([]dom.Item, 0, len(itemIDs))
		for _, id := range itemIDs {
			i := l.ItemIndex(id)
			if i < 0 {
				return itemNotFound()
			}
			out = append(out, l.Items[i])
		}
		l.Items = out
		return nil
	})
}

func (f *fakeAPI) ShareList(_ context.Context, listID string, userID int64, perm dom.Permission) (dom.List, error) {
	if err := f.enter(call{method: "ShareList", listID: listID, arg: userID}); err != nil {
		return dom.List{}, err
	}
	return f.edit(listID, 0, func(l *dom.List) error {
		l.SharedWith = append(l.SharedWith, dom.Share{UserID: userID, Username: fmt.Sprintf("user%d", userID), Permission: perm})
		return nil
	})
}

func (f *fakeAPI) UnshareList(_ context.Context, listID string, userID int64) (dom.List, error) {
	if err := f.enter(call{method: "UnshareList", listID: listID, arg: userID}); err != nil {
		return dom.List{}, err
	}
	return f.edit(listID, 0, func(l *dom.List) error {
		for i, s := range l.SharedWith {
			if s.UserID == userID {
				l.SharedWith = append(l.SharedWith[:i], l.SharedWith[i+1:]...)
				return nil
			}
		}
		return apperr.New(apperr.KindNotFound, "fake", nil)
	})
}

type fakeSelector struct {
	mu      sync.Mutex
	current string
	history []string
}

func (s *fakeSelector) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *fakeSelector) Select(_ context.Context, id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.current
	s.current = id
	s.history = append(s.history, id)
	return prev
}
