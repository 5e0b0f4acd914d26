// Package dispatch turns user intents into optimistic store mutations and
// the backend calls that confirm or roll them back.
//
// Every operation validates locally, applies its change to the store at
// once, then waits its turn on the list's queue and calls the backend. The
// call runs detached from the caller's context: a caller that stops waiting
// does not cancel a mutation already in flight.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"listshare/internal/apperr"
	dom "listshare/internal/domain"
	"listshare/internal/store"
)

// Limits match the backend's; lengths count characters, not bytes.
const (
	maxTitleLen    = 120
	maxTextLen     = 500
	maxItemsPerAdd = 200
)

// API is the slice of the REST client the dispatcher drives.
type API interface {
	CreateList(ctx context.Context, title string) (dom.List, error)
	RenameList(ctx context.Context, id, title string, expectedVersion int64) (dom.List, error)
	DeleteList(ctx context.Context, id string) error
	AddItems(ctx context.Context, listID string, texts []string) (dom.List, []string, error)
	UpdateItem(ctx context.Context, listID, itemID string, patch dom.ItemPatch, expectedVersion int64) (dom.List, error)
	DeleteItem(ctx context.Context, listID, itemID string) (dom.List, error)
	ReorderItems(ctx context.Context, listID string, itemIDs []string) (dom.List, error)
	ShareList(ctx context.Context, listID string, userID int64, perm dom.Permission) (dom.List, error)
	UnshareList(ctx context.Context, listID string, userID int64) (dom.List, error)
}

// Refetcher reloads one list from the backend, removing it when gone.
type Refetcher interface {
	Refetch(ctx context.Context, listID string) error
}

// Selector is the current list selection.
type Selector interface {
	Current() string
	Select(ctx context.Context, listID string) (previous string)
}

type Options struct {
	// Timeout bounds each backend call.
	Timeout time.Duration
}

type Dispatcher struct {
	store *store.Store
	api   API
	sync  Refetcher
	sel   Selector
	me    func() int64
	opts  Options
	log   *slog.Logger

	mu       sync.Mutex
	tails    map[string]chan struct{}
	inflight int
	idle     chan struct{}
}

func New(st *store.Store, api API, refetcher Refetcher, sel Selector, me func() int64, opts Options, log *slog.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Dispatcher{
		store: st,
		api:   api,
		sync:  refetcher,
		sel:   sel,
		me:    me,
		opts:  opts,
		log:   log,
		tails: make(map[string]chan struct{}),
		idle:  closedChan(),
	}
}

// SplitItems splits raw input on commas and newlines, trims every entry and
// drops empty ones.
func SplitItems(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CreateList shows the new list immediately under a temporary id and
// returns the backend's copy.
func (d *Dispatcher) CreateList(ctx context.Context, title string) (dom.List, error) {
	const op = "create list"
	title, err := cleanText(op, "title", title, maxTitleLen)
	if err != nil {
		return dom.List{}, err
	}
	tmp := store.NewTempID()
	tok := d.store.ApplyLocalCreate(dom.List{
		ID:         tmp,
		Title:      title,
		OwnerID:    d.me(),
		SharedWith: []dom.Share{},
		Items:      []dom.Item{},
	})

	var created dom.List
	err = d.run(ctx, tmp, func(ctx context.Context) error {
		l, err := d.api.CreateList(ctx, title)
		if err != nil {
			d.store.Rollback(tok)
			return err
		}
		d.store.Confirm(tok, l)
		d.aliasQueue(tmp, l.ID)
		if d.sel.Current() == tmp {
			d.sel.Select(ctx, l.ID)
		}
		created = l
		return nil
	})
	return created, err
}

func (d *Dispatcher) RenameList(ctx context.Context, listID, title string) (dom.List, error) {
	const op = "rename list"
	title, err := cleanText(op, "title", title, maxTitleLen)
	if err != nil {
		return dom.List{}, err
	}
	if err := d.authorize(op, listID, dom.RoleEditor); err != nil {
		return dom.List{}, err
	}
	tok, err := d.store.ApplyLocalMutation(listID, func(l *dom.List, _ store.Resolver) error {
		l.Title = title
		return nil
	})
	if err != nil {
		return dom.List{}, err
	}
	return d.mutate(ctx, op, listID, tok, func(ctx context.Context, id string, expected int64) (dom.List, error) {
		return d.api.RenameList(ctx, id, title, expected)
	})
}

// DeleteList hides the list and, when it was selected, moves the selection
// to a neighbour right away. A failed delete restores both.
func (d *Dispatcher) DeleteList(ctx context.Context, listID string) error {
	const op = "delete list"
	if err := d.authorize(op, listID, dom.RoleOwner); err != nil {
		return err
	}
	key := d.store.ResolveListID(listID)
	fallback := d.neighbour(key)

	previous := d.sel.Current()
	moved := previous == key || previous == listID
	tok, err := d.store.ApplyLocalDelete(key)
	if err != nil {
		return err
	}
	if moved {
		d.sel.Select(ctx, fallback)
	}

	return d.run(ctx, key, func(ctx context.Context) error {
		id := d.store.ResolveListID(key)
		err := d.notTemp(op, id)
		if err == nil {
			err = d.api.DeleteList(ctx, id)
		}
		// Already gone on the backend is as good as deleted.
		if err == nil || errors.Is(err, apperr.ErrNotFound) {
			d.store.Remove(id)
			return nil
		}
		d.store.Rollback(tok)
		if moved && d.sel.Current() == fallback {
			d.sel.Select(ctx, previous)
		}
		return err
	})
}

// AddItems adds one item per comma or newline separated entry of raw and
// returns their ids. Input without entries is a no-op.
func (d *Dispatcher) AddItems(ctx context.Context, listID, raw string) ([]string, error) {
	const op = "add items"
	texts := SplitItems(raw)
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > maxItemsPerAdd {
		return nil, apperr.Validation(op, "too many items at once")
	}
	for _, t := range texts {
		if utf8.RuneCountInString(t) > maxTextLen {
			return nil, apperr.Validation(op, "item text too long")
		}
	}
	if err := d.authorize(op, listID, dom.RoleEditor); err != nil {
		return nil, err
	}

	tmpIDs := make([]string, len(texts))
	for i := range texts {
		tmpIDs[i] = store.NewTempID()
	}
	tok, err := d.store.ApplyLocalMutation(listID, func(l *dom.List, _ store.Resolver) error {
		for i, t := range texts {
			l.Items = append(l.Items, dom.Item{ID: tmpIDs[i], Text: t})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var ids []string
	err = d.run(ctx, d.store.ResolveListID(listID), func(ctx context.Context) error {
		id := d.store.ResolveListID(listID)
		if err := d.notTemp(op, id); err != nil {
			d.store.Rollback(tok)
			return err
		}
		l, realIDs, err := d.api.AddItems(ctx, id, texts)
		if err != nil {
			return d.fail(ctx, id, tok, err)
		}
		aliases := make(map[string]string, len(realIDs))
		for i, rid := range realIDs {
			aliases[tmpIDs[i]] = rid
		}
		d.store.BindItemIDs(aliases)
		d.store.Confirm(tok, l)
		ids = realIDs
		return nil
	})
	return ids, err
}

// ToggleItem flips the completed flag the user currently sees.
func (d *Dispatcher) ToggleItem(ctx context.Context, listID, itemID string) (dom.List, error) {
	const op = "toggle item"
	if err := d.authorize(op, listID, dom.RoleEditor); err != nil {
		return dom.List{}, err
	}
	l, _ := d.store.Get(listID)
	i := l.ItemIndex(d.store.ResolveItemID(itemID))
	if i < 0 {
		return dom.List{}, apperr.New(apperr.KindNotFound, op, errors.New("no such item"))
	}
	completed := !l.Items[i].Completed

	tok, err := d.store.ApplyLocalMutation(listID, func(l *dom.List, resolve store.Resolver) error {
		i := l.ItemIndex(resolve(itemID))
		if i < 0 {
			return apperr.New(apperr.KindNotFound, op, errors.New("no such item"))
		}
		l.Items[i].Completed = completed
		return nil
	})
	if err != nil {
		return dom.List{}, err
	}
	return d.itemCall(ctx, op, listID, itemID, tok, func(ctx context.Context, id, item string, _ int64) (dom.List, error) {
		return d.api.UpdateItem(ctx, id, item, dom.ItemPatch{Completed: &completed}, 0)
	})
}

func (d *Dispatcher) EditItem(ctx context.Context, listID, itemID, text string) (dom.List, error) {
	const op = "edit item"
	text, err := cleanText(op, "text", text, maxTextLen)
	if err != nil {
		return dom.List{}, err
	}
	if err := d.authorize(op, listID, dom.RoleEditor); err != nil {
		return dom.List{}, err
	}
	tok, err := d.store.ApplyLocalMutation(listID, func(l *dom.List, resolve store.Resolver) error {
		i := l.ItemIndex(resolve(itemID))
		if i < 0 {
			return apperr.New(apperr.KindNotFound, op, errors.New("no such item"))
		}
		l.Items[i].Text = text
		return nil
	})
	if err != nil {
		return dom.List{}, err
	}
	return d.itemCall(ctx, op, listID, itemID, tok, func(ctx context.Context, id, item string, expected int64) (dom.List, error) {
		return d.api.UpdateItem(ctx, id, item, dom.ItemPatch{Text: &text}, expected)
	})
}

func (d *Dispatcher) DeleteItem(ctx context.Context, listID, itemID string) (dom.List, error) {
	const op = "delete item"
	if err := d.authorize(op, listID, dom.RoleEditor); err != nil {
		return dom.List{}, err
	}
	tok, err := d.store.ApplyLocalMutation(listID, func(l *dom.List, resolve store.Resolver) error {
		i := l.ItemIndex(resolve(itemID))
		if i < 0 {
			return apperr.New(apperr.KindNotFound, op, errors.New("no such item"))
		}
		l.Items = append(l.Items[:i], l.Items[i+1:]...)
		return nil
	})
	if err != nil {
		return dom.List{}, err
	}
	return d.itemCall(ctx, op, listID, itemID, tok, func(ctx context.Context, id, item string, _ int64) (dom.List, error) {
		return d.api.DeleteItem(ctx, id, item)
	})
}

// ReorderItems puts the list's items in the order of itemIDs, which must
// name every item exactly once.
func (d *Dispatcher) ReorderItems(ctx context.Context, listID string, itemIDs []string) (dom.List, error) {
	const op = "reorder items"
	if err := d.authorize(op, listID, dom.RoleEditor); err != nil {
		return dom.List{}, err
	}
	reorder := func(l *dom.List, resolve store.Resolver) error {
		if len(itemIDs) != len(l.Items) {
			return apperr.Validation(op, "order must name every item exactly once")
		}
		out := make([]dom.Item, 0, len(itemIDs))
		seen := make(map[string]bool, len(itemIDs))
		for _, id := range itemIDs {
			id = resolve(id)
			i := l.ItemIndex(id)
			if i < 0 || seen[id] {
				return apperr.Validation(op, "order must name every item exactly once")
			}
			seen[id] = true
			out = append(out, l.Items[i])
		}
		l.Items = out
		return nil
	}
	tok, err := d.store.ApplyLocalMutation(listID, reorder)
	if err != nil {
		return dom.List{}, err
	}
	return d.mutate(ctx, op, listID, tok, func(ctx context.Context, id string, _ int64) (dom.List, error) {
		resolved := make([]string, len(itemIDs))
		for i, item := range itemIDs {
			resolved[i] = d.store.ResolveItemID(item)
			if store.IsTemp(resolved[i]) {
				return dom.List{}, apperr.New(apperr.KindNotFound, op, errors.New("item was never created"))
			}
		}
		return d.api.ReorderItems(ctx, id, resolved)
	})
}

func (d *Dispatcher) ShareList(ctx context.Context, listID string, userID int64, perm dom.Permission) (dom.List, error) {
	const op = "share list"
	if !perm.Valid() {
		return dom.List{}, apperr.Validation(op, "permission must be view or edit")
	}
	if userID <= 0 {
		return dom.List{}, apperr.Validation(op, "user id required")
	}
	if err := d.authorize(op, listID, dom.RoleOwner); err != nil {
		return dom.List{}, err
	}
	if userID == d.me() {
		return dom.List{}, apperr.Validation(op, "cannot share a list with its owner")
	}
	tok, err := d.store.ApplyLocalMutation(listID, func(l *dom.List, _ store.Resolver) error {
		for i := range l.SharedWith {
			if l.SharedWith[i].UserID == userID {
				l.SharedWith[i].Permission = perm
				return nil
			}
		}
		l.SharedWith = append(l.SharedWith, dom.Share{UserID: userID, Permission: perm})
		return nil
	})
	if err != nil {
		return dom.List{}, err
	}
	return d.mutate(ctx, op, listID, tok, func(ctx context.Context, id string, _ int64) (dom.List, error) {
		return d.api.ShareList(ctx, id, userID, perm)
	})
}

// UnshareList revokes userID's access. Sharees may remove themselves.
func (d *Dispatcher) UnshareList(ctx context.Context, listID string, userID int64) (dom.List, error) {
	const op = "unshare list"
	if userID <= 0 {
		return dom.List{}, apperr.Validation(op, "user id required")
	}
	if userID != d.me() {
		if err := d.authorize(op, listID, dom.RoleOwner); err != nil {
			return dom.List{}, err
		}
	}
	tok, err := d.store.ApplyLocalMutation(listID, func(l *dom.List, _ store.Resolver) error {
		for i := range l.SharedWith {
			if l.SharedWith[i].UserID == userID {
				l.SharedWith = append(l.SharedWith[:i], l.SharedWith[i+1:]...)
				return nil
			}
		}
		return apperr.Validation(op, "list is not shared with that user")
	})
	if err != nil {
		return dom.List{}, err
	}
	l, err := d.mutate(ctx, op, listID, tok, func(ctx context.Context, id string, _ int64) (dom.List, error) {
		return d.api.UnshareList(ctx, id, userID)
	})
	if err == nil && l.RoleOf(d.me()) == dom.RoleNone {
		d.store.Remove(l.ID)
		if d.sel.Current() == l.ID {
			d.sel.Select(ctx, "")
		}
	}
	return l, err
}

// Wait blocks until no backend call is in flight or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type listCall func(ctx context.Context, listID string, expectedVersion int64) (dom.List, error)

// mutate runs call on the list's queue and confirms or rolls back tok.
// expectedVersion is the confirmed version the mutation was applied on;
// a mutation superseded while queued is reported as a conflict unsent.
func (d *Dispatcher) mutate(ctx context.Context, op, listID string, tok store.Token, call listCall) (dom.List, error) {
	var out dom.List
	err := d.run(ctx, d.store.ResolveListID(listID), func(ctx context.Context) error {
		id := d.store.ResolveListID(listID)
		if err := d.notTemp(op, id); err != nil {
			d.store.Rollback(tok)
			return err
		}
		expected, ok := d.store.PendingBase(tok)
		if !ok {
			return apperr.New(apperr.KindConflict, op, errors.New("superseded by a remote change"))
		}
		l, err := call(ctx, id, expected)
		if err != nil {
			return d.fail(ctx, id, tok, err)
		}
		d.store.Confirm(tok, l)
		out = l
		return nil
	})
	return out, err
}

type itemCallFn func(ctx context.Context, listID, itemID string, expectedVersion int64) (dom.List, error)

// itemCall is mutate for calls addressing one item, which may still carry
// a temporary id when the call is queued.
func (d *Dispatcher) itemCall(ctx context.Context, op, listID, itemID string, tok store.Token, call itemCallFn) (dom.List, error) {
	return d.mutate(ctx, op, listID, tok, func(ctx context.Context, id string, expected int64) (dom.List, error) {
		item := d.store.ResolveItemID(itemID)
		if store.IsTemp(item) {
			return dom.List{}, apperr.New(apperr.KindNotFound, op, errors.New("item was never created"))
		}
		return call(ctx, id, item, expected)
	})
}

// fail rolls tok back and repairs the store after a rejected call.
func (d *Dispatcher) fail(ctx context.Context, listID string, tok store.Token, err error) error {
	d.store.Rollback(tok)
	switch {
	case errors.Is(err, apperr.ErrConflict):
		if rerr := d.sync.Refetch(ctx, listID); rerr != nil {
			d.log.Warn("refetch after conflict", "list_id", listID, "err", rerr)
		}
	case errors.Is(err, apperr.ErrNotFound):
		if rerr := d.sync.Refetch(ctx, listID); rerr != nil {
			d.log.Warn("refetch after not found", "list_id", listID, "err", rerr)
		}
		if _, ok := d.store.Get(listID); !ok && d.sel.Current() == listID {
			d.sel.Select(ctx, "")
		}
	}
	return err
}

// run executes fn after every earlier call queued on key. The caller waits
// for the result unless its ctx ends first; fn itself always completes.
func (d *Dispatcher) run(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	prev, done := d.enqueue(key)
	result := make(chan error, 1)
	go func() {
		defer done()
		if prev != nil {
			<-prev
		}
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.Timeout)
		defer cancel()
		result <- fn(jctx)
	}()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) enqueue(key string) (<-chan struct{}, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.tails[key]
	ch := make(chan struct{})
	d.tails[key] = ch
	if d.inflight == 0 {
		d.idle = make(chan struct{})
	}
	d.inflight++
	return prev, func() {
		close(ch)
		d.mu.Lock()
		for k, tail := range d.tails {
			if tail == ch {
				delete(d.tails, k)
			}
		}
		d.inflight--
		if d.inflight == 0 {
			close(d.idle)
		}
		d.mu.Unlock()
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// aliasQueue makes calls queued under a confirmed list's real id wait for
// those still queued under its temporary id.
func (d *Dispatcher) aliasQueue(tmp, real string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tail, ok := d.tails[tmp]; ok {
		if _, busy := d.tails[real]; !busy {
			d.tails[real] = tail
		}
	}
}

func (d *Dispatcher) authorize(op, listID string, need dom.Role) error {
	l, ok := d.store.Get(listID)
	if !ok {
		return apperr.New(apperr.KindNotFound, op, errors.New("no such list"))
	}
	if l.RoleOf(d.me()) < need {
		return apperr.New(apperr.KindPermission, op, errors.New("not allowed on this list"))
	}
	return nil
}

func (d *Dispatcher) notTemp(op, listID string) error {
	if store.IsTemp(listID) {
		return apperr.New(apperr.KindNotFound, op, errors.New("list was never created"))
	}
	return nil
}

// neighbour picks the list to select once key disappears: the next one in
// display order, else the previous one, else none.
func (d *Dispatcher) neighbour(key string) string {
	lists := d.store.All()
	for i, l := range lists {
		if l.ID != key {
			continue
		}
		if i+1 < len(lists) {
			return lists[i+1].ID
		}
		if i > 0 {
			return lists[i-1].ID
		}
	}
	return ""
}

func cleanText(op, field, s string, limit int) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", apperr.Validation(op, field+" required")
	}
	if utf8.RuneCountInString(s) > limit {
		return "", apperr.Validation(op, field+" too long")
	}
	return s, nil
}
