// Package store keeps the client's view of every list visible to the
// current session.
//
// Each list is held as a confirmed base (the last version the backend
// returned) plus an ordered queue of pending optimistic mutations. The
// visible list is always the fold of the pending queue over the base, so
// dropping any pending entry, whether by rollback or by supersession,
// recomputes the exact state the remaining mutations imply.
package store

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"listshare/internal/apperr"
	dom "listshare/internal/domain"

	"github.com/google/uuid"
)

// TempPrefix marks identifiers that exist only on this device.
const TempPrefix = "tmp-"

// NewTempID returns a fresh local identifier for an unconfirmed list or item.
func NewTempID() string {
	return TempPrefix + uuid.NewString()
}

// IsTemp reports whether id was produced by NewTempID.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// Token identifies one pending mutation.
type Token uint64

// Resolver maps a possibly temporary item id to its confirmed id.
type Resolver func(id string) string

// Mutator changes l in place. It receives a copy, so it may modify slices
// freely. Item ids it closes over must be passed through resolve, since the
// mutation may be replayed after its target item was confirmed.
type Mutator func(l *dom.List, resolve Resolver) error

// Change tells subscribers that the visible state of a list changed.
type Change struct {
	ListID  string
	Removed bool
}

type opKind int

const (
	opMutate opKind = iota
	opCreate
	opDelete
)

type op struct {
	token  Token
	kind   opKind
	base   int64
	mutate Mutator
	create dom.List
}

type entry struct {
	base    *dom.List
	pending []op
	visible *dom.List
	invalid error
}

var errGone = errors.New("list no longer present")

type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	tokens  map[Token]string
	next    Token

	itemAlias map[string]string
	listAlias map[string]string
	tombs     map[string]int64

	subs    map[int]func(Change)
	nextSub int
}

func New() *Store {
	return &Store{
		entries:   make(map[string]*entry),
		tokens:    make(map[Token]string),
		itemAlias: make(map[string]string),
		listAlias: make(map[string]string),
		tombs:     make(map[string]int64),
		subs:      make(map[int]func(Change)),
	}
}

// Subscribe registers fn for change notifications. fn runs on the goroutine
// that made the change, after the store lock is released.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Get returns the visible list, following temporary id aliases.
func (s *Store) Get(listID string) (dom.List, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[s.resolveListLocked(listID)]
	if !ok || e.visible == nil {
		return dom.List{}, false
	}
	return e.visible.Clone(), true
}

// All returns every visible list in display order.
func (s *Store) All() []dom.List {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dom.List, 0, len(s.order))
	for _, id := range s.order {
		if e := s.entries[id]; e.visible != nil {
			out = append(out, e.visible.Clone())
		}
	}
	return out
}

// BaseVersion returns the last confirmed version of a list.
func (s *Store) BaseVersion(listID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[s.resolveListLocked(listID)]
	if !ok || e.base == nil {
		return 0, false
	}
	return e.base.Version, true
}

// Pending returns the number of unconfirmed mutations on a list.
func (s *Store) Pending(listID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[s.resolveListLocked(listID)]; ok {
		return len(e.pending)
	}
	return 0
}

// PendingBase returns the confirmed version the mutation behind t was
// applied on. ok is false once the mutation was confirmed, rolled back or
// superseded.
func (s *Store) PendingBase(t Token) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.tokens[t]
	if !ok {
		return 0, false
	}
	for _, p := range s.entries[key].pending {
		if p.token == t {
			return p.base, true
		}
	}
	return 0, false
}

// Upsert stores an authoritative list. It is ignored when l is older than
// the stored version; on equal versions the later write wins. Pending
// mutations stay applied on top.
func (s *Store) Upsert(l dom.List) bool {
	s.mu.Lock()
	applied, changes := s.upsertLocked(l)
	s.mu.Unlock()
	s.notify(changes)
	return applied
}

// Replace installs a full fetch of the user's lists. Confirmed lists absent
// from lists are dropped unless they carry pending mutations.
func (s *Store) Replace(lists []dom.List) {
	s.mu.Lock()
	var changes []Change
	seen := make(map[string]bool, len(lists))
	for _, l := range lists {
		seen[l.ID] = true
	}
	for _, id := range append([]string(nil), s.order...) {
		e := s.entries[id]
		if seen[id] || len(e.pending) > 0 || e.base == nil {
			continue
		}
		changes = append(changes, s.dropLocked(id))
	}
	order := make([]string, 0, len(s.order)+len(lists))
	for _, l := range lists {
		_, c := s.upsertLocked(l)
		changes = append(changes, c...)
		if _, ok := s.entries[l.ID]; ok {
			order = append(order, l.ID)
		}
	}
	for _, id := range s.order {
		if !seen[id] {
			order = append(order, id)
		}
	}
	s.order = order
	s.mu.Unlock()
	s.notify(changes)
}

// ApplyLocalMutation applies m to the visible list and records it as
// pending. The mutator's error is returned unchanged and nothing is recorded.
func (s *Store) ApplyLocalMutation(listID string, m Mutator) (Token, error) {
	s.mu.Lock()
	key := s.resolveListLocked(listID)
	e, ok := s.entries[key]
	if !ok || e.visible == nil {
		s.mu.Unlock()
		return 0, apperr.New(apperr.KindNotFound, "store.apply", errGone)
	}
	probe := e.visible.Clone()
	if err := m(&probe, s.resolveItemLocked); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	t := s.pushLocked(key, e, op{kind: opMutate, mutate: m})
	changes := s.recomputeLocked(key)
	s.mu.Unlock()
	s.notify(changes)
	return t, nil
}

// ApplyLocalCreate shows l before the backend has assigned it an id. l.ID
// must be a temporary id.
func (s *Store) ApplyLocalCreate(l dom.List) Token {
	s.mu.Lock()
	e := &entry{}
	s.entries[l.ID] = e
	s.order = append(s.order, l.ID)
	t := s.pushLocked(l.ID, e, op{kind: opCreate, create: l.Clone()})
	changes := s.recomputeLocked(l.ID)
	s.mu.Unlock()
	s.notify(changes)
	return t
}

// ApplyLocalDelete hides a list until the delete is confirmed or rolled back.
func (s *Store) ApplyLocalDelete(listID string) (Token, error) {
	s.mu.Lock()
	key := s.resolveListLocked(listID)
	e, ok := s.entries[key]
	if !ok || e.visible == nil {
		s.mu.Unlock()
		return 0, apperr.New(apperr.KindNotFound, "store.delete", errGone)
	}
	t := s.pushLocked(key, e, op{kind: opDelete})
	changes := s.recomputeLocked(key)
	s.mu.Unlock()
	s.notify(changes)
	return t, nil
}

// Rollback discards a pending mutation. Unknown tokens are ignored.
func (s *Store) Rollback(t Token) {
	s.mu.Lock()
	key, ok := s.tokens[t]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.popLocked(key, t)
	changes := s.recomputeLocked(key)
	s.mu.Unlock()
	s.notify(changes)
}

// Confirm drops the pending mutation behind t and stores the backend's
// answer. When the mutation created the list, the temporary id is aliased
// to l.ID and every later mutation moves with it.
func (s *Store) Confirm(t Token, l dom.List) {
	s.mu.Lock()
	var changes []Change
	key, known := s.tokens[t]
	if known {
		s.popLocked(key, t)
		if key != l.ID {
			changes = append(changes, s.rekeyLocked(key, l.ID)...)
		}
	}
	_, c := s.upsertLocked(l)
	changes = append(changes, c...)
	if e, ok := s.entries[l.ID]; known && ok {
		for i := range e.pending {
			if e.pending[i].kind != opCreate && e.pending[i].base < l.Version {
				e.pending[i].base = l.Version
			}
		}
	}
	s.mu.Unlock()
	s.notify(changes)
}

// Supersede drops pending mutations applied on a version older than
// version. Pending deletes are kept. It returns how many were dropped.
func (s *Store) Supersede(listID string, version int64) int {
	s.mu.Lock()
	key := s.resolveListLocked(listID)
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	kept := e.pending[:0]
	dropped := 0
	for _, p := range e.pending {
		if p.kind == opMutate && p.base < version {
			delete(s.tokens, p.token)
			dropped++
			continue
		}
		kept = append(kept, p)
	}
	e.pending = kept
	changes := s.recomputeLocked(key)
	s.mu.Unlock()
	s.notify(changes)
	return dropped
}

// Remove forgets a list and its pending mutations. Later upserts at or
// below the removed version are ignored.
func (s *Store) Remove(listID string) {
	s.mu.Lock()
	key := s.resolveListLocked(listID)
	if _, ok := s.entries[key]; !ok {
		s.mu.Unlock()
		return
	}
	c := s.dropLocked(key)
	s.mu.Unlock()
	s.notify([]Change{c})
}

// MarkInvalid flags a list whose latest remote payload could not be used.
// The flag clears on the next successful upsert.
func (s *Store) MarkInvalid(listID string, err error) {
	s.mu.Lock()
	key := s.resolveListLocked(listID)
	e, ok := s.entries[key]
	if ok {
		e.invalid = err
	}
	s.mu.Unlock()
	if ok {
		s.notify([]Change{{ListID: key}})
	}
}

func (s *Store) Invalid(listID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[s.resolveListLocked(listID)]; ok {
		return e.invalid
	}
	return nil
}

// BindItemIDs records the confirmed ids of temporary items. Call it before
// confirming the create so later pending mutations replay against real ids.
func (s *Store) BindItemIDs(ids map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tmp, real := range ids {
		s.itemAlias[tmp] = real
	}
}

func (s *Store) ResolveItemID(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveItemLocked(id)
}

func (s *Store) BindListID(tmp, real string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listAlias[tmp] = real
}

func (s *Store) ResolveListID(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveListLocked(id)
}

func (s *Store) resolveItemLocked(id string) string {
	if real, ok := s.itemAlias[id]; ok {
		return real
	}
	return id
}

func (s *Store) resolveListLocked(id string) string {
	if real, ok := s.listAlias[id]; ok {
		return real
	}
	return id
}

func (s *Store) upsertLocked(l dom.List) (bool, []Change) {
	if tomb, ok := s.tombs[l.ID]; ok {
		if l.Version <= tomb {
			return false, nil
		}
		delete(s.tombs, l.ID)
	}
	e, ok := s.entries[l.ID]
	if !ok {
		e = &entry{}
		s.entries[l.ID] = e
		s.order = append(s.order, l.ID)
	}
	if e.base != nil && l.Version < e.base.Version {
		return false, nil
	}
	base := l.Clone()
	e.base = &base
	e.invalid = nil
	return true, s.recomputeLocked(l.ID)
}

func (s *Store) pushLocked(key string, e *entry, p op) Token {
	s.next++
	p.token = s.next
	if e.base != nil {
		p.base = e.base.Version
	}
	e.pending = append(e.pending, p)
	s.tokens[p.token] = key
	return p.token
}

func (s *Store) popLocked(key string, t Token) {
	delete(s.tokens, t)
	e := s.entries[key]
	for i, p := range e.pending {
		if p.token == t {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

// rekeyLocked moves the entry for a temporary list id under its real id.
func (s *Store) rekeyLocked(tmp, real string) []Change {
	s.listAlias[tmp] = real
	old := s.entries[tmp]
	for _, p := range old.pending {
		s.tokens[p.token] = real
	}
	delete(s.entries, tmp)
	if cur, ok := s.entries[real]; ok {
		cur.pending = append(cur.pending, old.pending...)
		s.removeOrderLocked(tmp)
	} else {
		s.entries[real] = old
		for i, id := range s.order {
			if id == tmp {
				s.order[i] = real
			}
		}
	}
	return []Change{{ListID: tmp, Removed: true}}
}

// recomputeLocked refolds the pending queue and reports a change when the
// visible list differs from before. Entries with nothing left are dropped.
func (s *Store) recomputeLocked(key string) []Change {
	e := s.entries[key]
	prev := e.visible
	e.visible = s.foldLocked(e)
	if e.base == nil && len(e.pending) == 0 {
		delete(s.entries, key)
		s.removeOrderLocked(key)
		return []Change{{ListID: key, Removed: true}}
	}
	if reflect.DeepEqual(prev, e.visible) {
		return nil
	}
	return []Change{{ListID: key, Removed: e.visible == nil}}
}

func (s *Store) foldLocked(e *entry) *dom.List {
	var cur *dom.List
	if e.base != nil {
		c := e.base.Clone()
		cur = &c
	}
	for _, p := range e.pending {
		switch p.kind {
		case opCreate:
			c := p.create.Clone()
			cur = &c
		case opDelete:
			cur = nil
		case opMutate:
			if cur == nil {
				continue
			}
			c := cur.Clone()
			// A mutation whose target vanished under it no longer applies.
			if err := p.mutate(&c, s.resolveItemLocked); err != nil {
				continue
			}
			cur = &c
		}
	}
	return cur
}

func (s *Store) dropLocked(key string) Change {
	e := s.entries[key]
	for _, p := range e.pending {
		delete(s.tokens, p.token)
	}
	if e.base != nil {
		s.tombs[key] = e.base.Version
	}
	delete(s.entries, key)
	s.removeOrderLocked(key)
	return Change{ListID: key, Removed: true}
}

func (s *Store) removeOrderLocked(key string) {
	for i, id := range s.order {
		if id == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *Store) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	s.mu.Lock()
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, c := range changes {
		for _, fn := range subs {
			fn(c)
		}
	}
}
