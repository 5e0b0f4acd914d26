package store

import (
	"errors"
	"testing"

	"listshare/internal/apperr"
	dom "listshare/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleList(version int64) dom.List {
	return dom.List{
		ID:      "L1",
		Title:   "Groceries",
		OwnerID: 1,
		Items: []dom.Item{
			{ID: "i1", Text: "milk"},
			{ID: "i2", Text: "eggs", Completed: true},
		},
		Version: version,
	}
}

func rename(title string) Mutator {
	return func(l *dom.List, _ Resolver) error {
		l.Title = title
		return nil
	}
}

func toggle(itemID string) Mutator {
	return func(l *dom.List, resolve Resolver) error {
		i := l.ItemIndex(resolve(itemID))
		if i < 0 {
			return apperr.Validation("toggle", "no such item")
		}
		l.Items[i].Completed = !l.Items[i].Completed
		return nil
	}
}

func TestUpsertVersionRule(t *testing.T) {
	s := New()
	require.True(t, s.Upsert(sampleList(3)))

	stale := sampleList(2)
	stale.Title = "old"
	assert.False(t, s.Upsert(stale))

	same := sampleList(3)
	same.Title = "same version, later write"
	assert.True(t, s.Upsert(same))

	got, ok := s.Get("L1")
	require.True(t, ok)
	assert.Equal(t, "same version, later write", got.Title)
	assert.EqualValues(t, 3, got.Version)
}

func TestMutationsApplyInOrder(t *testing.T) {
	s := New()
	s.Upsert(sampleList(1))

	_, err := s.ApplyLocalMutation("L1", toggle("i1"))
	require.NoError(t, err)
	_, err = s.ApplyLocalMutation("L1", rename("Food"))
	require.NoError(t, err)
	_, err = s.ApplyLocalMutation("L1", toggle("i2"))
	require.NoError(t, err)

	want := sampleList(1)
	want.Title = "Food"
	want.Items[0].Completed = true
	want.Items[1].Completed = false

	got, _ := s.Get("L1")
	assert.Equal(t, want, got)
	assert.Equal(t, 3, s.Pending("L1"))
}

func TestRollbackIsExact(t *testing.T) {
	s := New()
	s.Upsert(sampleList(1))
	before, _ := s.Get("L1")

	tok, err := s.ApplyLocalMutation("L1", rename("X"))
	require.NoError(t, err)
	s.Rollback(tok)

	after, _ := s.Get("L1")
	assert.Equal(t, before, after)
	assert.Zero(t, s.Pending("L1"))
}

func TestRollbackKeepsLaterMutations(t *testing.T) {
	s := New()
	s.Upsert(sampleList(1))

	first, err := s.ApplyLocalMutation("L1", rename("X"))
	require.NoError(t, err)
	_, err = s.ApplyLocalMutation("L1", toggle("i1"))
	require.NoError(t, err)

	s.Rollback(first)

	got, _ := s.Get("L1")
	assert.Equal(t, "Groceries", got.Title)
	assert.True(t, got.Items[0].Completed)
}

func TestMutatorErrorRecordsNothing(t *testing.T) {
	s := New()
	s.Upsert(sampleList(1))

	_, err := s.ApplyLocalMutation("L1", toggle("missing"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.Zero(t, s.Pending("L1"))

	_, err = s.ApplyLocalMutation("nope", rename("x"))
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestPendingSurvivesUpsert(t *testing.T) {
	s := New()
	s.Upsert(sampleList(1))
	_, err := s.ApplyLocalMutation("L1", rename("Mine"))
	require.NoError(t, err)

	remote := sampleList(2)
	remote.Items = append(remote.Items, dom.Item{ID: "i3", Text: "bread"})
	s.Upsert(remote)

	got, _ := s.Get("L1")
	assert.Equal(t, "Mine", got.Title)
	assert.Len(t, got.Items, 3)
	assert.EqualValues(t, 2, got.Version)
}

func TestSupersedeDropsOlderPending(t *testing.T) {
	s := New()
	s.Upsert(sampleList(3))
	tok, err := s.ApplyLocalMutation("L1", rename("X"))
	require.NoError(t, err)

	remote := sampleList(4)
	remote.Title = "Y"
	assert.Equal(t, 1, s.Supersede("L1", remote.Version))
	s.Upsert(remote)

	got, _ := s.Get("L1")
	assert.Equal(t, "Y", got.Title)
	assert.EqualValues(t, 4, got.Version)

	_, ok := s.PendingBase(tok)
	assert.False(t, ok)

	// The late failure of the dropped mutation changes nothing.
	s.Rollback(tok)
	got, _ = s.Get("L1")
	assert.Equal(t, "Y", got.Title)
}

func TestConfirmRebasesRemainingPending(t *testing.T) {
	s := New()
	s.Upsert(sampleList(3))
	first, err := s.ApplyLocalMutation("L1", toggle("i1"))
	require.NoError(t, err)
	second, err := s.ApplyLocalMutation("L1", toggle("i2"))
	require.NoError(t, err)

	confirmed := sampleList(4)
	confirmed.Items[0].Completed = true
	s.Confirm(first, confirmed)

	base, ok := s.PendingBase(second)
	require.True(t, ok)
	assert.EqualValues(t, 4, base)

	got, _ := s.Get("L1")
	assert.True(t, got.Items[0].Completed)
	assert.False(t, got.Items[1].Completed)
}

func TestCreateConfirmMovesTempID(t *testing.T) {
	s := New()
	tmp := NewTempID()
	require.True(t, IsTemp(tmp))

	tok := s.ApplyLocalCreate(dom.List{ID: tmp, Title: "Trip", OwnerID: 1})
	_, err := s.ApplyLocalMutation(tmp, rename("Road trip"))
	require.NoError(t, err)

	got, ok := s.Get(tmp)
	require.True(t, ok)
	assert.Equal(t, "Road trip", got.Title)

	s.Confirm(tok, dom.List{ID: "real", Title: "Trip", OwnerID: 1, Version: 1})

	assert.Equal(t, "real", s.ResolveListID(tmp))
	got, ok = s.Get(tmp)
	require.True(t, ok)
	assert.Equal(t, "real", got.ID)
	assert.Equal(t, "Road trip", got.Title)
	assert.Equal(t, 1, s.Pending("real"))
	require.Len(t, s.All(), 1)
}

func TestRollbackCreateRemovesList(t *testing.T) {
	s := New()
	var changes []Change
	cancel := s.Subscribe(func(c Change) { changes = append(changes, c) })
	defer cancel()

	tmp := NewTempID()
	tok := s.ApplyLocalCreate(dom.List{ID: tmp, Title: "Trip"})
	s.Rollback(tok)

	_, ok := s.Get(tmp)
	assert.False(t, ok)
	assert.Empty(t, s.All())
	assert.Equal(t, []Change{{ListID: tmp}, {ListID: tmp, Removed: true}}, changes)
}

func TestTempItemsReplayAgainstRealIDs(t *testing.T) {
	s := New()
	s.Upsert(sampleList(1))
	tmpItem := NewTempID()

	add, err := s.ApplyLocalMutation("L1", func(l *dom.List, _ Resolver) error {
		l.Items = append(l.Items, dom.Item{ID: tmpItem, Text: "bread"})
		return nil
	})
	require.NoError(t, err)
	_, err = s.ApplyLocalMutation("L1", toggle(tmpItem))
	require.NoError(t, err)

	confirmed := sampleList(2)
	confirmed.Items = append(confirmed.Items, dom.Item{ID: "i3", Text: "bread"})
	s.BindItemIDs(map[string]string{tmpItem: "i3"})
	s.Confirm(add, confirmed)

	got, _ := s.Get("L1")
	require.Len(t, got.Items, 3)
	assert.Equal(t, "i3", got.Items[2].ID)
	assert.True(t, got.Items[2].Completed)
	assert.Equal(t, "i3", s.ResolveItemID(tmpItem))
}

func TestDeleteAndRollback(t *testing.T) {
	s := New()
	s.Upsert(sampleList(5))

	tok, err := s.ApplyLocalDelete("L1")
	require.NoError(t, err)
	_, ok := s.Get("L1")
	assert.False(t, ok)

	// Remote edits do not resurrect a list being deleted.
	assert.Zero(t, s.Supersede("L1", 6))

	s.Rollback(tok)
	got, ok := s.Get("L1")
	require.True(t, ok)
	assert.EqualValues(t, 5, got.Version)
}

func TestRemoveLeavesTombstone(t *testing.T) {
	s := New()
	s.Upsert(sampleList(5))
	s.Remove("L1")

	assert.False(t, s.Upsert(sampleList(5)))
	_, ok := s.Get("L1")
	assert.False(t, ok)

	assert.True(t, s.Upsert(sampleList(6)))
}

func TestReplace(t *testing.T) {
	s := New()
	a := sampleList(1)
	b := sampleList(1)
	b.ID = "L2"
	c := sampleList(1)
	c.ID = "L3"
	s.Upsert(a)
	s.Upsert(b)
	s.Upsert(c)
	_, err := s.ApplyLocalMutation("L3", rename("busy"))
	require.NoError(t, err)

	d := sampleList(1)
	d.ID = "L4"
	s.Replace([]dom.List{d, a})

	var ids []string
	for _, l := range s.All() {
		ids = append(ids, l.ID)
	}
	assert.Equal(t, []string{"L4", "L1", "L3"}, ids)
}

func TestMarkInvalid(t *testing.T) {
	s := New()
	s.Upsert(sampleList(1))
	s.MarkInvalid("L1", errors.New("bad payload"))
	assert.EqualError(t, s.Invalid("L1"), "bad payload")

	s.Upsert(sampleList(2))
	assert.NoError(t, s.Invalid("L1"))
}

func TestSubscribeOnlyOnVisibleChange(t *testing.T) {
	s := New()
	s.Upsert(sampleList(1))

	var got []Change
	cancel := s.Subscribe(func(c Change) { got = append(got, c) })

	s.Upsert(sampleList(1))
	assert.Empty(t, got)

	s.Upsert(sampleList(2))
	assert.Equal(t, []Change{{ListID: "L1"}}, got)

	cancel()
	s.Upsert(sampleList(3))
	assert.Len(t, got, 1)
}
