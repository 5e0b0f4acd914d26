package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"listshare/internal/apperr"
	dom "listshare/internal/domain"
	"listshare/internal/reconcile"
	"listshare/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	me    int64 = 1
	bob   int64 = 2
	carol int64 = 3
)

type fixture struct {
	api    *fakeAPI
	store  *store.Store
	engine *reconcile.Engine
	sel    *fakeSelector
	d      *Dispatcher
}

func newFixture(t *testing.T, lists ...dom.List) *fixture {
	t.Helper()
	api := newFakeAPI(lists...)
	st := store.New()
	for _, l := range lists {
		st.Upsert(l)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	whoami := func() int64 { return me }
	engine := reconcile.New(st, api, whoami, log)
	sel := &fakeSelector{}
	d := New(st, api, engine, sel, whoami, Options{Timeout: 2 * time.Second}, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Wait(ctx)
	})
	return &fixture{api: api, store: st, engine: engine, sel: sel, d: d}
}

func groceries(version int64) dom.List {
	return dom.List{
		ID:         "L1",
		Title:      "Groceries",
		OwnerID:    me,
		SharedWith: []dom.Share{{UserID: bob, Permission: dom.PermissionEdit}},
		Items: []dom.Item{
			{ID: "i1", Text: "milk"},
			{ID: "i2", Text: "eggs"},
		},
		Version: version,
	}
}

func chores(version int64) dom.List {
	return dom.List{ID: "L2", Title: "Chores", OwnerID: me, SharedWith: []dom.Share{}, Items: []dom.Item{}, Version: version}
}

func (f *fixture) get(t *testing.T, id string) dom.List {
	t.Helper()
	l, ok := f.store.Get(id)
	require.True(t, ok, "list %s missing", id)
	return l
}

func waitEntered(t *testing.T, f *fakeAPI, method string) {
	t.Helper()
	select {
	case got := <-f.entered:
		require.Equal(t, method, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("%s never reached the backend", method)
	}
}

func TestSplitItems(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c", "d"}, SplitItems("a, b,,c\n d"))
	assert.Equal(t, []string{"one two"}, SplitItems("  one two \r\n"))
	assert.Empty(t, SplitItems(" , ,\n\n"))
}

func TestAddItems(t *testing.T) {
	f := newFixture(t, groceries(3))

	ids, err := f.d.AddItems(context.Background(), "L1", "bread, butter\n")
	require.NoError(t, err)
	require.Len(t, ids, 2)

	l := f.get(t, "L1")
	assert.EqualValues(t, 4, l.Version)
	require.Len(t, l.Items, 4)
	assert.Equal(t, ids[0], l.Items[2].ID)
	assert.Equal(t, "butter", l.Items[3].Text)
	assert.Zero(t, f.store.Pending("L1"))
}

func TestAddItemsEmptyIsNoop(t *testing.T) {
	f := newFixture(t, groceries(3))

	ids, err := f.d.AddItems(context.Background(), "L1", " ,\n , ")
	require.NoError(t, err)
	assert.Nil(t, ids)
	assert.Empty(t, f.api.callsTo("AddItems"))
}

func TestValidationNeverReachesBackend(t *testing.T) {
	f := newFixture(t, groceries(3))
	ctx := context.Background()

	_, err := f.d.RenameList(ctx, "L1", "   ")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = f.d.CreateList(ctx, "")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = f.d.EditItem(ctx, "L1", "i1", "\n")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = f.d.ShareList(ctx, "L1", bob, "admin")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = f.d.ReorderItems(ctx, "L1", []string{"i1"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	assert.Empty(t, f.api.calls)
	assert.Equal(t, groceries(3), f.get(t, "L1"))
	assert.Zero(t, f.store.Pending("L1"))
}

func TestLengthLimitsCountCharacters(t *testing.T) {
	f := newFixture(t, groceries(3))
	ctx := context.Background()

	l, err := f.d.RenameList(ctx, "L1", strings.Repeat("é", 120))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("é", 120), l.Title)

	_, err = f.d.AddItems(ctx, "L1", strings.Repeat("日", 500))
	require.NoError(t, err)

	calls := len(f.api.calls)
	_, err = f.d.RenameList(ctx, "L1", strings.Repeat("é", 121))
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = f.d.AddItems(ctx, "L1", strings.Repeat("日", 501))
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.Len(t, f.api.calls, calls)
}

func TestTooManyItemsFailsLocally(t *testing.T) {
	f := newFixture(t, groceries(3))
	entries := make([]string, 201)
	for i := range entries {
		entries[i] = "x"
	}

	_, err := f.d.AddItems(context.Background(), "L1", strings.Join(entries, ","))
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.Empty(t, f.api.calls)
	assert.Equal(t, groceries(3), f.get(t, "L1"))

	ids, err := f.d.AddItems(context.Background(), "L1", strings.Join(entries[:200], ","))
	require.NoError(t, err)
	assert.Len(t, ids, 200)
}

func TestPermissionCheckedLocally(t *testing.T) {
	shared := groceries(3)
	shared.OwnerID = bob
	shared.SharedWith = []dom.Share{{UserID: me, Permission: dom.PermissionView}}
	f := newFixture(t, shared)

	_, err := f.d.ToggleItem(context.Background(), "L1", "i1")
	assert.True(t, errors.Is(err, apperr.ErrPermission))
	err = f.d.DeleteList(context.Background(), "L1")
	assert.True(t, errors.Is(err, apperr.ErrPermission))
	assert.Empty(t, f.api.calls)
}

func TestNetworkFailureRollsBack(t *testing.T) {
	f := newFixture(t, groceries(3))
	f.api.failNext("RenameList", apperr.KindNetwork)

	_, err := f.d.RenameList(context.Background(), "L1", "Food")
	assert.True(t, errors.Is(err, apperr.ErrNetwork))
	assert.Equal(t, groceries(3), f.get(t, "L1"))
}

func TestRenameSendsBaseVersion(t *testing.T) {
	f := newFixture(t, groceries(3))

	l, err := f.d.RenameList(context.Background(), "L1", "Food")
	require.NoError(t, err)
	assert.EqualValues(t, 4, l.Version)
	assert.Equal(t, "Food", f.get(t, "L1").Title)

	calls := f.api.callsTo("RenameList")
	require.Len(t, calls, 1)
	assert.EqualValues(t, 3, calls[0].arg)
}

func TestConflictRefetches(t *testing.T) {
	f := newFixture(t, groceries(3))
	remote := groceries(5)
	remote.Title = "Changed elsewhere"
	f.api.set(remote)

	_, err := f.d.RenameList(context.Background(), "L1", "Mine")
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	l := f.get(t, "L1")
	assert.Equal(t, "Changed elsewhere", l.Title)
	assert.EqualValues(t, 5, l.Version)
}

func TestNotFoundRemovesListAndSelection(t *testing.T) {
	f := newFixture(t, groceries(3), chores(1))
	f.sel.Select(context.Background(), "L1")
	f.api.mu.Lock()
	delete(f.api.lists, "L1")
	f.api.mu.Unlock()

	_, err := f.d.ToggleItem(context.Background(), "L1", "i1")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, ok := f.store.Get("L1")
	assert.False(t, ok)
	assert.Equal(t, "", f.sel.Current())
}

func TestItemNotFoundKeepsList(t *testing.T) {
	f := newFixture(t, groceries(3))
	remote := groceries(4)
	remote.Items = remote.Items[1:]
	f.api.set(remote)

	_, err := f.d.DeleteItem(context.Background(), "L1", "i1")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	l := f.get(t, "L1")
	assert.EqualValues(t, 4, l.Version)
	assert.Len(t, l.Items, 1)
}

func TestDeleteListFailureRestoresSelection(t *testing.T) {
	f := newFixture(t, groceries(3), chores(1))
	f.sel.Select(context.Background(), "L1")
	f.api.gated()
	f.api.failNext("DeleteList", apperr.KindNetwork)

	errc := make(chan error, 1)
	go func() { errc <- f.d.DeleteList(context.Background(), "L1") }()
	waitEntered(t, f.api, "DeleteList")

	// The fallback is selected before the backend answers.
	assert.Equal(t, "L2", f.sel.Current())
	_, visible := f.store.Get("L1")
	assert.False(t, visible)

	f.api.release()
	err := <-errc
	assert.True(t, errors.Is(err, apperr.ErrNetwork))
	assert.Equal(t, "L1", f.sel.Current())
	assert.Equal(t, groceries(3), f.get(t, "L1"))
}

func TestDeleteListSuccess(t *testing.T) {
	f := newFixture(t, chores(1), groceries(3))
	f.sel.Select(context.Background(), "L1")

	require.NoError(t, f.d.DeleteList(context.Background(), "L1"))
	_, ok := f.store.Get("L1")
	assert.False(t, ok)
	assert.Equal(t, "L2", f.sel.Current())
	assert.Len(t, f.store.All(), 1)
}

func TestToggleOnUnconfirmedItemIsRetargeted(t *testing.T) {
	f := newFixture(t, groceries(3))
	f.api.gated()
	ctx := context.Background()

	addErr := make(chan error, 1)
	go func() {
		_, err := f.d.AddItems(ctx, "L1", "bread")
		addErr <- err
	}()
	waitEntered(t, f.api, "AddItems")

	l := f.get(t, "L1")
	tmpID := l.Items[2].ID
	require.True(t, store.IsTemp(tmpID))

	toggleErr := make(chan error, 1)
	go func() {
		_, err := f.d.ToggleItem(ctx, "L1", tmpID)
		toggleErr <- err
	}()
	require.Eventually(t, func() bool {
		l, _ := f.store.Get("L1")
		return l.Items[2].Completed
	}, time.Second, 5*time.Millisecond)

	f.api.release()
	require.NoError(t, <-addErr)
	waitEntered(t, f.api, "UpdateItem")
	f.api.release()
	require.NoError(t, <-toggleErr)

	calls := f.api.callsTo("UpdateItem")
	require.Len(t, calls, 1)
	assert.False(t, store.IsTemp(calls[0].itemID))

	l = f.get(t, "L1")
	assert.Equal(t, calls[0].itemID, l.Items[2].ID)
	assert.True(t, l.Items[2].Completed)
	assert.EqualValues(t, 5, l.Version)
}

func TestMutationsOnUnconfirmedListFollowTheCreate(t *testing.T) {
	f := newFixture(t)
	f.api.gated()
	ctx := context.Background()

	created := make(chan dom.List, 1)
	go func() {
		l, err := f.d.CreateList(ctx, "Trip")
		assert.NoError(t, err)
		created <- l
	}()
	waitEntered(t, f.api, "CreateList")

	all := f.store.All()
	require.Len(t, all, 1)
	tmp := all[0].ID
	require.True(t, store.IsTemp(tmp))
	f.sel.Select(ctx, tmp)

	renamed := make(chan error, 1)
	go func() {
		_, err := f.d.RenameList(ctx, tmp, "Road trip")
		renamed <- err
	}()
	require.Eventually(t, func() bool { return f.store.Pending(tmp) == 2 }, time.Second, 5*time.Millisecond)

	f.api.release()
	l := <-created
	waitEntered(t, f.api, "RenameList")
	f.api.release()
	require.NoError(t, <-renamed)

	calls := f.api.callsTo("RenameList")
	require.Len(t, calls, 1)
	assert.Equal(t, l.ID, calls[0].listID)
	assert.EqualValues(t, 1, calls[0].arg)

	got := f.get(t, l.ID)
	assert.Equal(t, "Road trip", got.Title)
	assert.Equal(t, l.ID, f.sel.Current())
	assert.Len(t, f.store.All(), 1)
}

func TestSameListCallsAreSerialized(t *testing.T) {
	f := newFixture(t, groceries(3))
	f.api.gated()
	ctx := context.Background()

	errs := make(chan error, 2)
	go func() {
		_, err := f.d.ToggleItem(ctx, "L1", "i1")
		errs <- err
	}()
	waitEntered(t, f.api, "UpdateItem")
	go func() {
		_, err := f.d.ToggleItem(ctx, "L1", "i2")
		errs <- err
	}()
	require.Eventually(t, func() bool { return f.store.Pending("L1") == 2 }, time.Second, 5*time.Millisecond)

	// The second call must not reach the backend while the first is in flight.
	select {
	case m := <-f.api.entered:
		t.Fatalf("%s ran concurrently", m)
	case <-time.After(50 * time.Millisecond):
	}

	f.api.release()
	waitEntered(t, f.api, "UpdateItem")
	f.api.release()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	calls := f.api.callsTo("UpdateItem")
	require.Len(t, calls, 2)
	assert.Equal(t, "i1", calls[0].itemID)
	assert.Equal(t, "i2", calls[1].itemID)
	l := f.get(t, "L1")
	assert.True(t, l.Items[0].Completed)
	assert.True(t, l.Items[1].Completed)
}

func TestCallerCancelDoesNotAbortInFlight(t *testing.T) {
	f := newFixture(t, groceries(3))
	f.api.gated()
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := f.d.RenameList(ctx, "L1", "Food")
		errc <- err
	}()
	waitEntered(t, f.api, "RenameList")
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	f.api.release()
	require.NoError(t, f.d.Wait(context.Background()))
	l := f.get(t, "L1")
	assert.Equal(t, "Food", l.Title)
	assert.EqualValues(t, 4, l.Version)
}

func TestWaitAlongsideDispatch(t *testing.T) {
	f := newFixture(t, groceries(3))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.d.ToggleItem(ctx, "L1", "i1")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, f.d.Wait(ctx))
		}()
	}
	wg.Wait()

	require.NoError(t, f.d.Wait(ctx))
	assert.Len(t, f.api.callsTo("UpdateItem"), 20)
	assert.Zero(t, f.store.Pending("L1"))
}

func TestRemoteRenameWinsOverInFlightRename(t *testing.T) {
	f := newFixture(t, groceries(3))
	f.engine.Watch("L1")
	f.api.gated()

	errc := make(chan error, 1)
	go func() {
		_, err := f.d.RenameList(context.Background(), "L1", "X")
		errc <- err
	}()
	waitEntered(t, f.api, "RenameList")
	assert.Equal(t, "X", f.get(t, "L1").Title)

	remote := groceries(4)
	remote.Title = "Y"
	f.api.set(remote)
	f.engine.Apply(context.Background(), reconcile.Notification{
		ListID: "L1", Type: dom.EventUpdated, UpdatedBy: bob, Version: 4, Snapshot: &remote,
	})

	f.api.release()
	err := <-errc
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	l := f.get(t, "L1")
	assert.Equal(t, "Y", l.Title)
	assert.EqualValues(t, 4, l.Version)
}

func TestShareAndUnshare(t *testing.T) {
	f := newFixture(t, groceries(3))
	ctx := context.Background()

	l, err := f.d.ShareList(ctx, "L1", carol, dom.PermissionView)
	require.NoError(t, err)
	assert.Equal(t, dom.RoleViewer, l.RoleOf(carol))
	assert.Equal(t, dom.RoleViewer, f.get(t, "L1").RoleOf(carol))

	_, err = f.d.ShareList(ctx, "L1", me, dom.PermissionEdit)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = f.d.UnshareList(ctx, "L1", carol)
	require.NoError(t, err)
	assert.Equal(t, dom.RoleNone, f.get(t, "L1").RoleOf(carol))
}

func TestLeavingSharedListRemovesIt(t *testing.T) {
	shared := groceries(3)
	shared.OwnerID = bob
	shared.SharedWith = []dom.Share{{UserID: me, Permission: dom.PermissionView}}
	f := newFixture(t, shared)
	f.sel.Select(context.Background(), "L1")

	_, err := f.d.UnshareList(context.Background(), "L1", me)
	require.NoError(t, err)
	_, ok := f.store.Get("L1")
	assert.False(t, ok)
	assert.Equal(t, "", f.sel.Current())
}

func TestReorderItems(t *testing.T) {
	f := newFixture(t, groceries(3))

	l, err := f.d.ReorderItems(context.Background(), "L1", []string{"i2", "i1"})
	require.NoError(t, err)
	assert.Equal(t, "i2", l.Items[0].ID)
	assert.Equal(t, "i2", f.get(t, "L1").Items[0].ID)

	_, err = f.d.ReorderItems(context.Background(), "L1", []string{"i2", "i2"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}
