package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"listshare/internal/client"
	"listshare/internal/config"
	dom "listshare/internal/domain"
	"listshare/internal/repo/repotest"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	var cfg config.Config
	cfg.App.Env = "test"
	cfg.Redis.EventsChannel = "test:list-events"
	require.NoError(t, cfg.Redis.DefaultTTL.SetValue("60s"))
	require.NoError(t, cfg.Session.TTL.SetValue("1h"))
	require.NoError(t, cfg.WS.PingInterval.SetValue("30s"))

	users := repotest.NewUserRepo()
	a := Build(cfg, users, repotest.NewListRepo(users), rdb, discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server, name string) *client.Client {
	t.Helper()
	cfg := config.ClientConfig{
		APIURL:    srv.URL + "/api/v1",
		StatePath: filepath.Join(t.TempDir(), name+".db"),
	}
	require.NoError(t, cfg.RequestTimeout.SetValue("5s"))
	require.NoError(t, cfg.ReconnectMin.SetValue("20ms"))
	require.NoError(t, cfg.ReconnectMax.SetValue("200ms"))

	c, err := client.New(context.Background(), cfg, discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	_, err = c.Register(context.Background(), name, "secret-"+name)
	require.NoError(t, err)
	return c
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionSurvivesRestart(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	state := filepath.Join(t.TempDir(), "carol.db")

	cfg := config.ClientConfig{APIURL: srv.URL + "/api/v1", StatePath: state}
	require.NoError(t, cfg.RequestTimeout.SetValue("5s"))

	first, err := client.New(ctx, cfg, discard())
	require.NoError(t, err)
	u, err := first.Register(ctx, "carol", "secret-carol")
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second, err := client.New(ctx, cfg, discard())
	require.NoError(t, err)
	defer second.Close(ctx)
	require.NoError(t, second.Resume(ctx))
	assert.Equal(t, u.ID, second.UserID())

	require.NoError(t, second.Logout(ctx))
	assert.Error(t, second.Resume(ctx))
}

func TestSharedListSync(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := newTestClient(t, srv, "alice")
	bob := newTestClient(t, srv, "bob")

	list, err := alice.Dispatcher.CreateList(ctx, "Groceries")
	require.NoError(t, err)
	require.False(t, list.ID == "" || list.Version == 0)

	_, err = alice.Dispatcher.AddItems(ctx, list.ID, "milk, eggs\nbread")
	require.NoError(t, err)
	_, err = alice.Dispatcher.ShareList(ctx, list.ID, bob.UserID(), dom.PermissionEdit)
	require.NoError(t, err)

	require.NoError(t, bob.Sync(ctx))
	got, ok := bob.Selected()
	require.True(t, ok)
	assert.Equal(t, "Groceries", got.Title)
	require.Len(t, got.Items, 3)
	assert.Equal(t, []string{"milk", "eggs", "bread"}, []string{got.Items[0].Text, got.Items[1].Text, got.Items[2].Text})

	require.NoError(t, bob.Open(ctx, list.ID))
	go func() { _ = bob.Realtime.Run(ctx) }()
	require.Eventually(t, bob.Realtime.Connected, 2*time.Second, 10*time.Millisecond)

	// The join frame races the first write, so keep renaming until a push lands.
	round := 0
	require.Eventually(t, func() bool {
		round++
		title := fmt.Sprintf("Groceries %d", round)
		if _, err := alice.Dispatcher.RenameList(ctx, list.ID, title); err != nil {
			return false
		}
		time.Sleep(30 * time.Millisecond)
		l, ok := bob.Store.Get(list.ID)
		return ok && l.Title == title
	}, 3*time.Second, 10*time.Millisecond)

	// bob toggles as an editor; alice sees it on her next sync.
	_, err = bob.Dispatcher.ToggleItem(ctx, list.ID, got.Items[0].ID)
	require.NoError(t, err)
	require.NoError(t, alice.Sync(ctx))
	l, ok := alice.Store.Get(list.ID)
	require.True(t, ok)
	assert.True(t, l.Items[0].Completed)

	// Deleting the list reaches bob over the socket and clears the selection.
	require.NoError(t, alice.Dispatcher.DeleteList(ctx, list.ID))
	require.Eventually(t, func() bool {
		_, ok := bob.Store.Get(list.ID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return bob.Selection.Current() == "" }, time.Second, 10*time.Millisecond)
}

func TestViewerCannotWrite(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	alice := newTestClient(t, srv, "alice")
	bob := newTestClient(t, srv, "bob")

	list, err := alice.Dispatcher.CreateList(ctx, "Chores")
	require.NoError(t, err)
	_, err = alice.Dispatcher.ShareList(ctx, list.ID, bob.UserID(), dom.PermissionView)
	require.NoError(t, err)

	require.NoError(t, bob.Sync(ctx))
	_, err = bob.Dispatcher.AddItems(ctx, list.ID, "vacuum")
	require.Error(t, err)

	// The server rejects the write too.
	_, _, err = bob.API.AddItems(ctx, list.ID, []string{"vacuum"})
	require.Error(t, err)

	l, ok := bob.Store.Get(list.ID)
	require.True(t, ok)
	assert.Empty(t, l.Items)
}
