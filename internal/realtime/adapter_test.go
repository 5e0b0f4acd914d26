package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	dom "listshare/internal/domain"
	"listshare/internal/dto"
	"listshare/internal/reconcile"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSink struct {
	mu       sync.Mutex
	watched  map[string]bool
	applied  []reconcile.Notification
	invalid  []error
	resynced [][]string
	events   chan string
}

func newFakeSink() *fakeSink {
	return &fakeSink{watched: make(map[string]bool), events: make(chan string, 64)}
}

func (s *fakeSink) Watch(id string) {
	s.mu.Lock()
	s.watched[id] = true
	s.mu.Unlock()
}

func (s *fakeSink) Unwatch(id string) {
	s.mu.Lock()
	delete(s.watched, id)
	s.mu.Unlock()
}

func (s *fakeSink) Apply(_ context.Context, n reconcile.Notification) {
	s.mu.Lock()
	s.applied = append(s.applied, n)
	s.mu.Unlock()
	s.events <- "apply"
}

func (s *fakeSink) Invalid(_ string, err error) {
	s.mu.Lock()
	s.invalid = append(s.invalid, err)
	s.mu.Unlock()
	s.events <- "invalid"
}

func (s *fakeSink) Resync(_ context.Context, ids []string) error {
	s.mu.Lock()
	s.resynced = append(s.resynced, ids)
	s.mu.Unlock()
	s.events <- "resync"
	return nil
}

// fakeConn delivers frames pushed on in and records writes.
type fakeConn struct {
	in     chan []byte
	mu     sync.Mutex
	writes []dto.ClientMessage
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case raw, ok := <-c.in:
		if !ok {
			return 0, nil, errors.New("connection reset")
		}
		return websocket.TextMessage, raw, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	var m dto.ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, m)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sent() []dto.ClientMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dto.ClientMessage(nil), c.writes...)
}

type fakeDialer struct {
	conns chan *fakeConn
	dials chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.dials <- struct{}{}
	select {
	case c, ok := <-d.conns:
		if !ok || c == nil {
			return nil, errors.New("refused")
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func frame(t *testing.T, msg dto.ServerMessage) []byte {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

func TestSubscribeIsIdempotent(t *testing.T) {
	sink := newFakeSink()
	a := New(&fakeDialer{}, sink, Options{}, discard())

	a.Subscribe("L1")
	a.Subscribe("L1")
	a.Subscribe("L2")
	assert.Equal(t, []string{"L1", "L2"}, a.Active())

	a.Unsubscribe("L1")
	a.Unsubscribe("L1")
	assert.Equal(t, []string{"L2"}, a.Active())
	assert.Equal(t, map[string]bool{"L2": true}, sink.watched)
}

func TestReconnectRejoinsAndResyncs(t *testing.T) {
	sink := newFakeSink()
	first, second := newFakeConn(), newFakeConn()
	d := &fakeDialer{conns: make(chan *fakeConn, 3), dials: make(chan struct{}, 8)}
	d.conns <- first
	d.conns <- nil
	d.conns <- second

	a := New(d, sink, Options{BackoffMin: time.Millisecond, BackoffMax: 5 * time.Millisecond}, discard())
	a.Subscribe("L1")
	a.Subscribe("L2")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, sink.events, "resync")
	assert.Equal(t, []dto.ClientMessage{
		{Action: dto.ActionJoin, ListID: "L1"},
		{Action: dto.ActionJoin, ListID: "L2"},
	}, first.sent())

	l := dom.List{ID: "L1", Title: "x", OwnerID: 1, Version: 4}
	first.in <- frame(t, dto.FromEvent(dom.ListEvent{ListID: "L1", Type: dom.EventUpdated, UpdatedBy: 2, Version: 4, List: &l}))
	waitFor(t, sink.events, "apply")

	close(first.in)
	waitFor(t, sink.events, "resync")
	assert.Len(t, second.sent(), 2)

	// A subscription made while connected joins right away.
	a.Subscribe("L3")
	assert.Equal(t, dto.ClientMessage{Action: dto.ActionJoin, ListID: "L3"}, second.sent()[2])

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, a.Connected())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.applied, 1)
	assert.EqualValues(t, 4, sink.applied[0].Version)
	require.NotNil(t, sink.applied[0].Snapshot)
	assert.Equal(t, [][]string{{"L1", "L2"}, {"L1", "L2"}}, sink.resynced)
}

func TestMalformedFrameReportedAndSkipped(t *testing.T) {
	sink := newFakeSink()
	conn := newFakeConn()
	d := &fakeDialer{conns: make(chan *fakeConn, 1), dials: make(chan struct{}, 4)}
	d.conns <- conn
	a := New(d, sink, Options{}, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	conn.in <- []byte(`{"event":"listUpdated","list_id":"L1","version":"four"}`)
	waitFor(t, sink.events, "invalid")

	conn.in <- frame(t, dto.ServerMessage{Event: dto.EventListUpdated, ListID: "L1", Type: "updated", Version: 5})
	waitFor(t, sink.events, "apply")
}

func TestWSDialerAgainstServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	joined := make(chan dto.ClientMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ck, err := r.Cookie("session_id"); err != nil || ck.Value != "s1" {
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var msg dto.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		joined <- msg
		l := dom.List{ID: msg.ListID, Title: "live", OwnerID: 1, Version: 2}
		_ = conn.WriteJSON(dto.FromEvent(dom.ListEvent{ListID: msg.ListID, Type: dom.EventUpdated, UpdatedBy: 2, Version: 2, List: &l}))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	sink := newFakeSink()
	dialer := WSDialer{
		URL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Header: func() http.Header {
			return http.Header{"Cookie": []string{"session_id=s1"}}
		},
	}
	a := New(dialer, sink, Options{}, discard())
	a.Subscribe("L9")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	select {
	case msg := <-joined:
		assert.Equal(t, dto.ClientMessage{Action: dto.ActionJoin, ListID: "L9"}, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the join")
	}
	waitFor(t, sink.events, "apply")
}

func TestWSDialerReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "authorization required", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := WSDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}.Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
