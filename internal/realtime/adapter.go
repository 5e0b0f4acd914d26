// Package realtime keeps the client's websocket to the backend alive and
// feeds listUpdated pushes into the reconciliation engine.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"listshare/internal/dto"
	"listshare/internal/reconcile"

	"github.com/gorilla/websocket"
)

// Conn is the part of *websocket.Conn the adapter uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WSDialer dials URL with gorilla/websocket, sending Header (typically the
// session cookie) on every handshake.
type WSDialer struct {
	URL    string
	Header func() http.Header
}

func (d WSDialer) Dial(ctx context.Context) (Conn, error) {
	var h http.Header
	if d.Header != nil {
		h = d.Header()
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, d.URL, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return conn, nil
}

// Sink receives decoded notifications. *reconcile.Engine implements it.
type Sink interface {
	Watch(listID string)
	Unwatch(listID string)
	Apply(ctx context.Context, n reconcile.Notification)
	Invalid(listID string, err error)
	Resync(ctx context.Context, listIDs []string) error
}

type Options struct {
	BackoffMin time.Duration
	BackoffMax time.Duration
}

type Adapter struct {
	dialer Dialer
	sink   Sink
	opts   Options
	log    *slog.Logger

	mu     sync.Mutex
	active map[string]bool
	conn   Conn

	writeMu sync.Mutex
}

func New(dialer Dialer, sink Sink, opts Options, log *slog.Logger) *Adapter {
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = time.Second
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = opts.BackoffMin
	}
	return &Adapter{
		dialer: dialer,
		sink:   sink,
		opts:   opts,
		log:    log,
		active: make(map[string]bool),
	}
}

// Subscribe joins the channel of listID. Repeated calls are no-ops.
func (a *Adapter) Subscribe(listID string) {
	a.mu.Lock()
	if a.active[listID] {
		a.mu.Unlock()
		return
	}
	a.active[listID] = true
	conn := a.conn
	a.mu.Unlock()

	a.sink.Watch(listID)
	if conn != nil {
		a.send(conn, dto.ActionJoin, listID)
	}
}

// Unsubscribe leaves the channel of listID. Repeated calls are no-ops.
func (a *Adapter) Unsubscribe(listID string) {
	a.mu.Lock()
	if !a.active[listID] {
		a.mu.Unlock()
		return
	}
	delete(a.active, listID)
	conn := a.conn
	a.mu.Unlock()

	a.sink.Unwatch(listID)
	if conn != nil {
		a.send(conn, dto.ActionLeave, listID)
	}
}

// Active returns the subscribed list ids, sorted.
func (a *Adapter) Active() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.active))
	for id := range a.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// Run connects and reconnects with exponential backoff until ctx ends.
// Every connection rejoins all active lists and resyncs them, since pushes
// sent while disconnected are lost.
func (a *Adapter) Run(ctx context.Context) error {
	backoff := a.opts.BackoffMin
	for {
		conn, err := a.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Warn("realtime connect failed", "err", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, a.opts.BackoffMax)
			continue
		}
		backoff = a.opts.BackoffMin
		a.log.Info("realtime connected")

		a.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.log.Warn("realtime connection lost")
	}
}

func (a *Adapter) serve(ctx context.Context, conn Conn) {
	a.mu.Lock()
	a.conn = conn
	ids := make([]string, 0, len(a.active))
	for id := range a.active {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	stop := make(chan struct{})
	defer func() {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		close(stop)
		_ = conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	sort.Strings(ids)
	for _, id := range ids {
		a.send(conn, dto.ActionJoin, id)
	}
	if len(ids) > 0 {
		if err := a.sink.Resync(ctx, ids); err != nil {
			a.log.Warn("resync after connect", "err", err)
		}
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				a.log.Warn("realtime read failed", "err", err)
			}
			return
		}
		a.handle(ctx, raw)
	}
}

func (a *Adapter) handle(ctx context.Context, raw []byte) {
	var msg dto.ServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		a.sink.Invalid(msg.ListID, err)
		return
	}
	switch msg.Event {
	case dto.EventListUpdated:
		a.sink.Apply(ctx, reconcile.FromEvent(msg.ToEvent()))
	case dto.EventError:
		a.log.Warn("realtime server error", "list_id", msg.ListID, "error", msg.Error)
	default:
		a.log.Debug("ignoring realtime event", "event", msg.Event)
	}
}

func (a *Adapter) send(conn Conn, action, listID string) {
	raw, err := json.Marshal(dto.ClientMessage{Action: action, ListID: listID})
	if err != nil {
		return
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		// The read loop notices the broken connection and reconnects.
		a.log.Warn("realtime send failed", "action", action, "list_id", listID, "err", err)
	}
}
