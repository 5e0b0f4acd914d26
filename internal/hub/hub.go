// Package hub serves the realtime websocket endpoint: clients join the lists
// they are viewing and receive a listUpdated frame for every change.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"listshare/internal/auth"
	dom "listshare/internal/domain"
	"listshare/internal/dto"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// Authorizer decides whether a user may watch a list.
type Authorizer interface {
	Get(ctx context.Context, userID int64, id string) (dom.List, error)
}

type Options struct {
	AllowedOrigins []string
	PingInterval   time.Duration
	SendBuffer     int
}

type Hub struct {
	lists    Authorizer
	log      *slog.Logger
	upgrader websocket.Upgrader
	ping     time.Duration
	buffer   int

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func New(lists Authorizer, opts Options, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	h := &Hub{
		lists:   lists,
		log:     log,
		ping:    opts.PingInterval,
		buffer:  opts.SendBuffer,
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// Serve upgrades an authenticated request and blocks until the client leaves.
func (h *Hub) Serve(c *gin.Context) {
	userID := auth.UserIDFromContext(c)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "user_id", userID, "err", err)
		return
	}
	cl := &client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, h.buffer),
		lists:  make(map[string]struct{}),
	}
	h.register(cl)
	h.log.Info("realtime client connected", "user_id", userID)

	go cl.writePump()
	cl.readPump(c.Request.Context())

	h.unregister(cl)
	h.log.Info("realtime client disconnected", "user_id", userID)
}

// Dispatch sends ev to every client that joined the list. Clients whose user
// lost access receive the frame without the snapshot.
func (h *Hub) Dispatch(ev dom.ListEvent) {
	full := dto.FromEvent(ev)
	stripped := full
	stripped.List = nil

	var fullBytes, strippedBytes []byte
	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.clients {
		if !cl.joined(ev.ListID) {
			continue
		}
		msg := &fullBytes
		frame := full
		if ev.List == nil || ev.List.RoleOf(cl.userID) == dom.RoleNone {
			msg, frame = &strippedBytes, stripped
		}
		if *msg == nil {
			b, err := json.Marshal(frame)
			if err != nil {
				h.log.Error("marshal list event", "list_id", ev.ListID, "err", err)
				return
			}
			*msg = b
		}
		cl.enqueue(*msg)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close sends a close frame to every connected client. Clients reconnect
// and resync once a server is back.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		cl.closeSend()
		delete(h.clients, cl)
	}
}

func (h *Hub) register(cl *client) {
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(cl *client) {
	h.mu.Lock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		cl.closeSend()
	}
	h.mu.Unlock()
}
