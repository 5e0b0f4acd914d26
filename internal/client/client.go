// Package client wires the sync core together for one signed-in user:
// REST client, store, reconciliation engine, dispatcher, realtime adapter
// and the persisted selection.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"listshare/internal/apiclient"
	"listshare/internal/apperr"
	"listshare/internal/config"
	"listshare/internal/dispatch"
	dom "listshare/internal/domain"
	"listshare/internal/dto"
	"listshare/internal/kv"
	"listshare/internal/realtime"
	"listshare/internal/reconcile"
	"listshare/internal/selection"
	"listshare/internal/store"
)

const sessionKey = "session_id"

type Client struct {
	API        *apiclient.Client
	Store      *store.Store
	Engine     *reconcile.Engine
	Dispatcher *dispatch.Dispatcher
	Realtime   *realtime.Adapter
	Selection  *selection.Tracker

	kv  *kv.Store
	log *slog.Logger

	mu   sync.RWMutex
	user dto.UserResponse

	unsubscribe func()
}

func New(ctx context.Context, cfg config.ClientConfig, log *slog.Logger) (*Client, error) {
	state, err := kv.Open(cfg.StatePath)
	if err != nil {
		return nil, err
	}
	api, err := apiclient.New(cfg.APIURL, cfg.RequestTimeout.Duration())
	if err != nil {
		_ = state.Close()
		return nil, err
	}
	wsURL, err := cfg.WebsocketURL()
	if err != nil {
		_ = state.Close()
		return nil, fmt.Errorf("websocket url: %w", err)
	}

	c := &Client{API: api, Store: store.New(), kv: state, log: log}
	if raw, err := state.Get(ctx, sessionKey); err == nil {
		api.SetSessionID(string(raw))
	} else if !errors.Is(err, kv.ErrNotFound) {
		log.Warn("load session", "err", err)
	}

	c.Engine = reconcile.New(c.Store, api, c.UserID, log.With("component", "reconcile"))
	c.Selection = selection.NewTracker(ctx, selection.NewShim(state, log.With("component", "selection")))
	c.Dispatcher = dispatch.New(c.Store, api, c.Engine, c.Selection, c.UserID,
		dispatch.Options{Timeout: cfg.RequestTimeout.Duration()}, log.With("component", "dispatch"))
	c.Realtime = realtime.New(
		realtime.WSDialer{URL: wsURL, Header: api.SessionHeader},
		c.Engine,
		realtime.Options{BackoffMin: cfg.ReconnectMin.Duration(), BackoffMax: cfg.ReconnectMax.Duration()},
		log.With("component", "realtime"),
	)
	c.unsubscribe = c.Store.Subscribe(c.followSelection)
	return c, nil
}

// UserID returns the signed-in user, or 0.
func (c *Client) UserID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user.ID
}

func (c *Client) User() dto.UserResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

func (c *Client) setUser(ctx context.Context, u dto.UserResponse) {
	c.mu.Lock()
	c.user = u
	c.mu.Unlock()
	if id := c.API.SessionID(); id != "" {
		if err := c.kv.Set(ctx, sessionKey, []byte(id)); err != nil {
			c.log.Warn("save session", "err", err)
		}
	}
}

func (c *Client) Login(ctx context.Context, username, password string) (dto.UserResponse, error) {
	u, err := c.API.Login(ctx, username, password)
	if err != nil {
		return dto.UserResponse{}, err
	}
	c.setUser(ctx, u)
	return u, nil
}

func (c *Client) Register(ctx context.Context, username, password string) (dto.UserResponse, error) {
	u, err := c.API.Register(ctx, username, password)
	if err != nil {
		return dto.UserResponse{}, err
	}
	c.setUser(ctx, u)
	return u, nil
}

// Logout ends the session locally even when the backend cannot be reached.
func (c *Client) Logout(ctx context.Context) error {
	err := c.API.Logout(ctx)
	c.forget(ctx)
	return err
}

// Resume restores the saved session. It fails with an unauthorized error
// when there is none or the backend no longer accepts it.
func (c *Client) Resume(ctx context.Context) error {
	if c.API.SessionID() == "" {
		return apperr.New(apperr.KindUnauthorized, "resume", errors.New("not logged in"))
	}
	u, err := c.API.Me(ctx)
	if errors.Is(err, apperr.ErrUnauthorized) {
		c.forget(ctx)
		return err
	}
	if err != nil {
		return err
	}
	c.setUser(ctx, u)
	return nil
}

func (c *Client) forget(ctx context.Context) {
	c.mu.Lock()
	c.user = dto.UserResponse{}
	c.mu.Unlock()
	c.API.SetSessionID("")
	if err := c.kv.Delete(ctx, sessionKey); err != nil {
		c.log.Warn("clear session", "err", err)
	}
}

// Sync fetches every list and makes sure the selection points at one of
// them when any exist.
func (c *Client) Sync(ctx context.Context) error {
	if err := c.Engine.Refresh(ctx); err != nil {
		return err
	}
	if cur := c.Selection.Current(); cur != "" {
		if _, ok := c.Store.Get(cur); ok {
			return nil
		}
	}
	next := ""
	if all := c.Store.All(); len(all) > 0 {
		next = all[0].ID
	}
	c.Selection.Select(ctx, next)
	return nil
}

// Selected returns the selected list, if it is present.
func (c *Client) Selected() (dom.List, bool) {
	id := c.Selection.Current()
	if id == "" {
		return dom.List{}, false
	}
	return c.Store.Get(id)
}

// Open selects listID and subscribes to its live updates.
func (c *Client) Open(ctx context.Context, listID string) error {
	l, ok := c.Store.Get(listID)
	if !ok {
		return apperr.New(apperr.KindNotFound, "open list", errors.New("no such list"))
	}
	c.Selection.Select(ctx, l.ID)
	c.Realtime.Subscribe(l.ID)
	return nil
}

// Close waits for in-flight mutations, then releases local storage.
func (c *Client) Close(ctx context.Context) error {
	waitErr := c.Dispatcher.Wait(ctx)
	c.unsubscribe()
	return errors.Join(waitErr, c.kv.Close())
}

// followSelection keeps the selection valid as lists disappear: a list
// confirmed under a new id stays selected, a removed one is deselected.
func (c *Client) followSelection(ch store.Change) {
	if !ch.Removed || c.Selection.Current() != ch.ListID {
		return
	}
	ctx := context.Background()
	if real := c.Store.ResolveListID(ch.ListID); real != ch.ListID {
		c.Selection.Select(ctx, real)
		c.Realtime.Unsubscribe(ch.ListID)
		c.Realtime.Subscribe(real)
		return
	}
	c.Selection.Select(ctx, "")
}
