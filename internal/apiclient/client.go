// Package apiclient is the REST client the sync core uses to talk to the
// backend. Every error it returns is an *apperr.Error.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"listshare/internal/apperr"
	dom "listshare/internal/domain"
	"listshare/internal/dto"
)

const sessionCookie = "session_id"

type Client struct {
	base *url.URL
	http *http.Client
	jar  http.CookieJar
}

// New builds a client for baseURL, e.g. http://localhost:8080/api/v1.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("api url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		base: u,
		jar:  jar,
		http: &http.Client{Timeout: timeout, Jar: jar},
	}, nil
}

// SessionID returns the session cookie the backend issued, if any.
func (c *Client) SessionID() string {
	for _, ck := range c.jar.Cookies(c.base) {
		if ck.Name == sessionCookie {
			return ck.Value
		}
	}
	return ""
}

// SetSessionID restores a session saved from an earlier run. An empty id
// forgets the session.
func (c *Client) SetSessionID(id string) {
	ck := &http.Cookie{Name: sessionCookie, Value: id, Path: "/"}
	if id == "" {
		ck.MaxAge = -1
	}
	c.jar.SetCookies(c.base, []*http.Cookie{ck})
}

// SessionHeader returns the Cookie header for the websocket handshake.
func (c *Client) SessionHeader() http.Header {
	h := http.Header{}
	if id := c.SessionID(); id != "" {
		h.Set("Cookie", (&http.Cookie{Name: sessionCookie, Value: id}).String())
	}
	return h
}

func (c *Client) Login(ctx context.Context, username, password string) (dto.UserResponse, error) {
	var out dto.AuthResponse
	err := c.do(ctx, "login", http.MethodPost, "auth/login", dto.LoginRequest{Username: username, Password: password}, &out)
	return out.User, err
}

func (c *Client) Register(ctx context.Context, username, password string) (dto.UserResponse, error) {
	var out dto.AuthResponse
	err := c.do(ctx, "register", http.MethodPost, "auth/register", dto.RegisterRequest{Username: username, Password: password}, &out)
	return out.User, err
}

func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, "logout", http.MethodPost, "auth/logout", nil, nil)
	c.SetSessionID("")
	return err
}

func (c *Client) Me(ctx context.Context) (dto.UserResponse, error) {
	var out dto.UserResponse
	err := c.do(ctx, "me", http.MethodGet, "auth/me", nil, &out)
	return out, err
}

func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	return c.do(ctx, "change password", http.MethodPost, "auth/change-password",
		dto.ChangePasswordRequest{OldPassword: oldPassword, NewPassword: newPassword}, nil)
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]dto.UserResponse, error) {
	var out dto.SearchUsersResponse
	err := c.do(ctx, "search users", http.MethodPost, "users/search", dto.SearchUsersRequest{Query: query}, &out)
	return out.Users, err
}

func (c *Client) Lists(ctx context.Context) ([]dom.List, error) {
	var out dto.ListListsResponse
	if err := c.do(ctx, "fetch lists", http.MethodGet, "lists", nil, &out); err != nil {
		return nil, err
	}
	lists := make([]dom.List, len(out.Lists))
	for i := range out.Lists {
		lists[i] = out.Lists[i].ToDomain()
	}
	return lists, nil
}

func (c *Client) GetList(ctx context.Context, id string) (dom.List, error) {
	return c.list(ctx, "fetch list", http.MethodGet, listPath(id), nil)
}

func (c *Client) CreateList(ctx context.Context, title string) (dom.List, error) {
	return c.list(ctx, "create list", http.MethodPost, "lists", dto.CreateListRequest{Title: title})
}

// RenameList renames a list. A non-zero expectedVersion makes the write
// fail with a conflict when the list moved on.
func (c *Client) RenameList(ctx context.Context, id, title string, expectedVersion int64) (dom.List, error) {
	return c.list(ctx, "rename list", http.MethodPatch, listPath(id),
		dto.UpdateListRequest{Title: title, ExpectedVersion: expectedVersion})
}

func (c *Client) DeleteList(ctx context.Context, id string) error {
	return c.do(ctx, "delete list", http.MethodDelete, listPath(id), nil, nil)
}

// AddItems appends items and returns the new ids in the order of texts.
func (c *Client) AddItems(ctx context.Context, listID string, texts []string) (dom.List, []string, error) {
	var out dto.AddItemsResponse
	if err := c.do(ctx, "add items", http.MethodPost, listPath(listID, "items"), dto.AddItemsRequest{Texts: texts}, &out); err != nil {
		return dom.List{}, nil, err
	}
	if len(out.ItemIDs) != len(texts) {
		return dom.List{}, nil, apperr.New(apperr.KindInvalid, "add items",
			fmt.Errorf("got %d item ids for %d texts", len(out.ItemIDs), len(texts)))
	}
	return out.List.ToDomain(), out.ItemIDs, nil
}

func (c *Client) UpdateItem(ctx context.Context, listID, itemID string, patch dom.ItemPatch, expectedVersion int64) (dom.List, error) {
	return c.list(ctx, "update item", http.MethodPatch, listPath(listID, "items", itemID), dto.UpdateItemRequest{
		Text:            patch.Text,
		Completed:       patch.Completed,
		ExpectedVersion: expectedVersion,
	})
}

func (c *Client) DeleteItem(ctx context.Context, listID, itemID string) (dom.List, error) {
	return c.list(ctx, "delete item", http.MethodDelete, listPath(listID, "items", itemID), nil)
}

func (c *Client) ReorderItems(ctx context.Context, listID string, itemIDs []string) (dom.List, error) {
	return c.list(ctx, "reorder items", http.MethodPut, listPath(listID, "items", "order"), dto.ReorderItemsRequest{ItemIDs: itemIDs})
}

func (c *Client) ShareList(ctx context.Context, listID string, userID int64, perm dom.Permission) (dom.List, error) {
	return c.list(ctx, "share list", http.MethodPost, listPath(listID, "share"),
		dto.ShareListRequest{UserID: userID, Permission: string(perm)})
}

func (c *Client) UnshareList(ctx context.Context, listID string, userID int64) (dom.List, error) {
	return c.list(ctx, "unshare list", http.MethodDelete, listPath(listID, "share", strconv.FormatInt(userID, 10)), nil)
}

func (c *Client) list(ctx context.Context, op, method, path string, body any) (dom.List, error) {
	var out dto.ListResponse
	if err := c.do(ctx, op, method, path, body, &out); err != nil {
		return dom.List{}, err
	}
	if out.ID == "" {
		return dom.List{}, apperr.New(apperr.KindInvalid, op, errors.New("response carries no list"))
	}
	return out.ToDomain(), nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return apperr.New(apperr.KindValidation, op, err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), rd)
	if err != nil {
		return apperr.New(apperr.KindValidation, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.New(apperr.KindNetwork, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.New(apperr.KindNetwork, op, err)
	}
	if resp.StatusCode >= 300 {
		var e dto.ErrorResponse
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		kind := apperr.FromStatus(resp.StatusCode)
		if kind == apperr.KindUnknown {
			kind = apperr.KindNetwork
		}
		return apperr.New(kind, op, fmt.Errorf("%d %s", resp.StatusCode, msg))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.New(apperr.KindInvalid, op, err)
	}
	return nil
}

func listPath(id string, rest ...string) string {
	return "lists/" + url.PathEscape(id) + joinRest(rest)
}

func joinRest(parts []string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}
