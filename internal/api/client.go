// Package api is the client for the relay's REST routes. It serves the engine's history
// and conversation-list fetches and the CLI's account operations.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"relaychat/pkg/protocol"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.Code, e.Message)
}

type LoginResponse struct {
	AccessToken string        `json:"access_token"`
	User        protocol.User `json:"user"`
}

type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// New creates a client for the relay at baseURL (http:// or https://).
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Token returns the bearer token from the last Login.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// WebsocketURL returns the relay's realtime endpoint.
func (c *Client) WebsocketURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) Register(ctx context.Context, username, phone, password string) (protocol.User, error) {
	var u protocol.User
	err := c.do(ctx, http.MethodPost, "/api/register", map[string]string{
		"username": username,
		"phone":    phone,
		"password": password,
	}, &u)
	return u, err
}

// Login authenticates by phone and keeps the token for later calls.
func (c *Client) Login(ctx context.Context, phone, password string) (protocol.Identity, error) {
	var res LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/login", map[string]string{
		"phone":    phone,
		"password": password,
	}, &res)
	if err != nil {
		return protocol.Identity{}, err
	}
	c.SetToken(res.AccessToken)
	return protocol.Identity{ID: res.User.ID, Username: res.User.Username, Phone: res.User.Phone}, nil
}

func (c *Client) Me(ctx context.Context) (protocol.User, error) {
	var u protocol.User
	err := c.do(ctx, http.MethodGet, "/api/me", nil, &u)
	return u, err
}

func (c *Client) Search(ctx context.Context, query string) ([]protocol.User, error) {
	var users []protocol.User
	err := c.do(ctx, http.MethodGet, "/api/search?q="+url.QueryEscape(query), nil, &users)
	return users, err
}

func (c *Client) Conversations(ctx context.Context) ([]protocol.ConversationSummary, error) {
	var list []protocol.ConversationSummary
	err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &list)
	return list, err
}

func (c *Client) History(ctx context.Context, contactID int64) ([]protocol.Message, error) {
	var msgs []protocol.Message
	err := c.do(ctx, http.MethodGet, "/api/messages/"+strconv.FormatInt(contactID, 10), nil, &msgs)
	return msgs, err
}

func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPut, "/api/messages/"+url.PathEscape(messageID)+"/read", nil, nil)
}

// Logout marks the user offline and forgets the token.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/api/logout", nil, nil)
	c.SetToken("")
	return err
}
