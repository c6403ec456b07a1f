// Package history reads and writes chat history through the HTTP API and
// reconciles it with live relay events into one ordered view per chat.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/puyokura/cmpprelay/model"
)

// APIError is a non-2xx answer from the history API.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		body = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.Status, body)
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

func IsUnauthorized(err error) bool { return statusOf(err) == http.StatusUnauthorized }
func IsForbidden(err error) bool    { return statusOf(err) == http.StatusForbidden }
func IsNotFound(err error) bool     { return statusOf(err) == http.StatusNotFound }
func IsValidation(err error) bool   { return statusOf(err) == http.StatusBadRequest }

const defaultTimeout = 10 * time.Second

// Client calls the history API. It is safe for concurrent use.
type Client struct {
	base    string
	hc      *fasthttp.Client
	timeout time.Duration

	mu    sync.RWMutex
	token string
}

// NewClient returns a client for the API rooted at baseURL, for example
// http://localhost:8999.
func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		hc: &fasthttp.Client{
			Name:                "cmpprelay-client",
			MaxIdleConnDuration: 30 * time.Second,
		},
		timeout: defaultTimeout,
	}
}

// SetToken sets the bearer token sent with chat requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// do sends one request. A ctx deadline bounds the call; otherwise the
// client timeout applies.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	req.Header.SetMethod(method)
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.hc.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		return &APIError{Op: op, Status: status, Body: string(resp.Body())}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) Register(ctx context.Context, username, password, displayName string) (model.Account, error) {
	var acct model.Account
	err := c.do(ctx, "register", fasthttp.MethodPost, "/api/register", map[string]string{
		"username":    username,
		"password":    password,
		"displayName": displayName,
	}, &acct)
	return acct, err
}

// Login exchanges a password for a token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (string, time.Time, error) {
	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	err := c.do(ctx, "login", fasthttp.MethodPost, "/api/token", map[string]string{
		"username": username,
		"password": password,
	}, &out)
	if err != nil {
		return "", time.Time{}, err
	}
	c.SetToken(out.Token)
	return out.Token, out.ExpiresAt, nil
}

func (c *Client) Chats(ctx context.Context) ([]model.ChatSummary, error) {
	var chats []model.ChatSummary
	err := c.do(ctx, "list chats", fasthttp.MethodGet, "/api/chats", nil, &chats)
	return chats, err
}

func (c *Client) CreateChat(ctx context.Context, participants []string, isGroup bool, name string) (model.Chat, error) {
	var chat model.Chat
	err := c.do(ctx, "create chat", fasthttp.MethodPost, "/api/chats", map[string]any{
		"participants": participants,
		"isGroup":      isGroup,
		"name":         name,
	}, &chat)
	return chat, err
}

// Messages fetches one page older than cursor, oldest first.
func (c *Client) Messages(ctx context.Context, chatID string, limit int, cursor string) (model.Page, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := "/api/chats/" + url.PathEscape(chatID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page model.Page
	err := c.do(ctx, "list messages", fasthttp.MethodGet, path, nil, &page)
	return page, err
}

func (c *Client) Post(ctx context.Context, chatID, content, clientID string) (model.Message, error) {
	var msg model.Message
	err := c.do(ctx, "send message", fasthttp.MethodPost, "/api/chats/"+url.PathEscape(chatID)+"/messages", map[string]string{
		"content":  content,
		"clientId": clientID,
	}, &msg)
	return msg, err
}

func (c *Client) MarkRead(ctx context.Context, chatID, messageID string) (model.Message, error) {
	var msg model.Message
	path := "/api/chats/" + url.PathEscape(chatID) + "/messages/" + url.PathEscape(messageID) + "/read"
	err := c.do(ctx, "mark read", fasthttp.MethodPatch, path, nil, &msg)
	return msg, err
}
