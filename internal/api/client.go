// Package api talks to the chat backend: conversation persistence, title
// generation, the agent event stream and feedback.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"foundry/internal/auth"
	"foundry/internal/models"
)

const DefaultTimeout = 30 * time.Second

// Client calls the backend with a credential from the token gate. Agent
// endpoints live under the service URL advertised by /config; persistence
// and config are relative to the base URL.
type Client struct {
	base    *url.URL
	http    *http.Client
	gate    auth.Gate
	log     *zap.SugaredLogger
	timeout time.Duration

	mu         sync.Mutex
	serviceURL *url.URL
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithServiceURL pins the agent service URL and skips /config discovery.
func WithServiceURL(raw string) Option {
	return func(c *Client) {
		if u, err := c.base.Parse(raw); err == nil && raw != "" {
			c.serviceURL = u
		}
	}
}

func New(baseURL string, gate auth.Gate, log *zap.SugaredLogger, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Client{
		base:    base,
		http:    &http.Client{},
		gate:    gate,
		log:     log,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(root *url.URL, elem ...string) string {
	return root.JoinPath(elem...).String()
}

// do sends an authenticated JSON request. A 401 triggers the gate's login
// and is returned as ErrUnauthorized with the body already closed.
func (c *Client) do(ctx context.Context, op, method, target string, body any, header http.Header) (*http.Response, error) {
	if _, err := c.gate.EnsureFresh(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encoding request: %w", op, err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	c.gate.Apply(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.log.Warnw("backend rejected credentials", "op", op)
		if lerr := c.gate.Login(ctx); lerr != nil {
			c.log.Debugw("login not started", "error", lerr)
		}
		return nil, fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}
	return resp, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// GetConfig returns the agent service URL, resolved against the base URL
// when it is relative.
func (c *Client) GetConfig(ctx context.Context) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.do(ctx, "get config", http.MethodGet, c.endpoint(c.base, "config"), nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError("get config", resp)
	}
	var cfg struct {
		ServiceURL string `json:"serviceUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return "", fmt.Errorf("get config: %w", err)
	}
	if cfg.ServiceURL == "" {
		return c.base.String(), nil
	}
	u, err := c.base.Parse(cfg.ServiceURL)
	if err != nil {
		return "", fmt.Errorf("get config: parsing serviceUrl: %w", err)
	}
	return u.String(), nil
}

// ServiceURL returns the cached agent service URL, asking /config on first
// use. Discovery failures fall back to the base URL and are retried later.
func (c *Client) ServiceURL(ctx context.Context) *url.URL {
	c.mu.Lock()
	cached := c.serviceURL
	c.mu.Unlock()
	if cached != nil {
		return cached
	}

	raw, err := c.GetConfig(ctx)
	if err != nil {
		c.log.Warnw("service url discovery failed, using base url", "error", err)
		return c.base
	}
	u, err := url.Parse(raw)
	if err != nil {
		return c.base
	}
	c.mu.Lock()
	c.serviceURL = u
	c.mu.Unlock()
	return u
}

// LoadChats fetches every conversation of the user. The order of ids
// follows the response, which lists the most recently updated first.
func (c *Client) LoadChats(ctx context.Context) (models.Chats, []string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.do(ctx, "load chats", http.MethodGet, c.endpoint(c.base, "chats"), nil, nil)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, statusError("load chats", resp)
	}
	chats, order, err := DecodeChats(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("load chats: %w", err)
	}
	return chats, order, nil
}

func (c *Client) SaveChats(ctx context.Context, chats models.Chats) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.do(ctx, "save chats", http.MethodPost, c.endpoint(c.base, "chats"), map[string]any{"chats": chats}, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError("save chats", resp)
	}
	return nil
}

func (c *Client) DeleteChat(ctx context.Context, id string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.do(ctx, "delete chat", http.MethodDelete, c.endpoint(c.base, "chats", id), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("delete chat %s: %w", id, ErrNotFound)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("delete chat %s: %w", id, ErrForbidden)
	case resp.StatusCode/100 != 2:
		return statusError("delete chat", resp)
	}
	return nil
}

// GenerateTitle asks the agent service to name a conversation from its
// first user message.
func (c *Client) GenerateTitle(ctx context.Context, initialMessage string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	target := c.endpoint(c.ServiceURL(ctx), "generate_chat_title")
	resp, err := c.do(ctx, "generate title", http.MethodPost, target, map[string]string{"initial_message": initialMessage}, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError("generate title", resp)
	}
	var out struct {
		ChatTitle string `json:"chat_title"`
		Title     string `json:"title"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	if out.ChatTitle != "" {
		return out.ChatTitle, nil
	}
	return out.Title, nil
}

type StreamInput struct {
	Messages  []models.Message `json:"messages"`
	UserID    string           `json:"user_id"`
	SessionID string           `json:"session_id"`
}

// OpenStream starts an agent turn and returns the event stream body. The
// caller closes it. On 401 the body is never handed out.
func (c *Client) OpenStream(ctx context.Context, in StreamInput) (io.ReadCloser, error) {
	target := c.endpoint(c.ServiceURL(ctx), "stream_events")
	header := http.Header{"Accept": []string{"text/event-stream"}}
	resp, err := c.do(ctx, "stream events", http.MethodPost, target, map[string]any{"input_data": in}, header)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError("stream events", resp)
	}
	return resp.Body, nil
}

type Feedback struct {
	Score   int    `json:"score"`
	Text    string `json:"text"`
	RunID   string `json:"run_id"`
	LogType string `json:"log_type"`
}

func (c *Client) SendFeedback(ctx context.Context, fb Feedback) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if fb.LogType == "" {
		fb.LogType = "feedback"
	}
	target := c.endpoint(c.ServiceURL(ctx), "feedback")
	resp, err := c.do(ctx, "send feedback", http.MethodPost, target, fb, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError("send feedback", resp)
	}
	return nil
}
