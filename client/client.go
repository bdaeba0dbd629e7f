// Package client talks to a running task manager through its ops endpoints.
//
//	c, err := client.New("http://127.0.0.1:8080", client.WithToken(token))
//	if err != nil {
//		return err
//	}
//	if _, err := c.Lifecycle(ctx, "start"); err != nil {
//		return err
//	}
//	xml, err := c.Report(ctx)
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/evan-idocoding/taskmgr/ops"
)

// DefaultMaxResponseBytes bounds response bodies (reports included).
const DefaultMaxResponseBytes = 16 << 20

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client: %s %s: %d %s: %s", e.Method, e.Path, e.Code, http.StatusText(e.Code), e.Message)
}

type config struct {
	timeout   time.Duration
	base      http.RoundTripper
	token     string
	userAgent string
	maxBody   int64
}

// Option configures New.
type Option func(*config)

// WithTimeout sets the total per-request timeout. Default is 30s; <= 0 disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithToken authorizes requests with a bearer token.
func WithToken(token string) Option {
	return func(c *config) { c.token = strings.TrimSpace(token) }
}

// WithRoundTripper sets the base RoundTripper. Default is a clone of http.DefaultTransport.
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(c *config) { c.base = rt }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *config) { c.userAgent = ua }
}

// WithMaxResponseBytes bounds response bodies. <= 0 selects DefaultMaxResponseBytes.
func WithMaxResponseBytes(n int64) Option {
	return func(c *config) { c.maxBody = n }
}

// Client is safe for concurrent use.
type Client struct {
	base    *url.URL
	hc      *http.Client
	maxBody int64
}

// New creates a client for the ops server at baseURL (scheme and host, optionally a path
// prefix).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("client: base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("client: base url %q: want http(s)://host[:port]", baseURL)
	}
	cfg := config{timeout: 30 * time.Second, userAgent: "taskmgr-client"}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.maxBody <= 0 {
		cfg.maxBody = DefaultMaxResponseBytes
	}
	rt := Chain(cfg.base, SetHeader("User-Agent", cfg.userAgent), BearerToken(cfg.token))
	timeout := cfg.timeout
	if timeout < 0 {
		timeout = 0
	}
	return &Client{
		base:    u,
		hc:      &http.Client{Transport: rt, Timeout: timeout},
		maxBody: cfg.maxBody,
	}, nil
}

// Healthz checks liveness.
func (c *Client) Healthz(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	return err
}

// Snapshot returns the manager's usage and task statuses.
func (c *Client) Snapshot(ctx context.Context) (ops.Snapshot, error) {
	var resp struct {
		Snapshot *ops.Snapshot `json:"snapshot"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/tasks", nil, nil, &resp); err != nil {
		return ops.Snapshot{}, err
	}
	if resp.Snapshot == nil {
		return ops.Snapshot{}, fmt.Errorf("client: GET /tasks: missing snapshot")
	}
	return *resp.Snapshot, nil
}

// Admit posts a YAML task document and returns the number of admitted tasks.
func (c *Client) Admit(ctx context.Context, doc []byte) (int, error) {
	var resp struct {
		Admitted int `json:"admitted"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/tasks", nil, doc, &resp)
	return resp.Admitted, err
}

// Clear stops and discards every task and returns how many were cleared.
func (c *Client) Clear(ctx context.Context) (int, error) {
	var resp struct {
		Cleared int `json:"cleared"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/tasks/clear", nil, nil, &resp)
	return resp.Cleared, err
}

// Lifecycle applies action (start, stop, pause, resume) and returns the task count per state.
func (c *Client) Lifecycle(ctx context.Context, action string) (map[string]int, error) {
	var resp struct {
		States map[string]int `json:"states"`
	}
	q := url.Values{"action": {action}}
	err := c.doJSON(ctx, http.MethodPost, "/lifecycle", q, nil, &resp)
	return resp.States, err
}

// Report drains the server's event log and returns the XML report.
func (c *Client) Report(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/report", nil, nil)
}

// DiscardEvents drops the server's pending events without reporting them and returns how many
// were dropped.
func (c *Client) DiscardEvents(ctx context.Context) (int, error) {
	var resp struct {
		Discarded int `json:"discarded"`
	}
	q := url.Values{"discard": {"1"}}
	err := c.doJSON(ctx, http.MethodPost, "/report", q, nil, &resp)
	return resp.Discarded, err
}

// PutBinary registers a binary with image as its content. It reports whether the image was
// newly created.
func (c *Client) PutBinary(ctx context.Context, name string, image []byte) (bool, error) {
	var resp struct {
		Created bool `json:"created"`
	}
	err := c.doJSON(ctx, http.MethodPut, "/binaries", url.Values{"name": {name}}, image, &resp)
	return resp.Created, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body []byte, out any) error {
	if q == nil {
		q = url.Values{}
	}
	q.Set("format", "json")
	b, err := c.do(ctx, method, path, q, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("client: %s %s: decode: %w", method, path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = q.Encode()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	b, err := readAllAndCloseLimit(resp.Body, c.maxBody)
	if err != nil {
		return nil, fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: errorMessage(b)}
	}
	return b, nil
}

// errorMessage extracts the error of a JSON error body, or returns the trimmed text body.
func errorMessage(b []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(b))
}
