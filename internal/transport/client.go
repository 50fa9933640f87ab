// Package transport signs outbound backend requests with the session
// credential and handles credential rejection.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/botdesk/internal/domain"
	"github.com/google/uuid"
)

// RequestIDHeader carries a per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Credentials is the part of the credential store the transport needs.
type Credentials interface {
	Get(ctx context.Context) (domain.Credential, error)
	Clear(ctx context.Context) error
}

// Navigator moves the UI to another view. Navigating to the view that is
// already active must be a no-op.
type Navigator interface {
	Navigate(view domain.View)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(view domain.View)

// Navigate calls f(view).
func (f NavigatorFunc) Navigate(view domain.View) { f(view) }

// Client sends requests to the backend API.
type Client struct {
	baseURL string
	http    *http.Client
	creds   Credentials
	nav     Navigator
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a Client for the backend at baseURL.
func New(baseURL string, creds Credentials, nav Navigator, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		creds:   creds,
		nav:     nav,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.nav == nil {
		c.nav = NavigatorFunc(func(domain.View) {})
	}
	return c
}

// NewRequest builds a request for a backend path such as "/api/auth/me".
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

// Do signs and sends req. Non-2xx responses are returned as *StatusError with
// the body consumed; on success the caller owns resp.Body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	cred, err := c.creds.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}
	if !cred.IsZero() {
		req.Header.Set("Authorization", "Bearer "+string(cred))
	}
	reqID := uuid.NewString()
	req.Header.Set(RequestIDHeader, reqID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("Backend request failed",
			"method", req.Method, "path", req.URL.Path, "request_id", reqID, "error", err)
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, req.Method, req.URL.Path, err)
	}

	c.logger.Debug("Backend request",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
		"request_id", reqID,
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if closeErr := resp.Body.Close(); closeErr != nil {
		c.logger.Debug("Failed to close error response body", "error", closeErr)
	}
	statusErr := &StatusError{
		Method:     req.Method,
		Path:       req.URL.Path,
		StatusCode: resp.StatusCode,
		Detail:     parseDetail(body),
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.rejected(ctx, req, reqID)
	}
	return nil, statusErr
}

// rejected discards the credential and sends the UI to the login view.
// It may run concurrently for several in-flight requests; both steps are idempotent.
func (c *Client) rejected(ctx context.Context, req *http.Request, reqID string) {
	c.logger.Warn("Backend rejected credential",
		"method", req.Method, "path", req.URL.Path, "request_id", reqID)

	// The caller's context may already be done; the credential must still go.
	if err := c.creds.Clear(context.WithoutCancel(ctx)); err != nil {
		c.logger.Error("Failed to discard rejected credential", "error", err)
	}
	c.nav.Navigate(domain.ViewLogin)
}

// JSON sends in (if non-nil) as a JSON body and decodes the response into out (if non-nil).
func (c *Client) JSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.NewRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.decode(req, out)
}

// Form sends values form-urlencoded and decodes the JSON response into out.
func (c *Client) Form(ctx context.Context, method, path string, values url.Values, out any) error {
	req, err := c.NewRequest(ctx, method, path, strings.NewReader(values.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.decode(req, out)
}

func (c *Client) decode(req *http.Request, out any) error {
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close response body", "error", closeErr)
		}
	}()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}
