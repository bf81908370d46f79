// Package backend is the HTTP client for the EcoWatch API.
//
// Every call returns either a decoded value or one of two error types:
// *TransportError when no response was received and *ProtocolError when the
// response was unusable. Idempotent GETs retry network errors and 5xx with
// exponential backoff; 4xx and every POST fail on the first attempt.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"github.com/alimk/ecowatch-sync/pkg/metrics"
	"github.com/alimk/ecowatch-sync/pkg/models"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = 200 * time.Millisecond

	// maxBody caps how much of a response is read into memory.
	maxBody = 4 << 20
)

// TokenSource supplies the bearer token for authenticated calls. An empty
// token means "send no Authorization header".
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP/2-capable client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTokenSource attaches bearer tokens to every request.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRetry overrides the GET retry policy. attempts counts the first try.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
		if baseDelay >= 0 {
			c.baseDelay = baseDelay
		}
	}
}

// Client talks to one backend. It is safe for concurrent use.
type Client struct {
	base        *url.URL
	http        *http.Client
	tokens      TokenSource
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
}

// NewTransport returns the pooled transport used by default, with HTTP/2
// enabled for TLS backends.
func NewTransport() *http.Transport {
	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// A backend that accepts the connection but never answers would
		// otherwise pin it until the client timeout.
		ResponseHeaderTimeout: 8 * time.Second,
	}
	if h2, err := http2.ConfigureTransports(t); err == nil {
		// Ping idle HTTP/2 connections so a dead backend is noticed before
		// the next poll tick reuses the connection.
		h2.ReadIdleTimeout = 30 * time.Second
		h2.PingTimeout = 5 * time.Second
	}
	return t
}

// New builds a client for baseURL, e.g. "https://api.ecowatch.example.com".
func New(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	t := NewTransport()
	c := &Client{
		base:        u,
		http:        &http.Client{Timeout: timeout, Transport: t},
		logger:      slog.Default(),
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

// request describes one logical call. endpoint is the metrics label.
type request struct {
	endpoint string
	method   string
	path     string
	query    url.Values
	body     any
	retry    bool
}

// do performs req and returns the 2xx body. GETs retry on network errors and
// 5xx with delays of baseDelay, 2*baseDelay, 4*baseDelay... Every backoff
// sleep is cancellable through ctx.
func (c *Client) do(ctx context.Context, req request) ([]byte, error) {
	var payload []byte
	if req.body != nil {
		var err error
		if payload, err = json.Marshal(req.body); err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", req.endpoint, err)
		}
	}

	token := ""
	if c.tokens != nil {
		var err error
		if token, err = c.tokens.Token(ctx); err != nil {
			return nil, fmt.Errorf("%s: load token: %w", req.endpoint, err)
		}
	}

	u := *c.base
	u.Path = c.base.Path + req.path
	if len(req.query) > 0 {
		u.RawQuery = req.query.Encode()
	}
	target := u.String()
	requestID := uuid.NewString()

	attempts := 1
	if req.retry {
		attempts = c.maxAttempts
	}

	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			metrics.BackendRetries.WithLabelValues(req.endpoint).Inc()
			delay := time.Duration(float64(c.baseDelay) * math.Pow(2, float64(attempt-1)))
			c.logger.Info("retrying backend request",
				"endpoint", req.endpoint,
				"request_id", requestID,
				"retry_count", attempt,
				"delay", delay.String(),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &TransportError{Endpoint: req.endpoint, Err: ctx.Err()}
			}
		}

		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		hreq, err := http.NewRequestWithContext(ctx, req.method, target, rd)
		if err != nil {
			return nil, fmt.Errorf("%s: build request: %w", req.endpoint, err)
		}
		hreq.Header.Set("Accept", "application/json")
		hreq.Header.Set("X-Request-ID", requestID)
		if payload != nil {
			hreq.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			hreq.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(hreq)
		if err != nil {
			metrics.BackendRequests.WithLabelValues(req.endpoint, "transport").Inc()
			lastErr = &TransportError{Endpoint: req.endpoint, Err: err}
			if ctx.Err() != nil {
				return nil, lastErr
			}
			c.logger.Warn("backend request failed",
				"endpoint", req.endpoint,
				"request_id", requestID,
				"attempt", attempt,
				"error", err,
			)
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		resp.Body.Close()
		metrics.BackendRequests.WithLabelValues(req.endpoint, strconv.Itoa(resp.StatusCode)).Inc()
		if err != nil {
			lastErr = &TransportError{Endpoint: req.endpoint, Err: fmt.Errorf("read body: %w", err)}
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return body, nil

		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			// The request itself is wrong; sending it again changes nothing.
			return nil, &ProtocolError{
				Endpoint: req.endpoint,
				Status:   resp.StatusCode,
				Message:  serverMessage(body, resp.Status),
			}

		default:
			lastErr = &ProtocolError{
				Endpoint: req.endpoint,
				Status:   resp.StatusCode,
				Message:  serverMessage(body, resp.Status),
			}
			c.logger.Warn("backend returned unexpected status",
				"endpoint", req.endpoint,
				"request_id", requestID,
				"attempt", attempt,
				"status", resp.StatusCode,
			)
		}
	}

	if attempts == 1 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}

// getJSON performs a retried GET and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, endpoint, path string, query url.Values, out any) error {
	body, err := c.do(ctx, request{endpoint: endpoint, method: http.MethodGet, path: path, query: query, retry: true})
	if err != nil {
		return err
	}
	return decode(endpoint, body, out)
}

// postJSON performs a single POST and decodes the body into out, if non-nil.
func (c *Client) postJSON(ctx context.Context, endpoint, path string, in, out any) error {
	body, err := c.do(ctx, request{endpoint: endpoint, method: http.MethodPost, path: path, body: in})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(endpoint, body, out)
}

func decode(endpoint string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return &ProtocolError{Endpoint: endpoint, Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

// serverMessage pulls {"message": "..."} out of an error body, falling back
// to the HTTP status text.
func serverMessage(body []byte, fallback string) string {
	var m struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &m); err == nil {
		if m.Message != "" {
			return m.Message
		}
		if m.Error != "" {
			return m.Error
		}
	}
	return fallback
}

// notSuccess builds the error for a 2xx body whose success flag is false.
func notSuccess(endpoint, message string) error {
	if message == "" {
		message = "success=false"
	}
	return &ProtocolError{Endpoint: endpoint, Message: message}
}

// pathID rejects ids that would not survive as a single path segment.
func pathID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return &models.ValidationError{Field: field, Message: "must not be empty"}
	}
	if strings.ContainsAny(id, "/?#") {
		return &models.ValidationError{Field: field, Message: "must not contain '/', '?' or '#'"}
	}
	return nil
}
