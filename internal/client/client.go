package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/paperdesk/internal/auth"
	"github.com/erauner12/paperdesk/internal/metrics"
)

const (
	// DefaultTimeout is generous because slow generation calls go through the
	// pipeline too.
	DefaultTimeout = 2 * time.Minute

	// DefaultRefreshPath is the token refresh endpoint, relative to the base URL.
	DefaultRefreshPath = "/auth/refresh-token"

	// DefaultEntryPoint is the unauthenticated route the shell redirects to.
	DefaultEntryPoint = "/login"
)

// Config configures a Client.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RefreshPath string
	EntryPoint  string
}

// Client is the request pipeline every API call goes through.
// It injects:
// - Authorization: Bearer <token> (refreshed first when expiring soon)
// - X-Correlation-ID: <uuid>
//
// and normalizes the outcome:
// - 2xx: the JSON body is decoded into the caller's value
// - 401 with a credential attached: session teardown, ErrSessionExpired
// - other non-2xx: ErrAPI with the server's detail, shown via the Notifier
// - no response: ErrNetwork
//
// Nothing is retried here; the only implicit retry is the coalesced token
// refresh inside TokenSource.EnsureFresh.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokens      TokenSource
	refreshPath string
	entryPoint  string

	mu       sync.RWMutex
	expirer  SessionExpirer
	notifier Notifier
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (its Timeout is kept as given).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithNotifier sets where user-visible failure messages go.
func WithNotifier(n Notifier) Option {
	return func(c *Client) { c.notifier = n }
}

// New creates a request pipeline.
func New(cfg Config, tokens TokenSource, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RefreshPath == "" {
		cfg.RefreshPath = DefaultRefreshPath
	}
	if cfg.EntryPoint == "" {
		cfg.EntryPoint = DefaultEntryPoint
	}

	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		tokens:      tokens,
		refreshPath: cfg.RefreshPath,
		entryPoint:  cfg.EntryPoint,
		notifier:    LogNotifier{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnSessionExpired installs the teardown hook run when the server rejects the
// credential. The session layer is built on top of the client, hence the setter.
func (c *Client) OnSessionExpired(e SessionExpirer) {
	c.mu.Lock()
	c.expirer = e
	c.mu.Unlock()
}

// BaseURL returns the API prefix every path is resolved against.
func (c *Client) BaseURL() string { return c.baseURL }

// Get issues a GET with optional query parameters.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.Do(ctx, http.MethodGet, path, query, nil, out)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, nil, body, out)
}

// Do executes one call through the pipeline. body (if non-nil) is sent as
// JSON; a successful response body is decoded into out (if non-nil).
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	correlationID := uuid.New().String()

	logger := log.With().
		Str("method", method).
		Str("path", path).
		Str("correlationId", correlationID).
		Logger()

	start := time.Now()
	result, err := c.do(ctx, method, path, query, body, out, &logger, correlationID)
	metrics.ObserveRequest(method, result, time.Since(start))
	return err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, logger *zerolog.Logger, correlationID string) (string, error) {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return "invalid", err
	}
	req.Header.Set("X-Correlation-ID", correlationID)
	req.Header.Set("Accept", "application/json")

	// The refresh endpoint is never routed through EnsureFresh, or an expiring
	// token would try to refresh itself recursively.
	attached := false
	if path != c.refreshPath && !withoutCredential(ctx) {
		if token := c.tokens.Token(); token != "" {
			token = c.tokens.EnsureFresh(ctx, token)
			req.Header.Set("Authorization", "Bearer "+token)
			attached = true
			logger.Debug().Msg("injected bearer token")
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		logger.Error().Err(err).Dur("duration", duration).Msg("HTTP request failed")
		return "network", ErrNetwork{Err: err, Timeout: isTimeout(err)}
	}
	defer resp.Body.Close()

	logger.Debug().
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Msg("HTTP request completed")

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read response body")
		return "network", ErrNetwork{Err: err, Timeout: isTimeout(err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(bytes.TrimSpace(raw)) == 0 {
			return "ok", nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			logger.Error().Err(err).Msg("failed to decode response body")
			return "api_error", c.fail(path, ErrAPI{Status: resp.StatusCode, Detail: "malformed response from server"})
		}
		return "ok", nil

	case resp.StatusCode == http.StatusUnauthorized && attached:
		return "session_expired", c.handleUnauthorized(ctx, logger)

	default:
		apiErr := ErrAPI{
			Status: resp.StatusCode,
			Detail: parseDetail(raw),
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			apiErr.RetryAfter = int(parseRetryAfter(resp.Header.Get("Retry-After")).Seconds())
		}
		logger.Warn().
			Int("status", resp.StatusCode).
			Str("detail", apiErr.Detail).
			Msg("server reported an error")
		return "api_error", c.fail(path, apiErr)
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// handleUnauthorized clears local session state and reports a terminal expiry.
// No retry: a rejected credential is not recovered by asking again.
func (c *Client) handleUnauthorized(ctx context.Context, logger *zerolog.Logger) error {
	c.mu.RLock()
	expirer := c.expirer
	c.mu.RUnlock()

	if expirer != nil {
		if err := expirer.ExpireSession(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to clear session state")
		}
	}

	origin := Origin(ctx)
	redirect := origin != c.entryPoint

	logger.Warn().
		Str("origin", origin).
		Bool("redirect", redirect).
		Msg("401 Unauthorized - session expired")

	return ErrSessionExpired{Redirect: redirect, EntryPoint: c.entryPoint}
}

// fail surfaces a business error to the user, except for the refresh call,
// whose failure is deliberately silent.
func (c *Client) fail(path string, err ErrAPI) error {
	if path != c.refreshPath {
		c.mu.RLock()
		n := c.notifier
		c.mu.RUnlock()
		n.Error(err.Detail)
	}
	return err
}

// Refresh exchanges token at the refresh endpoint. It implements auth.Refresher.
func (c *Client) Refresh(ctx context.Context, token string) (*auth.RefreshResult, error) {
	var res auth.RefreshResult
	if err := c.Post(ctx, c.refreshPath, map[string]string{"token": token}, &res); err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return &res, nil
}

var _ auth.Refresher = (*Client)(nil)

// parseDetail extracts the server's human-readable message. The backend
// reports {"detail": "..."} for most errors and {"detail": [{"msg": ...}]}
// for validation failures.
func parseDetail(raw []byte) string {
	var body struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return GenericFailure
	}

	var detail string
	if err := json.Unmarshal(body.Detail, &detail); err == nil && detail != "" {
		return detail
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(body.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}

	if body.Message != "" {
		return body.Message
	}
	return GenericFailure
}

// parseRetryAfter parses the Retry-After header
// Supports both integer seconds and HTTP-date format
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(value); err == nil {
		duration := time.Until(t)
		if duration > 0 {
			return duration
		}
	}

	return 0
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
