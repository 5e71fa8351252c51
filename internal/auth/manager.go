package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/erauner12/paperdesk/internal/metrics"
)

const (
	// DefaultRefreshTimeout bounds a single refresh round-trip. It is detached
	// from the caller's context so one impatient caller cannot fail the refresh
	// for everyone waiting on it.
	DefaultRefreshTimeout = 30 * time.Second

	refreshFlightKey = "refresh"
)

// RefreshResult is the refresh endpoint's reply.
type RefreshResult struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Refresher exchanges a still-valid token for a replacement.
type Refresher interface {
	Refresh(ctx context.Context, token string) (*RefreshResult, error)
}

// Manager owns the bearer credential and keeps it fresh.
// At most one refresh is in flight; concurrent callers share its outcome.
type Manager struct {
	cred      *Credential
	threshold time.Duration
	timeout   time.Duration
	now       func() time.Time

	mu        sync.RWMutex
	refresher Refresher

	flight singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithThreshold sets how long before expiry a token counts as expiring soon.
func WithThreshold(d time.Duration) Option {
	return func(m *Manager) { m.threshold = d }
}

// WithRefreshTimeout bounds each refresh call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a token manager over cred.
func NewManager(cred *Credential, opts ...Option) *Manager {
	m := &Manager{
		cred:      cred,
		threshold: DefaultRefreshThreshold,
		timeout:   DefaultRefreshTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetRefresher installs the refresh endpoint client. The request pipeline
// implements Refresher and is built after the manager, hence the setter.
func (m *Manager) SetRefresher(r Refresher) {
	m.mu.Lock()
	m.refresher = r
	m.mu.Unlock()
}

// Token returns the current credential, or "" when unauthenticated.
func (m *Manager) Token() string {
	return m.cred.Get()
}

// Store replaces the credential, e.g. after login.
func (m *Manager) Store(ctx context.Context, token string) error {
	if err := m.cred.set(ctx, token); err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}
	return nil
}

// Clear drops the credential (logout or server-side rejection).
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.cred.set(ctx, ""); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}

// IsExpiringSoon reports whether token is undecodable or expires within the
// manager's threshold.
func (m *Manager) IsExpiringSoon(token string) bool {
	return expiringSoonAt(token, m.threshold, m.now())
}

// EnsureFresh returns token unchanged when it is not expiring soon. Otherwise
// it joins (or starts) the single in-flight refresh and returns its result.
// A failed refresh is logged and the original token is returned; the server
// rejecting it later is what tears the session down.
func (m *Manager) EnsureFresh(ctx context.Context, token string) string {
	if !m.IsExpiringSoon(token) {
		return token
	}

	v, _, shared := m.flight.Do(refreshFlightKey, func() (any, error) {
		// A refresh that finished just before we got here already replaced the
		// credential; reuse it instead of refreshing a second time.
		if current := m.cred.Get(); current != "" && current != token && !m.IsExpiringSoon(current) {
			log.Debug().Msg("credential refreshed by another caller, using current")
			return current, nil
		}
		return m.refresh(ctx, token), nil
	})

	if shared {
		log.Debug().Msg("joined in-flight token refresh")
	}
	return v.(string)
}

func (m *Manager) refresh(ctx context.Context, token string) string {
	m.mu.RLock()
	refresher := m.refresher
	m.mu.RUnlock()

	if refresher == nil {
		log.Warn().Msg("token expiring but no refresher configured")
		return token
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	log.Info().Msg("token expiring soon, refreshing")

	res, err := refresher.Refresh(ctx, token)
	if err != nil {
		metrics.RecordRefresh("failure")
		log.Warn().Err(err).Msg("token refresh failed, keeping current token")
		return token
	}
	if res == nil || res.AccessToken == "" {
		metrics.RecordRefresh("failure")
		log.Warn().Msg("token refresh returned no access token, keeping current token")
		return token
	}

	metrics.RecordRefresh("success")
	if err := m.cred.set(ctx, res.AccessToken); err != nil {
		// The in-memory cell already holds the new token; only durability is lost.
		log.Error().Err(err).Msg("failed to persist refreshed token")
	}

	log.Info().Str("tokenType", res.TokenType).Msg("token refreshed")
	return res.AccessToken
}
