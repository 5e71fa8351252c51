// Package session drives the authentication flow on top of the request
// pipeline: login, registration, the cached profile snapshot, logout and the
// teardown run when the server rejects the credential.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/paperdesk/internal/api"
	"github.com/erauner12/paperdesk/internal/auth"
	"github.com/erauner12/paperdesk/internal/client"
	"github.com/erauner12/paperdesk/internal/kv"
	"github.com/erauner12/paperdesk/internal/userstore"
)

// ErrNotAuthenticated is returned by operations that need a logged-in user.
var ErrNotAuthenticated = errors.New("not authenticated")

// Manager owns the logged-in state: the credential (through auth.Manager) and
// the profile snapshot that decides the current identity.
type Manager struct {
	tokens     *auth.Manager
	api        *api.Service
	records    *userstore.Store
	kv         kv.Store
	entryPoint string
}

// NewManager wires the authentication flow. entryPoint is the unauthenticated
// route Logout navigates to.
func NewManager(tokens *auth.Manager, svc *api.Service, records *userstore.Store, store kv.Store, entryPoint string) *Manager {
	if entryPoint == "" {
		entryPoint = client.DefaultEntryPoint
	}
	return &Manager{
		tokens:     tokens,
		api:        svc,
		records:    records,
		kv:         store,
		entryPoint: entryPoint,
	}
}

// IsAuthenticated reports whether a credential is held.
func (m *Manager) IsAuthenticated() bool {
	return m.tokens.Token() != ""
}

// Login exchanges credentials for a token, caches the profile and carries the
// anonymous records over to the user's namespace. Records of a user who was
// logged in before stay in that user's namespace.
func (m *Manager) Login(ctx context.Context, username, password string) (*api.UserInfo, error) {
	anonID, err := m.records.AnonymousID(ctx)
	if err != nil {
		return nil, err
	}

	res, err := m.api.Login(ctx, api.LoginRequest{Username: username, Password: password})
	if err != nil {
		return nil, err
	}
	if err := m.tokens.Store(ctx, res.AccessToken); err != nil {
		return nil, err
	}

	profile, err := m.api.Profile(ctx)
	if err != nil {
		// Without a profile there is no identity to scope records to.
		if clearErr := m.tokens.Clear(ctx); clearErr != nil {
			log.Error().Err(clearErr).Msg("failed to roll back credential after login")
		}
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if err := m.saveProfile(ctx, profile); err != nil {
		return nil, err
	}

	if _, err := m.records.MigrateFromAnonymous(ctx, anonID, userstore.DefaultMigrationKeys); err != nil {
		log.Warn().Err(err).Msg("failed to migrate anonymous records")
	}

	log.Info().
		Int("userId", profile.ID).
		Str("username", profile.Username).
		Msg("logged in")
	return profile, nil
}

// Register creates an account. It does not log in.
func (m *Manager) Register(ctx context.Context, req api.RegisterRequest) (*api.UserInfo, error) {
	user, err := m.api.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	log.Info().Int("userId", user.ID).Str("username", user.Username).Msg("registered")
	return user, nil
}

// InitProfile restores state at startup. It moves legacy unscoped records into
// the current namespace and, when a credential exists but no profile snapshot
// does, fetches the profile.
func (m *Manager) InitProfile(ctx context.Context) (*api.UserInfo, error) {
	profile, err := m.Profile(ctx)
	if err != nil {
		return nil, err
	}

	if profile == nil && m.IsAuthenticated() {
		fetched, err := m.api.Profile(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load profile: %w", err)
		}
		if err := m.saveProfile(ctx, fetched); err != nil {
			return nil, err
		}
		profile = fetched
	}

	if _, err := m.records.MigrateLegacy(ctx, userstore.DefaultMigrationKeys); err != nil {
		log.Warn().Err(err).Msg("failed to migrate legacy records")
	}
	return profile, nil
}

// Profile returns the cached profile snapshot, or nil when logged out.
func (m *Manager) Profile(ctx context.Context) (*api.UserInfo, error) {
	raw, ok, err := kv.Lookup(ctx, m.kv, userstore.ProfileKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile snapshot: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var profile api.UserInfo
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		log.Warn().Err(err).Msg("discarding unreadable profile snapshot")
		return nil, nil
	}
	return &profile, nil
}

// Logout clears the user's records, then the credential and profile, and
// returns the route to navigate to. Records are cleared first: once the
// profile is gone the current identity is the anonymous one.
func (m *Manager) Logout(ctx context.Context) (string, error) {
	cleared, err := m.records.ClearAll(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to clear user records: %w", err)
	}
	if err := m.ExpireSession(ctx); err != nil {
		return "", err
	}

	log.Info().Int("records", cleared).Msg("logged out")
	return m.entryPoint, nil
}

// ExpireSession drops the credential and profile snapshot, leaving scoped
// records in place. The request pipeline calls it on a rejected credential.
func (m *Manager) ExpireSession(ctx context.Context) error {
	if err := m.tokens.Clear(ctx); err != nil {
		return err
	}
	if err := m.kv.Delete(ctx, userstore.ProfileKey); err != nil {
		return fmt.Errorf("failed to clear profile snapshot: %w", err)
	}
	return nil
}

var _ client.SessionExpirer = (*Manager)(nil)

func (m *Manager) saveProfile(ctx context.Context, profile *api.UserInfo) error {
	payload, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	if err := m.kv.Set(ctx, userstore.ProfileKey, string(payload)); err != nil {
		return fmt.Errorf("failed to persist profile snapshot: %w", err)
	}
	return nil
}
