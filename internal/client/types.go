package client

import (
	"context"

	"github.com/rs/zerolog/log"
)

// TokenSource supplies the bearer credential and keeps it fresh.
// Implemented by auth.Manager.
type TokenSource interface {
	Token() string
	EnsureFresh(ctx context.Context, token string) string
}

// SessionExpirer tears down local session state (credential and cached
// profile) after the server rejects the credential.
type SessionExpirer interface {
	ExpireSession(ctx context.Context) error
}

// Notifier shows transient user-visible messages.
type Notifier interface {
	Error(msg string)
}

// LogNotifier is the Notifier used when none is configured.
type LogNotifier struct{}

func (LogNotifier) Error(msg string) {
	log.Warn().Str("notice", msg).Msg("request failed")
}

type originKey struct{}

type noCredentialKey struct{}

// WithoutCredential marks a call that must go out without the stored
// credential, such as login or registration. A 401 on such a call is a plain
// ErrAPI, never a session expiry.
func WithoutCredential(ctx context.Context) context.Context {
	return context.WithValue(ctx, noCredentialKey{}, true)
}

func withoutCredential(ctx context.Context) bool {
	v, _ := ctx.Value(noCredentialKey{}).(bool)
	return v
}

// WithOrigin records the application route a call is made from. A call made
// from the unauthenticated entry point never asks for a redirect back to it.
func WithOrigin(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, originKey{}, route)
}

// Origin returns the route recorded by WithOrigin, or "".
func Origin(ctx context.Context) string {
	if route, ok := ctx.Value(originKey{}).(string); ok {
		return route
	}
	return ""
}
