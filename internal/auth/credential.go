package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/erauner12/paperdesk/internal/kv"
)

// TokenKey is the durable-store key holding the bearer credential.
const TokenKey = "token"

// Credential is the single shared cell holding the current bearer token.
// Anyone may read it; only Manager writes it, and every write is persisted.
type Credential struct {
	mu    sync.RWMutex
	token string
	store kv.Store
}

// LoadCredential restores the credential persisted in store, if any.
func LoadCredential(ctx context.Context, store kv.Store) (*Credential, error) {
	token, err := store.Get(ctx, TokenKey)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return &Credential{token: token, store: store}, nil
}

// Get returns the current token, or "" when unauthenticated.
func (c *Credential) Get() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// set replaces the token in memory first, so readers never see a token older
// than the durable copy, then persists it.
func (c *Credential) set(ctx context.Context, token string) error {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	if token == "" {
		return c.store.Delete(ctx, TokenKey)
	}
	return c.store.Set(ctx, TokenKey, token)
}
