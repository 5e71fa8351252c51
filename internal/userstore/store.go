// Package userstore namespaces persisted application records by identity: the
// authenticated user's id, or a device-local anonymous id when logged out.
//
// Records live in the shared kv.Store under "user_{identity}_{key}" and hold
// JSON. A logical key never resolves to another identity's record.
package userstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/paperdesk/internal/kv"
)

const (
	// ProfileKey holds the cached profile snapshot of the authenticated user.
	ProfileKey = "userInfo"

	// AnonymousIDKey holds the device's anonymous identity once generated.
	AnonymousIDKey = "anonymousId"

	anonymousPrefix = "anonymous_"
)

// DefaultMigrationKeys are the records carried over from the anonymous
// namespace on login, and out of the legacy unscoped layout.
var DefaultMigrationKeys = []string{
	"selectedTopic",
	"topicsHistory",
	"selectedOutline",
	"savedSections",
	"savedPaper",
}

// ScopedKey is the durable key of logical key under identity.
func ScopedKey(identity, key string) string {
	return "user_" + identity + "_" + key
}

// Store is the identity-scoped view over a kv.Store.
type Store struct {
	kv kv.Store

	// anonMu serializes anonymous id generation.
	anonMu sync.Mutex
}

// New creates an identity-scoped store over s.
func New(s kv.Store) *Store {
	return &Store{kv: s}
}

// CurrentIdentity returns the authenticated user's id when a profile snapshot
// is present, else the device's anonymous id.
func (s *Store) CurrentIdentity(ctx context.Context) (string, error) {
	id, ok, err := s.profileID(ctx)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	return s.AnonymousID(ctx)
}

// AnonymousID returns the persisted anonymous id, generating and persisting
// one on first use. Once issued it is kept across logins and logouts.
func (s *Store) AnonymousID(ctx context.Context) (string, error) {
	s.anonMu.Lock()
	defer s.anonMu.Unlock()

	id, ok, err := kv.Lookup(ctx, s.kv, AnonymousIDKey)
	if err != nil {
		return "", fmt.Errorf("failed to read anonymous id: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}

	id = anonymousPrefix + ulid.Make().String()
	if err := s.kv.Set(ctx, AnonymousIDKey, id); err != nil {
		return "", fmt.Errorf("failed to persist anonymous id: %w", err)
	}
	log.Info().Str("identity", id).Msg("generated anonymous identity")
	return id, nil
}

// profileID extracts the user id from the cached profile snapshot.
func (s *Store) profileID(ctx context.Context) (string, bool, error) {
	raw, ok, err := kv.Lookup(ctx, s.kv, ProfileKey)
	if err != nil {
		return "", false, fmt.Errorf("failed to read profile snapshot: %w", err)
	}
	if !ok || raw == "" {
		return "", false, nil
	}

	var profile struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		log.Warn().Err(err).Msg("ignoring unreadable profile snapshot")
		return "", false, nil
	}

	switch id := profile.ID.(type) {
	case float64:
		return strconv.FormatInt(int64(id), 10), true, nil
	case string:
		if id != "" {
			return id, true, nil
		}
	}
	return "", false, nil
}

// Get decodes the current identity's record for key into out. It reports
// false when there is no record.
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	raw, ok, err := s.GetRaw(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}

// GetRaw returns the current identity's serialized record for key.
func (s *Store) GetRaw(ctx context.Context, key string) (string, bool, error) {
	identity, err := s.CurrentIdentity(ctx)
	if err != nil {
		return "", false, err
	}
	return kv.Lookup(ctx, s.kv, ScopedKey(identity, key))
}

// Set stores v as JSON under key for the current identity.
func (s *Store) Set(ctx context.Context, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}

	identity, err := s.CurrentIdentity(ctx)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, ScopedKey(identity, key), string(payload))
}

// Remove deletes the current identity's record for key.
func (s *Store) Remove(ctx context.Context, key string) error {
	identity, err := s.CurrentIdentity(ctx)
	if err != nil {
		return err
	}
	return s.kv.Delete(ctx, ScopedKey(identity, key))
}

// MigrateLegacy moves unscoped records written before namespacing existed
// into the current identity's namespace. A legacy key is deleted once copied,
// so a second call finds nothing to move. It returns how many were moved.
func (s *Store) MigrateLegacy(ctx context.Context, keys []string) (int, error) {
	identity, err := s.CurrentIdentity(ctx)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, key := range keys {
		value, ok, err := kv.Lookup(ctx, s.kv, key)
		if err != nil {
			return moved, fmt.Errorf("failed to read legacy %q: %w", key, err)
		}
		if !ok {
			continue
		}
		if err := s.kv.Set(ctx, ScopedKey(identity, key), value); err != nil {
			return moved, fmt.Errorf("failed to migrate legacy %q: %w", key, err)
		}
		if err := s.kv.Delete(ctx, key); err != nil {
			return moved, fmt.Errorf("failed to remove legacy %q: %w", key, err)
		}
		moved++
	}

	if moved > 0 {
		log.Info().Str("identity", identity).Int("records", moved).Msg("migrated legacy records")
	}
	return moved, nil
}

// MigrateFromAnonymous copies records from the anonymous namespace anonID into
// the current identity's namespace, for keys the current identity does not
// have yet. The anonymous copies are kept. It returns how many were copied.
func (s *Store) MigrateFromAnonymous(ctx context.Context, anonID string, keys []string) (int, error) {
	identity, err := s.CurrentIdentity(ctx)
	if err != nil {
		return 0, err
	}
	if anonID == "" || anonID == identity {
		return 0, nil
	}

	copied := 0
	for _, key := range keys {
		target := ScopedKey(identity, key)
		_, exists, err := kv.Lookup(ctx, s.kv, target)
		if err != nil {
			return copied, fmt.Errorf("failed to read %q: %w", target, err)
		}
		if exists {
			continue
		}

		value, ok, err := kv.Lookup(ctx, s.kv, ScopedKey(anonID, key))
		if err != nil {
			return copied, fmt.Errorf("failed to read anonymous %q: %w", key, err)
		}
		if !ok {
			continue
		}
		if err := s.kv.Set(ctx, target, value); err != nil {
			return copied, fmt.Errorf("failed to migrate %q: %w", key, err)
		}
		copied++
	}

	if copied > 0 {
		log.Info().
			Str("from", anonID).
			Str("to", identity).
			Int("records", copied).
			Msg("migrated anonymous records")
	}
	return copied, nil
}

// ClearAll deletes every record of the current identity. Call it before the
// profile snapshot is dropped on logout, while the identity still resolves to
// the user being logged out.
func (s *Store) ClearAll(ctx context.Context) (int, error) {
	identity, err := s.CurrentIdentity(ctx)
	if err != nil {
		return 0, err
	}

	keys, err := s.kv.Keys(ctx, ScopedKey(identity, ""))
	if err != nil {
		return 0, fmt.Errorf("failed to list records: %w", err)
	}
	for i, key := range keys {
		if err := s.kv.Delete(ctx, key); err != nil {
			return i, fmt.Errorf("failed to delete %q: %w", key, err)
		}
	}

	log.Info().Str("identity", identity).Int("records", len(keys)).Msg("cleared identity records")
	return len(keys), nil
}
