// Package profile holds the signed-in user's identity for the rest of the
// session agent.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/learntrack/ltsession/internal/obfuscate"
	"github.com/learntrack/ltsession/internal/tokenstore"
)

// StorageKey is where the profile blob is persisted. It deliberately sits
// outside the credential key prefix and is purged on logout as a special case.
const StorageKey = "learntrack-user"

// Role is the platform role of a user.
type Role string

const (
	RoleStudent Role = "student"
	RoleMentor  Role = "mentor"
	RoleAdmin   Role = "admin"
)

// Privileged reports whether the role skips onboarding.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleMentor
}

// User is the resolved session identity. Email is kept as sent; providers
// may omit it or return one that is not RFC-shaped.
type User struct {
	ID                  string `json:"id"`
	Email               string `json:"email"`
	FullName            string `json:"full_name"`
	Role                Role   `json:"role"`
	IsVerified          bool   `json:"is_verified"`
	AvatarURL           string `json:"avatar_url,omitempty"`
	OnboardingCompleted bool   `json:"onboarding_completed"`
}

// DisplayName returns the full name, falling back to the email address.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Email
}

// Store is the process-wide identity cache. The current user is kept in
// memory and mirrored to a persistent tier so it survives restarts.
type Store struct {
	tier  tokenstore.Tier
	codec *obfuscate.Codec

	mu     sync.RWMutex
	user   *User
	loaded bool
}

// NewStore creates a Store persisting to tier. A nil codec selects obfuscate.Default.
func NewStore(tier tokenstore.Tier, codec *obfuscate.Codec) (*Store, error) {
	if tier == nil {
		return nil, fmt.Errorf("missing profile tier")
	}
	if codec == nil {
		codec = obfuscate.Default
	}
	return &Store{tier: tier, codec: codec}, nil
}

// SetUser replaces the current identity. The in-memory copy is always
// updated; an error is returned only if persisting failed.
func (s *Store) SetUser(ctx context.Context, user User) error {
	s.mu.Lock()
	u := user
	s.user = &u
	s.loaded = true
	s.mu.Unlock()

	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encoding profile: %w", err)
	}
	if err := s.tier.Set(ctx, StorageKey, s.codec.Encode(string(raw))); err != nil {
		return fmt.Errorf("persisting profile: %w", err)
	}
	return nil
}

// User returns the current identity, loading it from the persistent tier on
// first use.
func (s *Store) User(ctx context.Context) (User, bool) {
	s.mu.RLock()
	if s.loaded {
		defer s.mu.RUnlock()
		if s.user == nil {
			return User{}, false
		}
		return *s.user, true
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		s.user = s.load(ctx)
		s.loaded = true
	}
	if s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

// Clear drops the identity from memory and the persistent tier.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	s.user = nil
	s.loaded = true
	s.mu.Unlock()

	if err := s.tier.Delete(ctx, StorageKey); err != nil {
		slog.WarnContext(ctx, "failed to remove persisted profile", "error", err)
	}
}

// load reads the persisted profile. Caller must hold s.mu.
func (s *Store) load(ctx context.Context) *User {
	raw, err := s.tier.Get(ctx, StorageKey)
	if err != nil {
		if !errors.Is(err, tokenstore.ErrNotFound) {
			slog.WarnContext(ctx, "failed to read persisted profile", "error", err)
		}
		return nil
	}

	decoded, err := s.codec.Decode(raw)
	if err != nil {
		slog.WarnContext(ctx, "discarding undecodable profile", "error", err)
		return nil
	}

	var user User
	if err := json.Unmarshal([]byte(decoded), &user); err != nil {
		slog.WarnContext(ctx, "discarding malformed profile", "error", err)
		return nil
	}
	return &user
}
