// Package credentials implements the tiered credential cache used by the
// transport layer.
//
// Three tiers are consulted in order of exposure:
//   - Process memory: the current access token, held in a locked enclave
//   - Tab-scoped tier: survives restarts within one login session; recovery tier for the access token
//   - Durable tier: refresh token and expiry record only, under a reserved key prefix
//
// The access token is never written to the durable tier, and the refresh token
// is never kept only in memory. Everything written to a persistent tier passes
// through the obfuscate codec.
//
// Caching credentials is an optimisation, not the source of truth for
// authentication, so no operation returns an error: tier failures are logged
// and the operation degrades to the next tier or to an absent result.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/learntrack/ltsession/internal/obfuscate"
	"github.com/learntrack/ltsession/internal/profile"
	"github.com/learntrack/ltsession/internal/tokenstore"
)

// Default policy values.
const (
	DefaultKeyPrefix           = "lt_auth_"
	DefaultAccessTokenLifetime = 15 * time.Minute
	DefaultExpiryBuffer        = 30 * time.Second
)

// Key suffixes appended to the key prefix.
const (
	accessTokenKey  = "access_token"
	refreshTokenKey = "refresh_token"
	expiryKey       = "token_expiry"
)

// Credentials is the token set issued by the backend. The access token
// lifetime is independent of the refresh token lifetime.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// Option configures a Store.
type Option func(*Store)

// WithCodec sets the codec applied to persistent writes.
func WithCodec(codec *obfuscate.Codec) Option {
	return func(s *Store) {
		if codec != nil {
			s.codec = codec
		}
	}
}

// WithClock overrides the time source used for expiry bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAccessTokenLifetime sets the assumed lifetime of every access token.
// Token claims are not parsed; every token is assumed to live this long.
func WithAccessTokenLifetime(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lifetime = d
		}
	}
}

// WithExpiryBuffer sets how long before the recorded deadline a token is
// already treated as expired.
func WithExpiryBuffer(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.buffer = d
		}
	}
}

// WithKeyPrefix sets the reserved prefix for credential keys.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// Store is the tiered credential cache.
type Store struct {
	memory  *memoryCell
	tab     tokenstore.Tier
	durable tokenstore.Tier

	codec    *obfuscate.Codec
	now      func() time.Time
	lifetime time.Duration
	buffer   time.Duration
	prefix   string
}

// New creates a Store over the given tab-scoped and durable tiers.
func New(tab, durable tokenstore.Tier, opts ...Option) (*Store, error) {
	if tab == nil {
		return nil, fmt.Errorf("missing tab-scoped tier")
	}
	if durable == nil {
		return nil, fmt.Errorf("missing durable tier")
	}

	s := &Store{
		memory:   &memoryCell{},
		tab:      tab,
		durable:  durable,
		codec:    obfuscate.Default,
		now:      time.Now,
		lifetime: DefaultAccessTokenLifetime,
		buffer:   DefaultExpiryBuffer,
		prefix:   DefaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// StoreCredentials caches a freshly issued token set and records its expiry.
func (s *Store) StoreCredentials(ctx context.Context, creds Credentials) {
	if creds.AccessToken != "" {
		s.memory.set(creds.AccessToken)
		s.write(ctx, s.tab, s.key(accessTokenKey), creds.AccessToken)
	}
	if creds.RefreshToken != "" {
		s.write(ctx, s.durable, s.key(refreshTokenKey), creds.RefreshToken)
	}
	s.recordExpiry(ctx)
}

// UpdateAccessToken replaces the access token after a refresh cycle. The
// refresh token is left untouched.
func (s *Store) UpdateAccessToken(ctx context.Context, token string) {
	if token == "" {
		return
	}
	s.memory.set(token)
	s.write(ctx, s.tab, s.key(accessTokenKey), token)
	s.recordExpiry(ctx)
}

// AccessToken returns the current access token. A value recovered from the
// tab-scoped tier is cached back into process memory.
func (s *Store) AccessToken(ctx context.Context) (string, bool) {
	if token, ok := s.memory.get(); ok {
		return token, true
	}

	token, ok := s.read(ctx, s.tab, s.key(accessTokenKey))
	if !ok || token == "" {
		return "", false
	}
	s.memory.set(token)
	return token, true
}

// RefreshToken returns the persisted refresh token.
func (s *Store) RefreshToken(ctx context.Context) (string, bool) {
	token, ok := s.read(ctx, s.durable, s.key(refreshTokenKey))
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// IsAuthenticated reports whether an access token or a refresh token is
// available. A refresh token alone counts because a refresh attempt is
// possible. This is a liveness heuristic, not a validity guarantee.
func (s *Store) IsAuthenticated(ctx context.Context) bool {
	if _, ok := s.AccessToken(ctx); ok {
		return true
	}
	_, ok := s.RefreshToken(ctx)
	return ok
}

// ExpiresAt returns the recorded access token deadline.
func (s *Store) ExpiresAt(ctx context.Context) (time.Time, bool) {
	raw, ok := s.read(ctx, s.durable, s.key(expiryKey))
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.WarnContext(ctx, "ignoring malformed expiry record", "error", err)
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// IsAccessTokenExpired reports whether the access token must be treated as
// expired: no expiry record exists, or the deadline minus the safety buffer
// has passed.
func (s *Store) IsAccessTokenExpired(ctx context.Context) bool {
	deadline, ok := s.ExpiresAt(ctx)
	if !ok {
		return true
	}
	return !s.now().Before(deadline.Add(-s.buffer))
}

// ClearAuthData purges every tier: process memory, the tab-scoped access
// token, all durable keys under the reserved prefix, and the co-located
// profile blob.
func (s *Store) ClearAuthData(ctx context.Context) {
	s.memory.clear()
	s.remove(ctx, s.tab, s.key(accessTokenKey))

	keys, err := s.durable.Keys(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to list durable credential keys", "error", err)
		// Fall back to the keys this store writes itself.
		keys = []string{s.key(refreshTokenKey), s.key(expiryKey)}
	}
	for _, key := range keys {
		if strings.HasPrefix(key, s.prefix) {
			s.remove(ctx, s.durable, key)
		}
	}
	s.remove(ctx, s.durable, profile.StorageKey)
}

func (s *Store) key(suffix string) string {
	return s.prefix + suffix
}

func (s *Store) recordExpiry(ctx context.Context) {
	expiresAt := s.now().Add(s.lifetime)
	s.write(ctx, s.durable, s.key(expiryKey), strconv.FormatInt(expiresAt.UnixMilli(), 10))
}

func (s *Store) write(ctx context.Context, tier tokenstore.Tier, key, value string) {
	if err := tier.Set(ctx, key, s.codec.Encode(value)); err != nil {
		slog.WarnContext(ctx, "credential tier write failed", "key", key, "error", err)
	}
}

func (s *Store) read(ctx context.Context, tier tokenstore.Tier, key string) (string, bool) {
	raw, err := tier.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, tokenstore.ErrNotFound) {
			slog.WarnContext(ctx, "credential tier read failed", "key", key, "error", err)
		}
		return "", false
	}

	value, err := s.codec.Decode(raw)
	if err != nil {
		slog.WarnContext(ctx, "credential value could not be decoded", "key", key, "error", err)
		return "", false
	}
	return value, true
}

func (s *Store) remove(ctx context.Context, tier tokenstore.Tier, key string) {
	if err := tier.Delete(ctx, key); err != nil {
		slog.WarnContext(ctx, "credential tier delete failed", "key", key, "error", err)
	}
}
