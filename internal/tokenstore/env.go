package tokenstore

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvTier provides read-only access to values supplied through environment
// variables. Key "lt_auth_refresh_token" with prefix "LEARNTRACK_" is read from
// LEARNTRACK_LT_AUTH_REFRESH_TOKEN.
//
// Suitable for seeding a refresh token in headless deployments; every write
// fails with ErrReadOnly.
type EnvTier struct {
	prefix      string
	environFunc func() []string
}

// Compile-time check to ensure EnvTier implements Tier
var _ Tier = (*EnvTier)(nil)

// NewEnvTier creates an EnvTier reading variables that start with prefix.
// environFunc defaults to os.Environ.
func NewEnvTier(prefix string, environFunc func() []string) (*EnvTier, error) {
	if prefix == "" {
		return nil, fmt.Errorf("environment prefix cannot be empty")
	}
	if environFunc == nil {
		environFunc = os.Environ
	}

	return &EnvTier{
		prefix:      prefix,
		environFunc: environFunc,
	}, nil
}

// Get returns the value of the variable mapped from key. Returns ErrNotFound if unset or empty.
func (e *EnvTier) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := e.variable(key)
	for _, kv := range e.environFunc() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k == name && v != "" {
			return v, nil
		}
	}
	return "", ErrNotFound
}

// Set is not supported for environment variables (they are read-only).
func (e *EnvTier) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return fmt.Errorf("environment variable %s: %w", e.variable(key), ErrReadOnly)
}

// Delete is not supported for environment variables (they are read-only).
func (e *EnvTier) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return fmt.Errorf("environment variable %s: %w", e.variable(key), ErrReadOnly)
}

// Keys maps every non-empty variable carrying the prefix back to its key.
func (e *EnvTier) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	for _, kv := range e.environFunc() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || v == "" {
			continue
		}
		if stripped, found := strings.CutPrefix(k, e.prefix); found && stripped != "" {
			keys = append(keys, strings.ToLower(stripped))
		}
	}
	return keys, nil
}

func (e *EnvTier) variable(key string) string {
	return e.prefix + strings.ToUpper(key)
}
