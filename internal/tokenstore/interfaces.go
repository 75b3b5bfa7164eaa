package tokenstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key holds no value.
	ErrNotFound = errors.New("key not found")

	// ErrReadOnly is returned by writes against a read-only tier.
	ErrReadOnly = errors.New("tier is read-only")
)

// Tier is a string key-value store with a single retention lifetime.
type Tier interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, overwriting any existing value.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists every key currently held by the tier.
	Keys(ctx context.Context) ([]string, error)
}
