package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/zalando/go-keyring"
)

// indexKey names the keyring entry that records which keys the tier holds.
// OS keyrings cannot enumerate entries portably.
const indexKey = ".index"

// KeyringTier provides OS-native secure credential storage.
// Uses macOS Keychain, Windows Credential Manager, or Linux Secret Service.
// Each key is stored as a separate entry under "<user>/<key>".
type KeyringTier struct {
	service string
	user    string
	mu      sync.Mutex
}

// Compile-time check to ensure KeyringTier implements Tier
var _ Tier = (*KeyringTier)(nil)

// NewKeyringTier creates a KeyringTier for the OS-native credential storage
// using the given service and user identifiers.
func NewKeyringTier(service, user string) (*KeyringTier, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	return &KeyringTier{
		service: service,
		user:    user,
	}, nil
}

// Get returns the value from the system keyring.
func (k *KeyringTier) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	value, err := keyring.Get(k.service, k.entry(key))
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Set persists the value to the system keyring, overwriting any existing value.
func (k *KeyringTier) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if err := keyring.Set(k.service, k.entry(key), value); err != nil {
		return err
	}

	keys, err := k.index()
	if err != nil {
		return err
	}
	if slices.Contains(keys, key) {
		return nil
	}
	return k.writeIndex(append(keys, key))
}

// Delete removes the keyring entry for key.
func (k *KeyringTier) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if err := keyring.Delete(k.service, k.entry(key)); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}

	keys, err := k.index()
	if err != nil {
		return err
	}
	remaining := slices.DeleteFunc(keys, func(s string) bool { return s == key })
	return k.writeIndex(remaining)
}

// Keys returns the keys recorded in the index entry.
func (k *KeyringTier) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	return k.index()
}

func (k *KeyringTier) entry(key string) string {
	return k.user + "/" + key
}

// index reads the key index. Caller must hold k.mu.
func (k *KeyringTier) index() ([]string, error) {
	raw, err := keyring.Get(k.service, k.entry(indexKey))
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("corrupt keyring index for service %s: %w", k.service, err)
	}
	return keys, nil
}

// writeIndex replaces the key index. Caller must hold k.mu.
func (k *KeyringTier) writeIndex(keys []string) error {
	if len(keys) == 0 {
		err := keyring.Delete(k.service, k.entry(indexKey))
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return err
		}
		return nil
	}

	raw, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return keyring.Set(k.service, k.entry(indexKey), string(raw))
}
