package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// FileTier stores all keys of a tier in a single JSON document with secure
// permissions. Writes use temp file + rename for crash safety.
type FileTier struct {
	filePath string
	mu       sync.Mutex
}

// Compile-time check to ensure FileTier implements Tier
var _ Tier = (*FileTier)(nil)

// NewFileTier creates a FileTier for the given path, creating parent directories
// with 0700 permissions if they don't exist. An existing parent directory that
// other users can write to is refused.
func NewFileTier(filePath string) (*FileTier, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	if err := checkPrivateDir(dir); err != nil {
		return nil, err
	}

	return &FileTier{
		filePath: filePath,
	}, nil
}

// checkPrivateDir rejects a directory writable by group or others. Windows
// reports every directory as 0777 and is skipped.
func checkPrivateDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0022 != 0 {
		return fmt.Errorf("insecure permissions on %s: %04o (writable by other users)", dir, perm)
	}
	return nil
}

// Path returns the location of the backing document.
func (f *FileTier) Path() string {
	return f.filePath
}

// Get returns the value for key. A missing document behaves like an empty one.
func (f *FileTier) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return "", err
	}
	value, ok := data[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Set persists value under key, rewriting the document atomically.
func (f *FileTier) Set(ctx context.Context, key, value string) error {
	return f.update(ctx, func(data map[string]string) bool {
		data[key] = value
		return true
	})
}

// Delete removes key. The document is only rewritten if key was present.
func (f *FileTier) Delete(ctx context.Context, key string) error {
	return f.update(ctx, func(data map[string]string) bool {
		if _, ok := data[key]; !ok {
			return false
		}
		delete(data, key)
		return true
	})
}

// Keys lists every key in the document.
func (f *FileTier) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	return keys, nil
}

// update applies mutate to the current document and writes it back when
// mutate reports a change. Caller must not hold f.mu.
func (f *FileTier) update(ctx context.Context, mutate func(map[string]string) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return err
	}
	if !mutate(data) {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return f.write(data)
}

// load reads the document. Caller must hold f.mu.
func (f *FileTier) load() (map[string]string, error) {
	// Check file permissions before reading
	info, err := os.Stat(f.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm() != 0600 {
		return nil, fmt.Errorf("insecure permissions on %s: %04o (expected 0600)", f.filePath, info.Mode().Perm())
	}

	raw, err := os.ReadFile(f.filePath)
	if err != nil {
		return nil, err
	}

	data := make(map[string]string)
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.filePath, err)
	}
	return data, nil
}

// write atomically replaces the document. Caller must hold f.mu.
func (f *FileTier) write(data map[string]string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	// Create secure temp file in same directory for atomic rename
	dir := filepath.Dir(f.filePath)
	tempFile, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.Write(raw); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tempName, f.filePath); err != nil {
		return err
	}

	// Set secure file permissions (0600 = rw-------)
	return os.Chmod(f.filePath, 0600)
}
