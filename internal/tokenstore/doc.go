// Package tokenstore provides the key-value retention tiers that back the
// credential cache.
//
// Tiers differ in lifetime and exposure:
//   - Memory: in-process map; lost on restart (tab-scoped tier in tests and single-process use)
//   - File: JSON document with atomic writes and 0600 permissions (tab-scoped under the runtime dir, or durable)
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, Secret Service)
//   - Bolt: embedded bbolt database for hosts without a keyring
//   - Env: read-only environment variables (requires external secret management)
//
// Values are opaque strings; callers apply any encoding before writing.
package tokenstore
