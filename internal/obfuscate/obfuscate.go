// Package obfuscate provides a versioned, reversible encoding for values
// written to persistent credential tiers.
//
// The encoding keeps tokens from sitting in plain text on disk or in the
// keyring. It is not encryption: anyone holding the binary can reverse it.
package obfuscate

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Marker prefixes every encoded value. Values without it are treated as
// legacy plain text.
const Marker = "v1:"

// defaultKey is mixed into encoded values. Changing it breaks decoding of
// everything previously written with the default codec.
const defaultKey = "learntrack-session"

// ErrEmptyKey is returned by New when no key material is supplied.
var ErrEmptyKey = errors.New("obfuscation key cannot be empty")

// Codec encodes and decodes values with a fixed key.
type Codec struct {
	key []byte
}

// Default is the codec used when no key is configured.
var Default = &Codec{key: []byte(defaultKey)}

// New creates a Codec for the given key.
func New(key string) (*Codec, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	return &Codec{key: []byte(key)}, nil
}

// Encode returns the versioned encoding of s.
func (c *Codec) Encode(s string) string {
	return Marker + base64.StdEncoding.EncodeToString(c.xor([]byte(s)))
}

// Decode reverses Encode. Values lacking the version marker are returned
// unchanged so data written before the codec existed stays readable.
func (c *Codec) Decode(s string) (string, error) {
	payload, ok := strings.CutPrefix(s, Marker)
	if !ok {
		return s, nil
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decoding %s value: %w", strings.TrimSuffix(Marker, ":"), err)
	}
	return string(c.xor(raw)), nil
}

// IsEncoded reports whether s carries the version marker.
func IsEncoded(s string) bool {
	return strings.HasPrefix(s, Marker)
}

func (c *Codec) xor(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ c.key[i%len(c.key)]
	}
	return out
}
