package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.etcd.io/bbolt"

	"github.com/learntrack/ltsession/internal/callback"
	"github.com/learntrack/ltsession/internal/credentials"
	"github.com/learntrack/ltsession/internal/obfuscate"
	"github.com/learntrack/ltsession/internal/tokensource"
	"github.com/learntrack/ltsession/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
	// LogFormatOTLP exports records through OpenTelemetry (OTEL_EXPORTER_OTLP_* env).
	LogFormatOTLP LogFormat = "otlp"
	// LogFormatOTelStdout writes OpenTelemetry log records to stdout.
	LogFormatOTelStdout LogFormat = "otel-stdout"
)

// TierType represents the different retention tiers supported.
type TierType string

const (
	TierTypeMemory  TierType = "memory"
	TierTypeFile    TierType = "file"
	TierTypeKeyring TierType = "keyring"
	TierTypeBolt    TierType = "bolt"
	TierTypeEnv     TierType = "env"
)

// Default configuration values
const (
	DefaultConfigLogFormat       = LogFormatText
	DefaultConfigServerHost      = "127.0.0.1"
	DefaultConfigServerPort      = 4000
	DefaultConfigShutdownTimeout = 5 * time.Second
	DefaultConfigBackendBaseURL  = "http://localhost:8000/api/v1"
	DefaultConfigBackendTimeout  = 30 * time.Second
	DefaultConfigFrontendURL     = "http://localhost:3000"
	DefaultConfigTabTier         = TierTypeFile
	DefaultConfigDurableTier     = TierTypeFile
	DefaultConfigEnvPrefix       = "LEARNTRACK_"

	keyringService  = "ltsession"
	boltLockTimeout = 2 * time.Second
)

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
	// PublicURL is the externally visible address of the callback routes,
	// used to build redirect URIs. Defaults to http://host:port.
	PublicURL string `json:"public_url" validate:"omitempty,url"`
}

// Address returns the listen address.
func (s ServerConfig) Address() string {
	return s.Host + ":" + strconv.FormatUint(uint64(s.Port), 10)
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// BackendConfig holds LearnTrack API configuration.
type BackendConfig struct {
	BaseURL  string        `json:"base_url" validate:"required,url"`
	ClientID string        `json:"client_id" validate:"required"`
	Timeout  time.Duration `json:"timeout" validate:"gte=0"`
}

// FrontendConfig holds the web app the user is sent to after the callback.
type FrontendConfig struct {
	BaseURL string `json:"base_url" validate:"required,url"`
}

// TierConfig describes one retention tier.
type TierConfig struct {
	Type TierType `json:"type" validate:"required,oneof=memory file keyring bolt env"`

	// Tier-specific settings (mutually exclusive based on Type)
	File        string `json:"file,omitempty"`         // For file and bolt tiers: path to the store
	KeyringUser string `json:"keyring_user,omitempty"` // For keyring tier: user identifier
	EnvPrefix   string `json:"env_prefix,omitempty"`   // For env tier: variable name prefix
}

// StorageConfig represents the configuration of the credential cache.
// Describes how to construct the Tab-Scoped and Durable tiers.
type StorageConfig struct {
	Tab     TierConfig `json:"tab"`
	Durable TierConfig `json:"durable"`

	KeyPrefix           string        `json:"key_prefix" validate:"required"`
	AccessTokenLifetime time.Duration `json:"access_token_lifetime" validate:"gt=0"`
	ExpiryBuffer        time.Duration `json:"expiry_buffer" validate:"gte=0"`
	// CodecKey replaces the built-in obfuscation key when set.
	CodecKey string `json:"codec_key,omitempty"`
}

// NewTier creates a Tier from the tier configuration.
func (t *TierConfig) NewTier() (tokenstore.Tier, error) {
	switch t.Type {
	case TierTypeMemory:
		return tokenstore.NewMemoryTier(), nil
	case TierTypeFile:
		return tokenstore.NewFileTier(t.File)
	case TierTypeBolt:
		return tokenstore.OpenBoltTier(t.File, &bbolt.Options{Timeout: boltLockTimeout})
	case TierTypeKeyring:
		return tokenstore.NewKeyringTier(keyringService, t.KeyringUser)
	case TierTypeEnv:
		return tokenstore.NewEnvTier(t.EnvPrefix, os.Environ)
	default:
		return nil, fmt.Errorf("unsupported tier type: %s", t.Type)
	}
}

// NewCodec creates the obfuscation codec for persisted values.
func (s *StorageConfig) NewCodec() (*obfuscate.Codec, error) {
	if s.CodecKey == "" {
		return obfuscate.Default, nil
	}
	return obfuscate.New(s.CodecKey)
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level      `json:"log_level"`
	LogFormat LogFormat       `json:"log_format" validate:"oneof=text json otlp otel-stdout"`
	Server    ServerConfig    `json:"server"`
	Shutdown  ShutdownConfig  `json:"shutdown"`
	Backend   BackendConfig   `json:"backend"`
	Frontend  FrontendConfig  `json:"frontend"`
	Storage   StorageConfig   `json:"storage"`
	Callback  callback.Config `json:"callback"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = "http://" + c.Server.Address()
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = DefaultConfigBackendBaseURL
	}
	if c.Backend.ClientID == "" {
		c.Backend.ClientID = tokensource.DefaultClientID
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = DefaultConfigBackendTimeout
	}
	if c.Frontend.BaseURL == "" {
		c.Frontend.BaseURL = DefaultConfigFrontendURL
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = credentials.DefaultKeyPrefix
	}
	if c.Storage.AccessTokenLifetime == 0 {
		c.Storage.AccessTokenLifetime = credentials.DefaultAccessTokenLifetime
	}
	if c.Storage.ExpiryBuffer == 0 {
		c.Storage.ExpiryBuffer = credentials.DefaultExpiryBuffer
	}
	applyCallbackDefaults(&c.Callback)

	if c.Storage.Tab.Type == "" {
		c.Storage.Tab.Type = DefaultConfigTabTier
	}
	if c.Storage.Durable.Type == "" {
		c.Storage.Durable.Type = DefaultConfigDurableTier
	}

	// Dynamic defaults based on tier type
	if c.Storage.Tab.Type == TierTypeFile && c.Storage.Tab.File == "" {
		c.Storage.Tab.File = filepath.Join(sessionDir(os.Getenv, os.TempDir()), "tab.json")
	}
	switch c.Storage.Durable.Type {
	case TierTypeFile, TierTypeBolt:
		if c.Storage.Durable.File == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("storage.durable.file required (auto-detect failed: %w)", err)
			}
			name := "credentials.json"
			if c.Storage.Durable.Type == TierTypeBolt {
				name = "credentials.db"
			}
			c.Storage.Durable.File = filepath.Join(configDir, "ltsession", name)
		}
	case TierTypeKeyring:
		if c.Storage.Durable.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("storage.durable.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Storage.Durable.KeyringUser = currentUser.Username
		}
	case TierTypeEnv:
		if c.Storage.Durable.EnvPrefix == "" {
			c.Storage.Durable.EnvPrefix = DefaultConfigEnvPrefix
		}
	}

	return nil
}

// applyCallbackDefaults fills each unset callback field individually, so a
// config file can override a single route.
func applyCallbackDefaults(c *callback.Config) {
	def := callback.DefaultConfig()
	if len(c.Providers) == 0 {
		c.Providers = def.Providers
	}

	setDefault(&c.Routes.Failure, def.Routes.Failure)
	setDefault(&c.Routes.Onboarding, def.Routes.Onboarding)
	setDefault(&c.Routes.Admin, def.Routes.Admin)
	setDefault(&c.Routes.Mentor, def.Routes.Mentor)
	setDefault(&c.Routes.Dashboard, def.Routes.Dashboard)

	setDefault(&c.Delays.UnsupportedProvider, def.Delays.UnsupportedProvider)
	setDefault(&c.Delays.ProviderError, def.Delays.ProviderError)
	setDefault(&c.Delays.MissingParameters, def.Delays.MissingParameters)
	setDefault(&c.Delays.ExchangeFailure, def.Delays.ExchangeFailure)
	setDefault(&c.Delays.Success, def.Delays.Success)
}

func setDefault[T comparable](dst *T, value T) {
	var zero T
	if *dst == zero {
		*dst = value
	}
}

// sessionDir is where session-lived state goes: ltsession under
// XDG_RUNTIME_DIR when set. The shared temp dir fallback is suffixed with the
// user so another account cannot claim the directory first.
func sessionDir(getenv func(string) string, tempDir string) string {
	if dir := getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "ltsession")
	}
	return filepath.Join(tempDir, "ltsession-"+userSuffix())
}

func userSuffix() string {
	if uid := os.Getuid(); uid >= 0 {
		return strconv.Itoa(uid)
	}
	// No uids on Windows; the temp dir there is per user already.
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "user"
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Storage.Tab.Type {
	case TierTypeMemory, TierTypeFile:
	default:
		return fmt.Errorf("tab tier must be memory or file, got %s", c.Storage.Tab.Type)
	}
	if c.Storage.Tab.Type == TierTypeFile && c.Storage.Tab.File == "" {
		return errors.New("file path required for file tab tier")
	}

	switch c.Storage.Durable.Type {
	case TierTypeFile, TierTypeBolt:
		if c.Storage.Durable.File == "" {
			return errors.New("file path required for file and bolt durable tiers")
		}
	case TierTypeKeyring:
		if c.Storage.Durable.KeyringUser == "" {
			return errors.New("keyring_user required for keyring durable tier")
		}
	case TierTypeEnv:
		if c.Storage.Durable.EnvPrefix == "" {
			return errors.New("env_prefix required for env durable tier")
		}
	case TierTypeMemory:
		return errors.New("durable tier cannot be memory")
	}

	if c.Storage.CodecKey != "" {
		if _, err := c.Storage.NewCodec(); err != nil {
			return err
		}
	}

	return c.Callback.Validate()
}
