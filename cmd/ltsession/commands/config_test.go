package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/learntrack/ltsession/internal/app"
)

const testConfigTOML = `
log_level = "debug"
log_format = "json"

[server]
port = 4100

[backend]
base_url = "https://api.learntrack.example/v1"
timeout = "10s"

[storage]
access_token_lifetime = "20m"

[storage.tab]
type = "memory"

[storage.durable]
type = "bolt"
file = "%s"

[callback]
providers = ["github"]

[callback.routes]
dashboard = "/home"
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ltsession.toml")
	content := []byte(fmt.Sprintf(testConfigTOML, filepath.Join(dir, "credentials.db")))
	require.NoError(t, os.WriteFile(path, content, 0600))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t), nil, func() []string { return nil })
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, app.LogFormatJSON, cfg.LogFormat)
	assert.Equal(t, uint16(4100), cfg.Server.Port)
	assert.Equal(t, "http://127.0.0.1:4100", cfg.Server.PublicURL)
	assert.Equal(t, "https://api.learntrack.example/v1", cfg.Backend.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 20*time.Minute, cfg.Storage.AccessTokenLifetime)
	assert.Equal(t, app.TierTypeMemory, cfg.Storage.Tab.Type)
	assert.Equal(t, app.TierTypeBolt, cfg.Storage.Durable.Type)
	assert.Equal(t, []string{"github"}, cfg.Callback.Providers)
	assert.Equal(t, "/home", cfg.Callback.Routes.Dashboard)
	assert.Equal(t, "/onboarding", cfg.Callback.Routes.Onboarding)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	environ := func() []string {
		return []string{
			"LTSESSION_SERVER__PORT=4200",
			"LTSESSION_BACKEND__BASE_URL=https://staging.learntrack.example",
			"LTSESSION_STORAGE__KEY_PREFIX=lt_test_",
			"UNRELATED=1",
		}
	}

	cfg, err := loadConfig(writeConfig(t), nil, environ)
	require.NoError(t, err)

	assert.Equal(t, uint16(4200), cfg.Server.Port)
	assert.Equal(t, "https://staging.learntrack.example", cfg.Backend.BaseURL)
	assert.Equal(t, "lt_test_", cfg.Storage.KeyPrefix)
	assert.Equal(t, app.LogFormatJSON, cfg.LogFormat)
}

func TestLoadConfigFlagsOverrideEnv(t *testing.T) {
	path := writeConfig(t)
	environ := func() []string { return []string{"LTSESSION_SERVER__PORT=4200"} }

	var got *app.Config
	cmd := &cli.Command{
		Name:  "ltsession",
		Flags: []cli.Flag{&cli.StringFlag{Name: "config"}},
		Commands: []*cli.Command{{
			Name:  "start",
			Flags: serverFlags(),
			Action: func(ctx context.Context, cmd *cli.Command) error {
				var err error
				got, err = loadConfig(cmd.String("config"), cmd, environ)
				return err
			},
		}},
	}

	err := cmd.Run(context.Background(), []string{"ltsession", "--config", path, "start", "--server--port", "4300"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint16(4300), got.Server.Port)
	assert.Equal(t, "https://api.learntrack.example/v1", got.Backend.BaseURL)
}

func TestLoadConfigInvalid(t *testing.T) {
	environ := func() []string { return []string{"LTSESSION_LOG_FORMAT=xml"} }
	_, err := loadConfig(writeConfig(t), nil, environ)
	require.Error(t, err)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.toml"), nil, func() []string { return nil })
	require.Error(t, err)
}

func TestLoadConfigEnvProviderList(t *testing.T) {
	environ := func() []string {
		return []string{"LTSESSION_CALLBACK__PROVIDERS=google, github,"}
	}
	cfg, err := loadConfig(writeConfig(t), nil, environ)
	require.NoError(t, err)
	assert.Equal(t, []string{"google", "github"}, cfg.Callback.Providers)
}

func TestEnvKey(t *testing.T) {
	key, value := envKey("LTSESSION_STORAGE__DURABLE__KEYRING_USER", "ada")
	assert.Equal(t, "storage.durable.keyring_user", key)
	assert.Equal(t, "ada", value)
}
