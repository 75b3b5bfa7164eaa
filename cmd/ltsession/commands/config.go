package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/learntrack/ltsession/internal/app"
)

// envPrefix namespaces configuration variables. Double underscores nest:
// LTSESSION_STORAGE__DURABLE__TYPE sets storage.durable.type.
const envPrefix = "LTSESSION_"

// listKeys are config keys whose environment value is a comma-separated list.
var listKeys = map[string]bool{
	"callback.providers": true,
}

// source is one configuration layer. Later layers override earlier ones.
type source struct {
	name     string
	provider koanf.Provider
	parser   koanf.Parser
}

// discoverConfig returns the per-user config file if one exists.
func discoverConfig() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(dir, "ltsession", "config.toml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// loadConfig layers the config file, LTSESSION_ environment variables and
// explicitly set CLI flags, then applies defaults and validates the result.
func loadConfig(configPath string, cmd *cli.Command, environ func() []string) (*app.Config, error) {
	var sources []source
	if configPath != "" {
		sources = append(sources, source{name: "config file", provider: file.Provider(configPath), parser: toml.Parser()})
	}
	sources = append(sources, source{
		name: "environment",
		provider: env.Provider(".", env.Opt{
			Prefix:        envPrefix,
			TransformFunc: envKey,
			EnvironFunc:   environ,
		}),
	})
	if cmd != nil {
		sources = append(sources, source{name: "flags", provider: confmap.Provider(flagValues(cmd), ".")})
	}

	k := koanf.New(".")
	for _, src := range sources {
		if err := k.Load(src.provider, src.parser); err != nil {
			return nil, fmt.Errorf("loading %s: %w", src.name, err)
		}
	}

	cfg := &app.Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKey maps LTSESSION_BACKEND__BASE_URL to backend.base_url.
func envKey(name, value string) (string, any) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(name, envPrefix), "__", "."))
	if listKeys[key] {
		var items []string
		for item := range strings.SplitSeq(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return key, items
	}
	return key, value
}

// flagValues collects the flags set on the command line, including those of
// parent commands, keyed like the config: --server--public-url becomes
// server.public_url. Unset flags are left out so their defaults never
// override the file or environment.
func flagValues(cmd *cli.Command) map[string]any {
	values := make(map[string]any)
	for _, name := range cmd.FlagNames() {
		if !cmd.IsSet(name) {
			continue
		}
		value := cmd.Value(name)
		if value == nil {
			continue
		}
		key := strings.ReplaceAll(strings.ReplaceAll(name, "--", "."), "-", "_")
		values[key] = value
	}
	return values
}
