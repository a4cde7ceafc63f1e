// Package config loads the arbiter configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/mitchellh/mapstructure"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the root of arbiter.yaml.
type Config struct {
	Log      LogConfig       `mapstructure:"log"`
	HTTP     HTTPConfig      `mapstructure:"http"`
	Redis    RedisConfig     `mapstructure:"redis"`
	Audit    AuditConfig     `mapstructure:"audit"`
	Channels []ChannelConfig `mapstructure:"channels"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// HTTPConfig configures the HTTP server. Sessions created over HTTP that see no
// request for SessionIdleTimeout are closed; zero keeps them until DELETE.
type HTTPConfig struct {
	Addr               string        `mapstructure:"addr"`
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
}

// RedisConfig enables the Redis frame store when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// AuditConfig selects the audit log: PostgresDSN wins over SQLitePath; with
// neither the log is kept in memory, bounded by MemoryRetention records per channel.
type AuditConfig struct {
	SQLitePath      string `mapstructure:"sqlite_path"`
	PostgresDSN     string `mapstructure:"postgres_dsn"`
	MemoryRetention int    `mapstructure:"memory_retention"`
}

type ChannelConfig struct {
	Name string `mapstructure:"name"`
	Kind string `mapstructure:"kind"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log:  LogConfig{Level: "info"},
		HTTP: HTTPConfig{Addr: ":8080", SessionIdleTimeout: 10 * time.Minute},
		Audit: AuditConfig{MemoryRetention: 1024},
		Redis: RedisConfig{
			Prefix:  "arbiter:",
			LockTTL: 30 * time.Second,
		},
	}
}

// Load reads a YAML or JSON file on top of the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data, strings.ToLower(filepath.Ext(path)))
}

// Parse decodes data on top of the defaults. ext selects JSON (".json", ".jsonc",
// comments and trailing commas allowed) or YAML.
// Scalars are weakly typed, so `db: "2"` or `lock_ttl: 10s` both decode.
func Parse(data []byte, ext string) (Config, error) {
	raw := map[string]any{}
	if ext == ".json" || ext == ".jsonc" {
		if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks channel declarations.
func (c Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("%w: channels[%d] has no name", domain.ErrValidation, i)
		}
		if _, dup := seen[ch.Name]; dup {
			return fmt.Errorf("%w: channel %q declared twice", domain.ErrValidation, ch.Name)
		}
		seen[ch.Name] = struct{}{}
		if _, ok := domain.NewChannel(domain.ChannelKey(ch.Name), ch.Kind); !ok {
			return fmt.Errorf("%w: channel %q has unknown kind %q", domain.ErrValidation, ch.Name, ch.Kind)
		}
	}
	return nil
}

// BuildChannels converts the declarations into channel values.
func (c Config) BuildChannels() []domain.Channel {
	out := make([]domain.Channel, 0, len(c.Channels))
	for _, decl := range c.Channels {
		if ch, ok := domain.NewChannel(domain.ChannelKey(decl.Name), decl.Kind); ok {
			out = append(out, ch)
		}
	}
	return out
}
