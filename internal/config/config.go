// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the prefix for environment overrides.
const envPrefix = "LLMGATEWAY_"

// Config is the top-level configuration for the gateway.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Log       LogConfig                 `koanf:"log"`
	Catalog   CatalogConfig             `koanf:"catalog"`
	Auth      AuthConfig                `koanf:"auth"`
	Upstream  UpstreamConfig            `koanf:"upstream"`
	Fetch     FetchConfig               `koanf:"fetch"`
	Video     VideoConfig               `koanf:"video"`
	Redis     RedisConfig               `koanf:"redis"`
	Providers map[string]ProviderConfig `koanf:"providers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

// CatalogConfig points at the model catalog. An empty path means the
// catalog embedded in the binary.
type CatalogConfig struct {
	Path string `koanf:"path"`
}

// AuthConfig maps gateway API keys to organization ids. With no keys
// configured, any bearer token is accepted as the "default" org.
type AuthConfig struct {
	Keys map[string]string `koanf:"keys"`
}

// UpstreamConfig bounds upstream HTTP calls.
type UpstreamConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

// FetchConfig controls image fetching for vision requests.
type FetchConfig struct {
	Timeout      time.Duration `koanf:"timeout"`
	MaxBytes     int64         `koanf:"max_bytes"`
	AllowHosts   []string      `koanf:"allow_hosts"`
	AllowPrivate bool          `koanf:"allow_private"`
}

// VideoConfig controls the video job poll loop.
type VideoConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	Timeout      time.Duration `koanf:"timeout"`
}

// RedisConfig configures the usage log stream and live routing stats.
// An empty Addr disables both.
type RedisConfig struct {
	Addr         string        `koanf:"addr"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	LogStream    string        `koanf:"log_stream"`
	StatsPrefix  string        `koanf:"stats_prefix"`
	StatsRefresh time.Duration `koanf:"stats_refresh"`
}

// ProviderConfig holds credentials and endpoint overrides for one provider
// id from the catalog.
type ProviderConfig struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`

	// OrgKeys overrides APIKey for specific organizations.
	OrgKeys map[string]string `koanf:"org_keys"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, applies defaults and returns a validated Config. An
// empty path skips the file and uses defaults plus environment only.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Any env var starting with LLMGATEWAY_ overrides a config value:
	//   LLMGATEWAY_SERVER_PORT       -> server.port
	//   LLMGATEWAY_REDIS_LOG__STREAM -> redis.log_stream
	// A double underscore stands for a literal underscore in a key name.
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.expandSecrets()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	s = strings.ReplaceAll(s, "__", "\x00")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "\x00", "_")
}

// expandSecrets resolves ${VAR_NAME} placeholders. koanf doesn't do this
// automatically, so secrets are looked up with os.Getenv.
func (c *Config) expandSecrets() {
	for name, p := range c.Providers {
		p.APIKey = expand(p.APIKey)
		for org, key := range p.OrgKeys {
			p.OrgKeys[org] = expand(key)
		}
		c.Providers[name] = p // write back into the map
	}
	c.Redis.Password = expand(c.Redis.Password)
}

func expand(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// Streams and video jobs hold the connection open for a while.
		c.Server.WriteTimeout = 15 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 10 * time.Minute
	}
	if c.Fetch.Timeout == 0 {
		c.Fetch.Timeout = 10 * time.Second
	}
	if c.Fetch.MaxBytes == 0 {
		c.Fetch.MaxBytes = 20 << 20
	}
	if c.Video.PollInterval == 0 {
		c.Video.PollInterval = 5 * time.Second
	}
	if c.Video.Timeout == 0 {
		c.Video.Timeout = 10 * time.Minute
	}
	if c.Redis.LogStream == "" {
		c.Redis.LogStream = "llmgateway:logs"
	}
	if c.Redis.StatsPrefix == "" {
		c.Redis.StatsPrefix = "llmgateway:stats:"
	}
	if c.Redis.StatsRefresh == 0 {
		c.Redis.StatsRefresh = 30 * time.Second
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.Video.PollInterval > c.Video.Timeout {
		return fmt.Errorf("video.poll_interval (%s) exceeds video.timeout (%s)", c.Video.PollInterval, c.Video.Timeout)
	}
	return nil
}
