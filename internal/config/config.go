// Package config loads and validates solver configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/turnstile-solver/internal/solver"
)

// Result backends accepted by results.backend.
const (
	BackendFile     = "file"
	BackendGCS      = "gcs"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Results   ResultsConfig   `mapstructure:"results"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Debug     bool            `mapstructure:"debug"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port" validate:"min=1,max=65535"`
}

// Addr returns host:port for net/http.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BrowserConfig configures the browser pool.
type BrowserConfig struct {
	Type      string   `mapstructure:"type" validate:"oneof=chromium firefox webkit"`
	Headless  bool     `mapstructure:"headless"`
	UserAgent string   `mapstructure:"user_agent"`
	Threads   int      `mapstructure:"threads" validate:"gt=0"`
	Args      []string `mapstructure:"args"`
	ExecPath  string   `mapstructure:"exec_path"`
}

// Engine returns the configured automation engine kind.
func (b BrowserConfig) Engine() solver.EngineKind {
	return solver.EngineKind(b.Type)
}

// ProxyConfig toggles per-task proxy selection.
type ProxyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	File    string `mapstructure:"file"`
}

// ResultsConfig selects and configures the result store backend.
type ResultsConfig struct {
	Backend       string `mapstructure:"backend" validate:"oneof=file gcs memory postgres redis"`
	Path          string `mapstructure:"path"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	GCSObject     string `mapstructure:"gcs_object"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	PostgresTable string `mapstructure:"postgres_table"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" validate:"min=0"`
	RedisKey      string `mapstructure:"redis_key"`
}

// PubSubConfig holds metadata for resolution notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig controls the task lifecycle event hub.
type ProgressConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	BufferSize int  `mapstructure:"buffer_size" validate:"min=0"`
}

// RateLimitConfig throttles submissions per target site. A zero RPS disables it.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps" validate:"min=0"`
	Burst int     `mapstructure:"burst" validate:"min=0"`
}

// TelemetryConfig names the service in traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// flagKeys maps command line flag names onto config keys.
var flagKeys = map[string]string{
	"host":         "server.host",
	"port":         "server.port",
	"headless":     "browser.headless",
	"useragent":    "browser.user_agent",
	"browser-type": "browser.type",
	"thread":       "browser.threads",
	"proxy":        "proxy.enabled",
	"debug":        "debug",
}

// Load builds a Config from defaults, an optional file, the environment and
// any flags the caller set. Flags win over everything else.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SOLVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 5000)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("browser.type", "chromium")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.threads", 1)
	v.SetDefault("browser.args", []string{})
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.file", "proxies.txt")
	v.SetDefault("results.backend", BackendFile)
	v.SetDefault("results.path", "results.json")
	v.SetDefault("results.gcs_object", "results.json")
	v.SetDefault("results.postgres_table", "turnstile_results")
	v.SetDefault("results.redis_db", 0)
	v.SetDefault("results.redis_key", "turnstile:results")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("rate_limit.rps", 0)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("telemetry.service_name", "turnstile-solver")
	v.SetDefault("debug", false)
}

var validate = validator.New()

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Browser.Headless && c.Browser.Engine().RequiresUserAgent() && c.Browser.UserAgent == "" {
		return fmt.Errorf("browser.user_agent must be set when running %s headless", c.Browser.Type)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Results.Backend {
	case BackendFile:
		if c.Results.Path == "" {
			return fmt.Errorf("results.path must be set for the file backend")
		}
	case BackendGCS:
		if c.Results.GCSBucket == "" || c.Results.GCSObject == "" {
			return fmt.Errorf("results.gcs_bucket and results.gcs_object must be set for the gcs backend")
		}
	case BackendPostgres:
		if c.Results.PostgresDSN == "" {
			return fmt.Errorf("results.postgres_dsn must be set for the postgres backend")
		}
	case BackendRedis:
		if c.Results.RedisAddr == "" {
			return fmt.Errorf("results.redis_addr must be set for the redis backend")
		}
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Proxy.Enabled && c.Proxy.File == "" {
		return fmt.Errorf("proxy.file must be set when proxies are enabled")
	}
	return nil
}
