// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LIVEQUERY_"

// Config holds all configuration settings for the server.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Functions   FunctionsConfig   `toml:"functions"`
	Observables ObservablesConfig `toml:"observables"`
	Auth        AuthConfig        `toml:"auth"`
	Connection  ConnectionConfig  `toml:"connection"`
	Logging     LoggingConfig     `toml:"logging"`
	MCP         MCPConfig         `toml:"mcp"`

	logger *zap.SugaredLogger
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Host              string `toml:"host"`
	Port              int    `toml:"port"`
	WebSocketPath     string `toml:"ws_path"`
	MaxPayloadSize    int64  `toml:"max_payload_size"`
	Compress          bool   `toml:"compress"`
	CompressThreshold int    `toml:"compress_threshold"`
}

// FunctionsConfig holds function registry and worker settings.
type FunctionsConfig struct {
	Dir           string   `toml:"dir"`
	IdleTimeout   Duration `toml:"idle_timeout"`   // 0 = never evict
	SweepInterval Duration `toml:"sweep_interval"` // idle sweep period
	Workers       int      `toml:"workers"`
	HotReload     bool     `toml:"hot_reload"`
}

// ObservablesConfig holds observable registry settings.
type ObservablesConfig struct {
	GracePeriod Duration `toml:"grace_period"`
}

// AuthConfig holds credential validation settings. An empty secret accepts every credential.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
	Audience  string `toml:"audience"`
}

// ConnectionConfig holds per-connection transport settings.
type ConnectionConfig struct {
	OutboundBuffer int      `toml:"outbound_buffer"`
	Backpressure   string   `toml:"backpressure"` // "coalesce", "disconnect"
	WriteTimeout   Duration `toml:"write_timeout"`
	PingInterval   Duration `toml:"ping_interval"`
	RateLimit      float64  `toml:"rate_limit"` // messages per second per IP, 0 = unlimited
	RateBurst      int      `toml:"rate_burst"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`     // "debug", "info", "warn", "error"
	Format    string `toml:"format"`    // "console", "json"
	Verbosity int    `toml:"verbosity"` // 0=lifecycle, 1=connections, 2=messages, 3=updates, 4=values
}

// MCPConfig holds the admin surface settings.
type MCPConfig struct {
	Enabled bool `toml:"enabled"`
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			WebSocketPath:     "/ws",
			MaxPayloadSize:    1 << 20,
			Compress:          true,
			CompressThreshold: 150,
		},
		Functions: FunctionsConfig{
			Dir:           "functions/",
			IdleTimeout:   Duration(20 * time.Second),
			SweepInterval: Duration(3 * time.Second),
			Workers:       4,
			HotReload:     true,
		},
		Observables: ObservablesConfig{
			GracePeriod: Duration(3 * time.Second),
		},
		Connection: ConnectionConfig{
			OutboundBuffer: 256,
			Backpressure:   "coalesce",
			WriteTimeout:   Duration(10 * time.Second),
			PingInterval:   Duration(30 * time.Second),
			RateLimit:      0,
			RateBurst:      100,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "console",
			Verbosity: 0,
		},
	}
}

// BindFlags registers the server flags on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "livequery.toml", "TOML configuration file")
	fs.String("host", "", "Listen address")
	fs.Int("port", 0, "Listen port")
	fs.String("functions", "", "Lua functions directory")
	fs.Duration("idle-timeout", 0, "Idle timeout for installed functions")
	fs.Duration("grace-period", 0, "Delay before an unobserved value is torn down")
	fs.String("jwt-secret", "", "HMAC secret for bearer credentials")
	fs.String("backpressure", "", "Slow connection policy: coalesce, disconnect")
	fs.Float64("rate-limit", 0, "Messages per second per client address")
	fs.Bool("no-hot-reload", false, "Disable function hot reload")
	fs.Bool("mcp", false, "Serve the MCP admin surface on stdio")
	fs.String("log-level", "", "Log level: debug, info, warn, error")
	fs.String("log-format", "", "Log format: console, json")
	fs.CountP("verbose", "v", "Verbosity level (use -v, -vv, or -vvv)")
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(fs *pflag.FlagSet) (*Config, error) {
	cfg := DefaultConfig()

	path, _ := fs.GetString("config")
	if path != "" {
		if err := cfg.loadTOML(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyFlags(fs)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv(getenv func(string) string) {
	env := func(name string) string { return getenv(EnvPrefix + name) }
	if v := env("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := env("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := env("FUNCTIONS"); v != "" {
		c.Functions.Dir = v
	}
	if v := env("IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Functions.IdleTimeout = Duration(d)
		}
	}
	if v := env("GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Observables.GracePeriod = Duration(d)
		}
	}
	if v := env("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := env("BACKPRESSURE"); v != "" {
		c.Connection.Backpressure = v
	}
	if v := env("RATE_LIMIT"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			c.Connection.RateLimit = r
		}
	}
	if v := env("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := env("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := env("VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// applyFlags applies flags the user actually set.
func (c *Config) applyFlags(fs *pflag.FlagSet) {
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "host":
			c.Server.Host, _ = fs.GetString("host")
		case "port":
			c.Server.Port, _ = fs.GetInt("port")
		case "functions":
			c.Functions.Dir, _ = fs.GetString("functions")
		case "idle-timeout":
			d, _ := fs.GetDuration("idle-timeout")
			c.Functions.IdleTimeout = Duration(d)
		case "grace-period":
			d, _ := fs.GetDuration("grace-period")
			c.Observables.GracePeriod = Duration(d)
		case "jwt-secret":
			c.Auth.JWTSecret, _ = fs.GetString("jwt-secret")
		case "backpressure":
			c.Connection.Backpressure, _ = fs.GetString("backpressure")
		case "rate-limit":
			c.Connection.RateLimit, _ = fs.GetFloat64("rate-limit")
		case "no-hot-reload":
			off, _ := fs.GetBool("no-hot-reload")
			c.Functions.HotReload = !off
		case "mcp":
			c.MCP.Enabled, _ = fs.GetBool("mcp")
		case "log-level":
			c.Logging.Level, _ = fs.GetString("log-level")
		case "log-format":
			c.Logging.Format, _ = fs.GetString("log-format")
		case "verbose":
			c.Logging.Verbosity, _ = fs.GetCount("verbose")
		}
	})
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Connection.Backpressure) {
	case "coalesce", "disconnect":
	default:
		return fmt.Errorf("config: unknown backpressure policy %q", c.Connection.Backpressure)
	}
	if c.Connection.OutboundBuffer <= 0 {
		return fmt.Errorf("config: outbound_buffer must be positive")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.Functions.SweepInterval <= 0 {
		return fmt.Errorf("config: sweep_interval must be positive")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SetLogger sets the logger used by Log.
func (c *Config) SetLogger(l *zap.Logger) {
	c.logger = l.Sugar()
}

// Log writes a trace message when level is within the configured verbosity.
func (c *Config) Log(level int, format string, args ...any) {
	if c.logger == nil || level > c.Logging.Verbosity {
		return
	}
	c.logger.Infof(format, args...)
}

// Verbosity returns the configured verbosity level (0-4).
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}
