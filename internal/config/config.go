package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides: WARDSIM_HTTP_PORT, WARDSIM_AUTH_JWT_SECRET, ...
const EnvPrefix = "WARDSIM"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
type Config struct {
	Database  *DatabaseConfig  `mapstructure:"database" json:"database"`
	HTTP      *HTTPConfig      `mapstructure:"http" json:"http"`
	WebSocket *WebSocketConfig `mapstructure:"websocket" json:"websocket"`
	Auth      *AuthConfig      `mapstructure:"auth" json:"auth"`
	Redis     *RedisConfig     `mapstructure:"redis" json:"redis"`
	Log       *LogConfig       `mapstructure:"log" json:"log"`
	Session   *SessionConfig   `mapstructure:"session" json:"session"`
}

// FUNCTIONAL DISCOVERY: Database configuration supports SQLite optimizations
type DatabaseConfig struct {
	Path    string        `mapstructure:"path" json:"path"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port" json:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	Host         string        `mapstructure:"host" json:"host"`
	// AllowedOrigins feeds both CORS and the WebSocket origin check. "*" allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
}

// FUNCTIONAL DISCOVERY: 30s heartbeat with 60s read deadline tolerates one missed pong
type WebSocketConfig struct {
	PingInterval     time.Duration `mapstructure:"ping_interval" json:"ping_interval"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" json:"handshake_timeout"`
	BufferSize       int           `mapstructure:"buffer_size" json:"buffer_size"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret" json:"-"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" json:"token_ttl"`
	Issuer    string        `mapstructure:"issuer" json:"issuer"`
}

// RedisConfig enables cross-instance fan-out. Disabled means a single in-process bus.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
	Addr     string `mapstructure:"addr" json:"addr"`
	Password string `mapstructure:"password" json:"-"`
	DB       int    `mapstructure:"db" json:"db"`
	Channel  string `mapstructure:"channel" json:"channel"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

type SessionConfig struct {
	ExpiryCheckInterval time.Duration `mapstructure:"expiry_check_interval" json:"expiry_check_interval"`
	// UpdateRate is the sustained trigger_patient_update rate per user, per second.
	UpdateRate  float64 `mapstructure:"update_rate" json:"update_rate"`
	UpdateBurst int     `mapstructure:"update_burst" json:"update_burst"`
}

// FUNCTIONAL DISCOVERY: Production-ready defaults; database on local filesystem,
// HTTP on standard port, WebSocket with 30s heartbeat
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./wardsim.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			Host:           "0.0.0.0",
			AllowedOrigins: []string{"*"},
		},
		WebSocket: &WebSocketConfig{
			PingInterval:     30 * time.Second,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			BufferSize:       100,
		},
		Auth: &AuthConfig{
			TokenTTL: 12 * time.Hour,
			Issuer:   "wardsim",
		},
		Redis: &RedisConfig{
			Addr:    "localhost:6379",
			Channel: "wardsim:events",
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "json",
		},
		Session: &SessionConfig{
			ExpiryCheckInterval: 5 * time.Second,
			UpdateRate:          5,
			UpdateBurst:         10,
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.HandshakeTimeout <= 0 {
		return fmt.Errorf("WebSocket handshake timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Auth == nil {
		return fmt.Errorf("auth configuration is required")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth JWT secret must be at least 16 characters")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth token TTL must be positive")
	}

	if c.Redis == nil {
		return fmt.Errorf("redis configuration is required")
	}
	if c.Redis.Enabled && (c.Redis.Addr == "" || c.Redis.Channel == "") {
		return fmt.Errorf("redis address and channel are required when redis is enabled")
	}

	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}

	if c.Session == nil {
		return fmt.Errorf("session configuration is required")
	}
	if c.Session.ExpiryCheckInterval <= 0 {
		return fmt.Errorf("session expiry check interval must be positive")
	}
	if c.Session.UpdateRate <= 0 || c.Session.UpdateBurst <= 0 {
		return fmt.Errorf("session update rate and burst must be positive")
	}
	return nil
}

// NewViper returns a viper instance carrying every default and reading
// WARDSIM_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())
	setClientDefaults(v, DefaultClientConfig())
	return v
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.timeout", d.Database.Timeout)

	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.allowed_origins", d.HTTP.AllowedOrigins)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.handshake_timeout", d.WebSocket.HandshakeTimeout)
	v.SetDefault("websocket.buffer_size", d.WebSocket.BufferSize)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)
	v.SetDefault("auth.issuer", d.Auth.Issuer)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.channel", d.Redis.Channel)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("session.expiry_check_interval", d.Session.ExpiryCheckInterval)
	v.SetDefault("session.update_rate", d.Session.UpdateRate)
	v.SetDefault("session.update_burst", d.Session.UpdateBurst)
}

// LoadDotEnv loads .env files into the process environment. Variables that
// are already set win. Missing files are ignored.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		_ = godotenv.Load(p)
	}
}

// BindFlags lets command line flags override every other source. Flag
// names use the config key with dots, e.g. --http.port.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	return v.BindPFlags(fs)
}

// FromViper decodes and validates the server configuration.
func FromViper(v *viper.Viper) (*Config, error) {
	config := DefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFromEnv reads defaults overlaid with WARDSIM_* variables.
// It does not validate.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	if err := NewViper().Unmarshal(config); err != nil {
		return DefaultConfig()
	}
	return config
}

// LoadFromFile reads a YAML, JSON or TOML file over the defaults and validates it.
// Environment variables still override the file.
func LoadFromFile(filepath string) (*Config, error) {
	v := NewViper()
	v.SetConfigFile(filepath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	config, err := FromViper(v)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return config, nil
}

// FUNCTIONAL DISCOVERY: Configuration precedence is flags > environment > file > defaults.
// An unreadable file is ignored so environment and defaults still work.
func LoadConfigWithPrecedence(filepath string, fs *pflag.FlagSet) (*Config, error) {
	LoadDotEnv()

	v := NewViper()
	if filepath != "" {
		v.SetConfigFile(filepath)
		_ = v.ReadInConfig()
	}
	if fs != nil {
		if err := BindFlags(v, fs); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}
	return FromViper(v)
}
