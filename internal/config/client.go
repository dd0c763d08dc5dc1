package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// ClientConfig configures the wardwatch client SDK and CLI.
type ClientConfig struct {
	ServerURL string `mapstructure:"server_url" json:"server_url"`
	// Namespace is "global" (/ws) or "ward" (/ws/ward).
	Namespace    string        `mapstructure:"namespace" json:"namespace"`
	Token        string        `mapstructure:"token" json:"-"`
	WardID       string        `mapstructure:"ward_id" json:"ward_id"`
	CacheBackend string        `mapstructure:"cache_backend" json:"cache_backend"`
	TickInterval time.Duration `mapstructure:"tick_interval" json:"tick_interval"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" json:"fetch_timeout"`
	Redis        *RedisConfig  `mapstructure:"redis" json:"redis"`
	Log          *LogConfig    `mapstructure:"log" json:"log"`
}

// Cache backends
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// DefaultClientConfig targets a server on localhost.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ServerURL:    "http://localhost:8080",
		Namespace:    "ward",
		CacheBackend: CacheMemory,
		TickInterval: time.Second,
		FetchTimeout: 10 * time.Second,
		Redis: &RedisConfig{
			Addr: "localhost:6379",
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func setClientDefaults(v *viper.Viper, d *ClientConfig) {
	v.SetDefault("client.server_url", d.ServerURL)
	v.SetDefault("client.namespace", d.Namespace)
	v.SetDefault("client.token", d.Token)
	v.SetDefault("client.ward_id", d.WardID)
	v.SetDefault("client.cache_backend", d.CacheBackend)
	v.SetDefault("client.tick_interval", d.TickInterval)
	v.SetDefault("client.fetch_timeout", d.FetchTimeout)
	v.SetDefault("client.redis.addr", d.Redis.Addr)
	v.SetDefault("client.redis.password", d.Redis.Password)
	v.SetDefault("client.redis.db", d.Redis.DB)
	v.SetDefault("client.log.level", d.Log.Level)
	v.SetDefault("client.log.format", d.Log.Format)
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server URL must be an absolute http(s) URL")
	}
	if c.Namespace != "global" && c.Namespace != "ward" {
		return fmt.Errorf("namespace must be global or ward")
	}
	if c.CacheBackend != CacheMemory && c.CacheBackend != CacheRedis {
		return fmt.Errorf("cache backend must be memory or redis")
	}
	if c.CacheBackend == CacheRedis && (c.Redis == nil || c.Redis.Addr == "") {
		return fmt.Errorf("redis address is required for the redis cache backend")
	}
	if c.TickInterval <= 0 || c.FetchTimeout <= 0 {
		return fmt.Errorf("tick interval and fetch timeout must be positive")
	}
	return nil
}

// ClientFromViper reads the "client.*" keys and validates them. Keys are read
// one by one so environment and flag overrides of nested keys apply.
func ClientFromViper(v *viper.Viper) (*ClientConfig, error) {
	config := &ClientConfig{
		ServerURL:    v.GetString("client.server_url"),
		Namespace:    v.GetString("client.namespace"),
		Token:        v.GetString("client.token"),
		WardID:       v.GetString("client.ward_id"),
		CacheBackend: v.GetString("client.cache_backend"),
		TickInterval: v.GetDuration("client.tick_interval"),
		FetchTimeout: v.GetDuration("client.fetch_timeout"),
		Redis: &RedisConfig{
			Addr:     v.GetString("client.redis.addr"),
			Password: v.GetString("client.redis.password"),
			DB:       v.GetInt("client.redis.db"),
		},
		Log: &LogConfig{
			Level:  v.GetString("client.log.level"),
			Format: v.GetString("client.log.format"),
		},
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
