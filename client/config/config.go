// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the engine runtime parameters.
type Config struct {
	UserID    string `mapstructure:"user_id"`
	AuthToken string `mapstructure:"auth_token"`
	LogLevel  string `mapstructure:"log_level"`
	DevMode   bool   `mapstructure:"dev_mode"`
	DataDir   string `mapstructure:"data_dir"`

	Keystore KeystoreConfig `mapstructure:"keystore"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Session  SessionConfig  `mapstructure:"session"`
	Registry RegistryConfig `mapstructure:"registry"`
	API      APIConfig      `mapstructure:"api"`
}

// KeystoreConfig names the environment variable holding the passphrase that
// unlocks the device key store.
type KeystoreConfig struct {
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

type BackendConfig struct {
	HTTPURL          string   `mapstructure:"http_url"`
	AlternateHTTPURL string   `mapstructure:"alternate_http_url"`
	WSURL            string   `mapstructure:"ws_url"`
	WSPaths          []string `mapstructure:"ws_paths"`
}

// RemoteConfig points at the authority's row store and change feed. Either
// may be empty, in which case the engine runs without that collaborator.
type RemoteConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
	RedisAddr   string `mapstructure:"redis_addr"`
	FeedChannel string `mapstructure:"feed_channel"`
}

type SessionConfig struct {
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

type RegistryConfig struct {
	IdleThreshold   time.Duration `mapstructure:"idle_threshold"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxConnections  int           `mapstructure:"max_connections"`
}

type APIConfig struct {
	Listen         string   `mapstructure:"listen"`
	Token          string   `mapstructure:"token"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

const (
	defaultLogLevel        = "info"
	defaultDataDir         = "data"
	defaultPassphraseEnv   = "GARDEN_KEYSTORE_PASSPHRASE"
	defaultFeedChannel     = "garden:changes:messages"
	defaultReconnectDelay  = 5 * time.Second
	defaultHealthInterval  = 10 * time.Second
	defaultIdleThreshold   = 15 * time.Minute
	defaultCleanupInterval = 5 * time.Minute
	defaultMaxConnections  = 32
	defaultAPIListen       = "127.0.0.1:8082"
)

// DefaultWSPaths are the candidate live-transport path shapes, tried in order.
// "{channel}" is replaced with the escaped channel id.
var DefaultWSPaths = []string{
	"/ws/channels/{channel}",
	"/functions/v1/messaging/{channel}",
	"/ws",
}

// DefaultAllowedOrigins are the UI origins the local API answers CORS for.
var DefaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
}

var durationKeys = map[string]time.Duration{
	"session.reconnect_delay":   defaultReconnectDelay,
	"session.health_interval":   defaultHealthInterval,
	"registry.idle_threshold":   defaultIdleThreshold,
	"registry.cleanup_interval": defaultCleanupInterval,
}

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with GARDEN_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GARDEN")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("user_id", "")
	v.SetDefault("auth_token", "")
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("dev_mode", false)
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("keystore.passphrase_env", defaultPassphraseEnv)
	v.SetDefault("backend.http_url", "")
	v.SetDefault("backend.alternate_http_url", "")
	v.SetDefault("backend.ws_url", "")
	v.SetDefault("backend.ws_paths", DefaultWSPaths)
	v.SetDefault("remote.database_url", "")
	v.SetDefault("remote.redis_addr", "")
	v.SetDefault("remote.feed_channel", defaultFeedChannel)
	v.SetDefault("registry.max_connections", defaultMaxConnections)
	v.SetDefault("api.listen", defaultAPIListen)
	v.SetDefault("api.token", "")
	v.SetDefault("api.allowed_origins", DefaultAllowedOrigins)
	for key, def := range durationKeys {
		v.SetDefault(key, def.String())
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Durations may arrive as strings from env or file; normalize them here.
	for key := range durationKeys {
		dur, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		switch key {
		case "session.reconnect_delay":
			cfg.Session.ReconnectDelay = dur
		case "session.health_interval":
			cfg.Session.HealthInterval = dur
		case "registry.idle_threshold":
			cfg.Registry.IdleThreshold = dur
		case "registry.cleanup_interval":
			cfg.Registry.CleanupInterval = dur
		}
	}

	if len(cfg.Backend.WSPaths) == 0 {
		cfg.Backend.WSPaths = append([]string(nil), DefaultWSPaths...)
	}
	if cfg.Registry.MaxConnections <= 0 {
		cfg.Registry.MaxConnections = defaultMaxConnections
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = defaultPassphraseEnv
	}

	return cfg, nil
}

// Validate checks the fields the engine cannot run without.
func (c Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.Backend.HTTPURL == "" && c.Backend.WSURL == "" {
		return fmt.Errorf("backend.http_url or backend.ws_url is required")
	}
	return nil
}

// Passphrase fetches the keystore passphrase from the configured environment variable.
func (c Config) Passphrase() (string, error) {
	env := c.Keystore.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("keystore passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
