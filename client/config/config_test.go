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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, defaultLogLevel, cfg.LogLevel)
	assert.Equal(t, defaultDataDir, cfg.DataDir)
	assert.Equal(t, defaultReconnectDelay, cfg.Session.ReconnectDelay)
	assert.Equal(t, defaultHealthInterval, cfg.Session.HealthInterval)
	assert.Equal(t, defaultIdleThreshold, cfg.Registry.IdleThreshold)
	assert.Equal(t, defaultCleanupInterval, cfg.Registry.CleanupInterval)
	assert.Equal(t, defaultMaxConnections, cfg.Registry.MaxConnections)
	assert.Equal(t, DefaultWSPaths, cfg.Backend.WSPaths)
	assert.Equal(t, defaultFeedChannel, cfg.Remote.FeedChannel)
	assert.Equal(t, DefaultAllowedOrigins, cfg.API.AllowedOrigins)
	assert.False(t, cfg.DevMode)
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
user_id: "alice"
log_level: "debug"
dev_mode: true
backend:
  http_url: "https://api.example.test"
  ws_url: "wss://rt.example.test"
  ws_paths: ["/a/{channel}", "/b"]
session:
  reconnect_delay: "2s"
registry:
  idle_threshold: "20m"
  max_connections: 4
`), 0o644))

	t.Setenv("GARDEN_LOG_LEVEL", "warn")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.UserID)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.True(t, cfg.DevMode)
	assert.Equal(t, []string{"/a/{channel}", "/b"}, cfg.Backend.WSPaths)
	assert.Equal(t, 2*time.Second, cfg.Session.ReconnectDelay)
	assert.Equal(t, 20*time.Minute, cfg.Registry.IdleThreshold)
	assert.Equal(t, 4, cfg.Registry.MaxConnections)
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("GARDEN_SESSION_RECONNECT_DELAY", "soon")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{UserID: "u"}.Validate())
	assert.NoError(t, Config{UserID: "u", Backend: BackendConfig{WSURL: "ws://x"}}.Validate())
}

func TestPassphraseFetch(t *testing.T) {
	t.Cleanup(func() { getenv = os.Getenv })
	getenv = func(key string) string {
		if key == "CUSTOM_ENV" {
			return " hunter2 "
		}
		return ""
	}

	cfg := Config{Keystore: KeystoreConfig{PassphraseEnv: "CUSTOM_ENV"}}
	pass, err := cfg.Passphrase()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pass)

	cfg.Keystore.PassphraseEnv = "MISSING"
	_, err = cfg.Passphrase()
	assert.Error(t, err)
}
