package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.PickleSecret = "secret"
	return cfg
}

func TestDefaultIsValidWithSecret(t *testing.T) {
	cfg := Default()
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg.PickleSecret = "secret"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Second, cfg.MissingKeyRetryDelay.Duration)
	assert.Equal(t, 15*time.Minute, cfg.DeviceKeyTTL.Duration)
	assert.Equal(t, 100, cfg.MaxRequestedSessionIDs)
	assert.Equal(t, filepath.Join("groupcrypt-data", DefaultDatabaseName), cfg.ResolveDatabasePath())
}

func TestValidateBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"retry delay too short", func(c *Config) { c.MissingKeyRetryDelay.Duration = time.Millisecond }},
		{"retry delay too long", func(c *Config) { c.MissingKeyRetryDelay.Duration = 2 * time.Hour }},
		{"ttl too short", func(c *Config) { c.DeviceKeyTTL.Duration = time.Second }},
		{"negative respond delay", func(c *Config) { c.SolicitationRespondDelay.Duration = -time.Second }},
		{"too many requested ids", func(c *Config) { c.MaxRequestedSessionIDs = 101 }},
		{"no requested ids", func(c *Config) { c.MaxRequestedSessionIDs = 0 }},
		{"no concurrency", func(c *Config) { c.ShareConcurrency = 0 }},
		{"share budget too long", func(c *Config) { c.ShareMaxElapsed.Duration = time.Hour }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"no location", func(c *Config) { c.DataDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groupcrypt.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
user_id = "alice"
data_dir = "/tmp/alice"
missing_key_retry_delay = "2s"
share_concurrency = 4
high_priority_conversations = ["ops"]
`), 0o600))

	t.Setenv(EnvPickleSecret, "from-env")
	t.Setenv(EnvShareConcurrency, "6")
	t.Setenv(EnvDeviceKeyTTL, "not-a-duration")
	t.Setenv(EnvHighPriority, "ops, support ,")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.UserID)
	assert.Equal(t, "from-env", cfg.PickleSecret)
	assert.Equal(t, 2*time.Second, cfg.MissingKeyRetryDelay.Duration)
	assert.Equal(t, 6, cfg.ShareConcurrency)
	assert.Equal(t, 15*time.Minute, cfg.DeviceKeyTTL.Duration, "unparseable values keep the default")
	assert.Equal(t, []string{"ops", "support"}, cfg.HighPriorityConversations)
	assert.Equal(t, filepath.Join("/tmp/alice", DefaultDatabaseName), cfg.ResolveDatabasePath())
}

func TestLoadRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("missing_key_retry_delay = \"soon\""), 0o600))
	_, err := LoadFile(path)
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestSaveOmitsSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "groupcrypt.toml")
	cfg := validConfig()
	cfg.UserID = "bob"
	cfg.SolicitationRespondDelay.Duration = 3 * time.Second
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", loaded.UserID)
	assert.Equal(t, 3*time.Second, loaded.SolicitationRespondDelay.Duration)
	assert.Empty(t, loaded.PickleSecret)
}
