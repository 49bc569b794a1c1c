package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/modmail/internal/modmail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
guild_id: "100000000000000001"
log_channel_id: "100000000000000009"
log_url: https://logs.example.com/
main_color: "#00FF00"
error_color: 0xFF0000
thread_auto_close: 12h
thread_cooldown: 90
confirm_thread_creation: true
dm_disabled: new_threads
close_on_leave: false
storage:
  profile: durable-local
  data_dir: /var/lib/modmail
server:
  addr: ":9090"
  max_body_bytes: 2MB
  rate_limit_window: 30s
reconcile:
  cron: "0 * * * *"
`

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, int64(2_000_000), cfg.Server.MaxBodyBytes.Int64())
	assert.Equal(t, 30*time.Second, cfg.Server.RateLimitWindow.Duration())
	assert.Equal(t, 5*time.Minute, cfg.Server.InternalMaxSkew.Duration())
	assert.Equal(t, "modmail.events", cfg.Events.Exchange)
	assert.Equal(t, "0 * * * *", cfg.Reconcile.Cron)

	s, err := cfg.ToSettings()
	require.NoError(t, err)
	defaults := modmail.DefaultSettings()
	assert.Equal(t, "100000000000000001", s.GuildID)
	assert.Equal(t, 0x00FF00, s.MainColor)
	assert.Equal(t, 0xFF0000, s.ErrorColor)
	assert.Equal(t, defaults.ModColor, s.ModColor)
	assert.Equal(t, 12*time.Hour, s.ThreadAutoClose)
	assert.Equal(t, 90*time.Second, s.ThreadCooldown)
	assert.True(t, s.ConfirmThreadCreation)
	assert.False(t, s.CloseOnLeave)
	assert.Equal(t, modmail.DMDisabledNewThreads, s.DMDisabled)
	assert.Equal(t, defaults.ThreadCloseResponse, s.ThreadCloseResponse)
}

func TestValidateRejectsUnknownKeysAndBadValues(t *testing.T) {
	cases := map[string]string{
		"unknown key":   "guild_idd: \"100000000000000001\"\n",
		"bad snowflake": "guild_id: abc\n",
		"bad duration":  "thread_auto_close: soon\n",
		"bad dm level":  "dm_disabled: sometimes\n",
		"bad profile":   "storage:\n  profile: cloud\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, Validate([]byte(raw)))
		})
	}
	assert.NoError(t, Validate([]byte("")))
}

func TestToSettingsRequiresGuild(t *testing.T) {
	_, err := Default().ToSettings()
	assert.ErrorIs(t, err, modmail.ErrInvalidInput)
}

func TestStorageDSNs(t *testing.T) {
	cfg := Default()
	cfg.Storage.Profile = "durable-local"
	cfg.Storage.DataDir = "/data"
	logDSN, stateDSN, err := cfg.StorageDSNs()
	require.NoError(t, err)
	assert.Equal(t, "memory://", logDSN)
	assert.Equal(t, "pebble:///data/state", stateDSN)

	cfg.Storage.Profile = "production"
	_, _, err = cfg.StorageDSNs()
	assert.Error(t, err)

	cfg.Storage.ProductionDSN = "postgres://localhost/modmail"
	cfg.Storage.LogStoreDSN = "mongodb://localhost/modmail"
	logDSN, stateDSN, err = cfg.StorageDSNs()
	require.NoError(t, err)
	assert.Equal(t, "mongodb://localhost/modmail", logDSN)
	assert.Equal(t, "postgres://localhost/modmail", stateDSN)

	cfg.Storage.Profile = "cloud"
	_, _, err = cfg.StorageDSNs()
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"MODMAIL_GUILD_ID":          "100000000000000002",
		"MODMAIL_ADDR":              ":7000",
		"MODMAIL_RATE_LIMIT_MAX":    "40",
		"MODMAIL_THREAD_AUTO_CLOSE": "3600",
		"MODMAIL_MAX_BODY_BYTES":    "512KiB",
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(k string) string { return env[k] }))
	assert.Equal(t, "100000000000000002", cfg.GuildID)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, 40, cfg.Server.RateLimitMax)
	require.NotNil(t, cfg.ThreadAutoClose)
	assert.Equal(t, time.Hour, cfg.ThreadAutoClose.Duration())
	assert.Equal(t, int64(512*1024), cfg.Server.MaxBodyBytes.Int64())

	err := cfg.applyEnv(func(k string) string {
		if k == "MODMAIL_RATE_LIMIT_MAX" {
			return "many"
		}
		return ""
	})
	assert.Error(t, err)
}

func TestLoadReadsDotEnvBesideConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modmail.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_url: https://logs.example.com/\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MODMAIL_GUILD_ID=100000000000000003\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("MODMAIL_GUILD_ID") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "100000000000000003", cfg.GuildID)
	assert.Equal(t, "https://logs.example.com/", cfg.LogURL)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modmail.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mod_tag: Staff\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, nil, func(cfg *Config) { reloaded <- cfg }))

	require.NoError(t, os.WriteFile(path, []byte("mod_tag: Moderator\n"), 0o644))
	select {
	case cfg := <-reloaded:
		assert.Equal(t, "Moderator", cfg.ModTag)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}
