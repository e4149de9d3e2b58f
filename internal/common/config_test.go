package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	assert.Equal(t, 8085, config.Server.Port)
	assert.Equal(t, 200, config.Crawler.MaxPages)
	assert.Equal(t, 5, config.Crawler.MaxDepth)
	assert.Equal(t, 10*time.Minute, config.Crawler.MaxDuration.Std())
	assert.Equal(t, 20*time.Second, config.Crawler.PageTimeout.Std())
	assert.Equal(t, 10*time.Second, config.Login.SelectorWait.Std())
	assert.Equal(t, 15*time.Second, config.Login.SubmitWait.Std())
	assert.Equal(t, 3, config.Scheduler.MaxConcurrent)
	assert.Equal(t, 1, config.Scheduler.MaxPerBot)
	assert.False(t, config.IsProduction())

	require.NoError(t, config.Validate())
}

func TestLoadFromFiles_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sitescan.toml")
	content := `
[server]
port = 9000

[crawler]
max_pages = 25
page_timeout = "5s"

[scheduler]
max_concurrent = 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, config.Server.Port)
	assert.Equal(t, 25, config.Crawler.MaxPages)
	assert.Equal(t, 5*time.Second, config.Crawler.PageTimeout.Std())
	assert.Equal(t, 2, config.Scheduler.MaxConcurrent)
	// Untouched values keep their defaults
	assert.Equal(t, 5, config.Crawler.MaxDepth)
	assert.Equal(t, "localhost", config.Server.Host)
}

func TestLoadFromFiles_ParsesDurationStrings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sitescan.toml")
	content := `
[crawler]
max_duration = "10m"
page_timeout = "20s"
request_delay = "500ms"

[login]
selector_wait = "10s"

[scheduler]
poll_interval = "1s"
stale_after = "15m"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, config.Crawler.MaxDuration.Std())
	assert.Equal(t, 20*time.Second, config.Crawler.PageTimeout.Std())
	assert.Equal(t, 500*time.Millisecond, config.Crawler.RequestDelay.Std())
	assert.Equal(t, 10*time.Second, config.Login.SelectorWait.Std())
	assert.Equal(t, 1*time.Second, config.Scheduler.PollInterval.Std())
	assert.Equal(t, 15*time.Minute, config.Scheduler.StaleAfter.Std())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Std())

	require.Error(t, d.UnmarshalText([]byte("not a duration")))

	out, err := Duration(2 * time.Minute).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2m0s", string(out))
}

func TestLoadFromFiles_MissingFile(t *testing.T) {
	_, err := LoadFromFiles("/does/not/exist.toml")
	require.Error(t, err)
}

func TestLoadFromFiles_EnvOverrides(t *testing.T) {
	t.Setenv("SITESCAN_PORT", "7777")
	t.Setenv("SITESCAN_LOG_LEVEL", "debug")

	config, err := LoadFromFiles()
	require.NoError(t, err)
	assert.Equal(t, 7777, config.Server.Port)
	assert.Equal(t, "debug", config.Logging.Level)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"zero max_concurrent", func(c *Config) { c.Scheduler.MaxConcurrent = 0 }, true},
		{"zero max_per_bot", func(c *Config) { c.Scheduler.MaxPerBot = 0 }, true},
		{"zero max_pages", func(c *Config) { c.Crawler.MaxPages = 0 }, true},
		{"bad reaper schedule", func(c *Config) { c.Scheduler.ReaperSchedule = "not a cron" }, true},
		{"empty reaper schedule allowed", func(c *Config) { c.Scheduler.ReaperSchedule = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	config := NewDefaultConfig()

	ApplyFlagOverrides(config, 9999, "0.0.0.0")
	assert.Equal(t, 9999, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)

	// Zero values leave config untouched
	ApplyFlagOverrides(config, 0, "")
	assert.Equal(t, 9999, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
}
