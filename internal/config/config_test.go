package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  busy_timeout: 2s
scheduler:
  enabled: true
  timezone: Europe/Berlin
telegram:
  enabled: true
  token: ${ASSISTD_TEST_TOKEN}
  chat_id: 42
notifications:
  expire_sweep: 1m
  preferences:
    quiet_hours: {enabled: true, start: "22:00", end: "07:00"}
    channels:
      critical: [push, sms]
feeds:
  - name: news
    url: https://example.com/feed.xml
    interval: 10m
`

func TestParseYAMLAndEnv(t *testing.T) {
	t.Setenv("ASSISTD_TEST_TOKEN", "secret-token")

	cfg, err := ParseBytes("assistd.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "Europe/Berlin", cfg.Scheduler.Timezone)
	assert.Equal(t, "secret-token", cfg.Telegram.Token)
	assert.Equal(t, int64(42), cfg.Telegram.ChatID)
	require.NotNil(t, cfg.Notifications.Preferences)
	assert.Equal(t, "22:00", cfg.Notifications.Preferences.QuietHours.Start)
	assert.Equal(t, []string{"push", "sms"}, cfg.Notifications.Preferences.Channels["critical"])
	require.Len(t, cfg.Feeds, 1)
	assert.Equal(t, "10m", cfg.Feeds[0].Interval)
}

func TestParseIsStrict(t *testing.T) {
	_, err := ParseBytes("assistd.json", []byte(`{"logging":{"level":"info"},"bogus":1}`))
	require.Error(t, err)

	_, err = ParseBytes("assistd.json", []byte(`{"logging":{}} {"logging":{}}`))
	require.Error(t, err)

	_, err = ParseBytes("assistd.yaml", []byte("scheduler:\n  enabeld: true\n"))
	require.Error(t, err)

	cfg, err := ParseBytes("assistd.yml", []byte(""))
	require.NoError(t, err)
	assert.Nil(t, cfg.Storage)
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assistd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o600))

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ok, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "unchanged content is not republished")

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600))
	ok, err = m.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	got := <-sub
	assert.Equal(t, "debug", got.Logging.Level)
	assert.Equal(t, "debug", m.Get().Logging.Level)

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "trace" {
			return errors.New("no trace")
		}
		return nil
	})
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"trace"}}`), 0o600))
	ok, err = m.Reload(context.Background())
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, "debug", m.Get().Logging.Level, "rejected config is not committed")
}

func TestPublishKeepsLatest(t *testing.T) {
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	m.publish(&Config{Logging: LoggingConfig{Level: "info"}})
	m.publish(&Config{Logging: LoggingConfig{Level: "warn"}})
	got := <-sub
	assert.Equal(t, "warn", got.Logging.Level)

	m.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open)
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{HTTP: HTTPConfig{Enabled: true, Token: "a"}}
	newCfg := &Config{
		HTTP:     HTTPConfig{Enabled: true, Token: "b"},
		Feeds:    []FeedConfig{{Name: "n", URL: "u"}},
		Notifier: ptr(DefaultNotifier()),
	}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"feeds", "http"}, changed, "an explicit default notifier section is not a change")
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"feeds", "http"}, RestartRequired(changed))

	changed, _ = SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, changed)
}

func TestDurationsAndClock(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, d)

	_, err = ParseDurationField("x", "-1s")
	require.Error(t, err)
	_, err = ParseDurationField("x", "soon")
	require.Error(t, err)

	require.NoError(t, ParseHHMM("x", "07:30"))
	require.Error(t, ParseHHMM("x", "25:00"))

	_, err = LoadLocation("tz", "Mars/Base")
	require.Error(t, err)
}

func TestDefaultStoragePath(t *testing.T) {
	assert.Equal(t, filepath.Join(DataDir(), "state.db"), DefaultStoragePath("sqlite"))
	assert.Equal(t, filepath.Join(DataDir(), "badger"), DefaultStoragePath("BADGER"))
	assert.Empty(t, DefaultStoragePath("redis"))
}

func ptr[T any](v T) *T { return &v }
