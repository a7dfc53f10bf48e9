package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistd/internal/calendar"
	"assistd/internal/condition"
	"assistd/internal/config"
	"assistd/internal/notifications"
	"assistd/internal/rules"
)

func TestValidate(t *testing.T) {
	ok := &config.Config{Scheduler: config.SchedulerConfig{Enabled: true, Timezone: "UTC"}}
	require.NoError(t, Validate(ok))

	cases := map[string]*config.Config{
		"storage driver":   {Storage: &config.StorageConfig{Driver: "mongo"}},
		"redis addr":       {Storage: &config.StorageConfig{Driver: "redis"}},
		"timezone":         {Scheduler: config.SchedulerConfig{Timezone: "Nowhere/Land"}},
		"engine disabled":  {Scheduler: config.SchedulerConfig{Enabled: true}, TaskEngine: &config.TaskEngineConfig{Enabled: ptr(false)}},
		"notifier timing":  {Notifier: &config.NotifierConfig{Enabled: true, RetryBase: "fast"}},
		"quiet hours":      {Notifications: config.NotificationsConfig{Preferences: &config.PreferencesConfig{QuietHours: config.QuietHoursConfig{Enabled: true, Start: "9pm", End: "07:00"}}}},
		"channel priority": {Notifications: config.NotificationsConfig{Preferences: &config.PreferencesConfig{Channels: map[string][]string{"urgent": {"push"}}}}},
		"workday":          {Calendar: config.CalendarConfig{WorkdayStart: "9"}},
		"telegram token":   {Telegram: config.TelegramConfig{Enabled: true, ChatID: 1}},
		"smtp from":        {SMTP: &config.SMTPConfig{Host: "mail"}},
		"backup schedule":  {Backup: config.BackupConfig{Schedule: "often"}},
		"s3 bucket":        {Backup: config.BackupConfig{S3: config.S3Config{Endpoint: "s3.local"}}},
		"feed url":         {Feeds: []config.FeedConfig{{Name: "x"}}},
		"feed duplicate":   {Feeds: []config.FeedConfig{{Name: "x", URL: "u"}, {Name: "x", URL: "v"}}},
		"log file path":    {Logging: config.LoggingConfig{File: config.LoggingFile{Enabled: true}}},
		"rules tick":       {Rules: config.RulesConfig{TimeTick: "-1m"}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestMapDefaults(t *testing.T) {
	cfg := &config.Config{Scheduler: config.SchedulerConfig{Enabled: true}}

	eng, err := mapTaskEngineConfig(cfg)
	require.NoError(t, err)
	assert.True(t, eng.Enabled)
	assert.Equal(t, 1, eng.Workers, "one worker keeps timer callbacks serialized")

	n, err := mapNotifierConfig(cfg)
	require.NoError(t, err)
	assert.True(t, n.Enabled)
	assert.Equal(t, time.Minute, n.DedupWindow)

	h, err := mapHTTPConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, defaultHTTPAddr, h.Addr)

	every, err := mapPresenceRefresh(cfg)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, every)

	_, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.False(t, enabled)

	sc, enabled, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite"}})
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, config.DefaultStoragePath("sqlite"), sc.Path)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	b, err := mapBackupConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(config.DataDir(), "backups"), b.Dir)
}

func TestMapNotificationPreferences(t *testing.T) {
	cfg := &config.Config{Notifications: config.NotificationsConfig{
		ExpireSweep: "5m",
		Preferences: &config.PreferencesConfig{
			QuietHours:           config.QuietHoursConfig{Enabled: true, Start: "23:00", End: "06:30"},
			MeetingBufferMinutes: 10,
			Channels:             map[string][]string{"High": {"push"}},
		},
	}}
	nc, err := mapNotificationsConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, nc.ExpireSweep)
	assert.Equal(t, "23:00", nc.Preferences.QuietHours.Start)
	assert.Equal(t, 10, nc.Preferences.MeetingBufferMinutes)
	assert.Equal(t, map[notifications.Priority][]string{notifications.PriorityHigh: {"push"}}, nc.Preferences.Channels)
}

func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assistd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: error
storage:
  driver: memory
scheduler:
  enabled: true
backup:
  dir: `+filepath.Join(dir, "backups")+`
`), 0o600))

	a, err := NewApp(path)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		require.NoError(t, a.Stop(stopCtx, StopAppStop))
	}()

	// high priority goes straight out; push has no sender so the inbox gets it
	_, err = a.notifications.CreateNotification(ctx, notifications.Notification{
		Title:    "door open",
		Message:  "front door",
		Priority: notifications.PriorityHigh,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(a.inbox.List(false)) == 1 }, 5*time.Second, 20*time.Millisecond)

	// calendar changes reach "calendar" triggers through the bus
	_, err = a.rules.CreateRule(ctx, rules.Rule{
		Name:    "prep for meetings",
		Enabled: true,
		Trigger: rules.Trigger{
			Type:       rules.TriggerCalendar,
			Conditions: []condition.Condition{{Field: "kind", Operator: condition.Equals, Value: "created"}},
		},
		Actions: []rules.Action{{
			Type:    rules.ActionTaskCreation,
			Enabled: true,
			Params:  map[string]any{"title": "prepare agenda"},
		}},
	})
	require.NoError(t, err)

	start := time.Now().Add(48 * time.Hour).Truncate(time.Hour)
	_, err = a.calendar.CreateEvent(ctx, calendar.Event{Title: "planning", Start: start, End: start.Add(time.Hour)})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(a.tasks.List(false)) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "prepare agenda", a.tasks.List(false)[0].Title)

	res, err := a.backup.Run(ctx, "test")
	require.NoError(t, err)
	assert.FileExists(t, res.Path)
}

func ptr[T any](v T) *T { return &v }
