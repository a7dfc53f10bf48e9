package app

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"assistd/internal/backup"
	"assistd/internal/calendar"
	"assistd/internal/channels"
	"assistd/internal/config"
	"assistd/internal/httpapi"
	"assistd/internal/notifications"
	"assistd/internal/notifier"
	"assistd/internal/rules"
	"assistd/internal/sources"
	"assistd/internal/storage"
	"assistd/internal/task/engine"
	"assistd/internal/task/scheduler"
	logx "assistd/pkg/logx"
)

const (
	defaultHTTPAddr        = "127.0.0.1:8080"
	defaultPresenceRefresh = time.Minute
)

// Validate maps every section and reports the first problem. It backs both
// hot reload and the check command.
func Validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := mapLogConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRulesConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCalendarConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotificationsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPresenceRefresh(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapSMTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBackupConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFeeds(cfg); err != nil {
		return err
	}
	if _, err := mapFileWatch(cfg); err != nil {
		return err
	}
	if _, err := mapActionsTimeout(cfg); err != nil {
		return err
	}
	return nil
}

func mapLogConfig(cfg *config.Config) (logx.Config, error) {
	l := cfg.Logging
	if l.File.Enabled && strings.TrimSpace(l.File.Path) == "" {
		return logx.Config{}, errors.New("logging.file.path is required when logging.file.enabled is true")
	}
	if l.Alert.RatePerSec < 0 {
		return logx.Config{}, errors.New("logging.alert.rate_per_sec must be >= 0")
	}
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled && cfg.Telegram.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}, nil
}

// mapStorageConfig reports enabled=false when the section is omitted or the
// driver is "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = config.DefaultStoragePath(driver)
	}
	out := storage.Config{Driver: driver, Path: path, AuditCap: sc.AuditCap}

	switch driver {
	case "memory", "file", "badger":
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		out.BusyTimeout = busy
	case "redis":
		if strings.TrimSpace(sc.Addr) == "" {
			return storage.Config{}, false, errors.New("storage.addr is required when storage.driver=redis")
		}
		if sc.DB < 0 {
			return storage.Config{}, false, errors.New("storage.db must be >= 0")
		}
		out.Addr = strings.TrimSpace(sc.Addr)
		out.Username = sc.Username
		out.Password = sc.Password
		out.DB = sc.DB
		out.Prefix = sc.Prefix
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, true, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     cfg.Scheduler.Enabled,
		Workers:     1,
		QueueSize:   256,
		HistorySize: 200,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		return engine.Config{}, errors.New("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
	}
	if te.Enabled != nil {
		if cfg.Scheduler.Enabled && !*te.Enabled {
			return engine.Config{}, errors.New("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
		out.Enabled = *te.Enabled
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	out.RetryMax = te.RetryMax

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	if _, err := config.LoadLocation("scheduler.timezone", cfg.Scheduler.Timezone); err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.DefaultNotifier()
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, errors.New("notifier: numeric fields must be >= 0")
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", n.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapRulesConfig(cfg *config.Config) (rules.Config, error) {
	r := cfg.Rules
	if r.HistorySize < 0 {
		return rules.Config{}, errors.New("rules.history_size must be >= 0")
	}
	out := rules.Config{HistorySize: r.HistorySize}
	var err error
	if out.TimeTick, err = config.ParseDurationField("rules.time_tick", r.TimeTick); err != nil {
		return rules.Config{}, err
	}
	if out.JobTimeout, err = config.ParseDurationField("rules.job_timeout", r.JobTimeout); err != nil {
		return rules.Config{}, err
	}
	return out, nil
}

func mapCalendarConfig(cfg *config.Config) (calendar.Config, error) {
	c := cfg.Calendar
	if c.SearchDays < 0 || c.MaxSuggestions < 0 || c.ReminderMinutes < 0 {
		return calendar.Config{}, errors.New("calendar: search_days, max_suggestions and reminder_minutes must be >= 0")
	}
	if err := config.ParseHHMM("calendar.workday_start", c.WorkdayStart); err != nil {
		return calendar.Config{}, err
	}
	if err := config.ParseHHMM("calendar.workday_end", c.WorkdayEnd); err != nil {
		return calendar.Config{}, err
	}
	out := calendar.Config{
		AutoTravel:      c.AutoTravel,
		TravelMode:      strings.TrimSpace(c.TravelMode),
		Origin:          strings.TrimSpace(c.Origin),
		WorkdayStart:    strings.TrimSpace(c.WorkdayStart),
		WorkdayEnd:      strings.TrimSpace(c.WorkdayEnd),
		SearchDays:      c.SearchDays,
		MaxSuggestions:  c.MaxSuggestions,
		ReminderMinutes: c.ReminderMinutes,
	}
	var err error
	if out.DefaultDuration, err = config.ParseDurationField("calendar.default_duration", c.DefaultDuration); err != nil {
		return calendar.Config{}, err
	}
	if out.FallbackTravel, err = config.ParseDurationField("calendar.fallback_travel", c.FallbackTravel); err != nil {
		return calendar.Config{}, err
	}
	if out.SlotStep, err = config.ParseDurationField("calendar.slot_step", c.SlotStep); err != nil {
		return calendar.Config{}, err
	}
	return out, nil
}

func mapNotificationsConfig(cfg *config.Config) (notifications.Config, error) {
	n := cfg.Notifications
	if n.MaxStored < 0 {
		return notifications.Config{}, errors.New("notifications.max_stored must be >= 0")
	}
	out := notifications.Config{MaxStored: n.MaxStored}
	var err error
	if out.ExpireSweep, err = config.ParseDurationField("notifications.expire_sweep", n.ExpireSweep); err != nil {
		return notifications.Config{}, err
	}
	if out.DefaultTTL, err = config.ParseDurationField("notifications.default_ttl", n.DefaultTTL); err != nil {
		return notifications.Config{}, err
	}
	if n.Preferences == nil {
		return out, nil
	}

	p := n.Preferences
	if p.QuietHours.Enabled {
		if err := config.ParseHHMM("notifications.preferences.quiet_hours.start", p.QuietHours.Start); err != nil {
			return notifications.Config{}, err
		}
		if err := config.ParseHHMM("notifications.preferences.quiet_hours.end", p.QuietHours.End); err != nil {
			return notifications.Config{}, err
		}
	}
	if p.MeetingBufferMinutes < 0 || p.TrafficLeadMinutes < 0 {
		return notifications.Config{}, errors.New("notifications.preferences: minutes must be >= 0")
	}
	prefs := notifications.Preferences{
		QuietHours: notifications.QuietHours{
			Enabled: p.QuietHours.Enabled,
			Start:   strings.TrimSpace(p.QuietHours.Start),
			End:     strings.TrimSpace(p.QuietHours.End),
		},
		VIPAlwaysThrough:          p.VIPAlwaysThrough,
		AllowMeetingInterruptions: p.AllowMeetingInterruptions,
		MeetingBufferMinutes:      p.MeetingBufferMinutes,
		TrafficLeadMinutes:        p.TrafficLeadMinutes,
		Channels:                  notifications.DefaultPreferences().Channels,
	}
	if len(p.Channels) > 0 {
		prefs.Channels = make(map[notifications.Priority][]string, len(p.Channels))
		for k, chans := range p.Channels {
			prio := notifications.Priority(strings.ToLower(strings.TrimSpace(k)))
			if !prio.Valid() {
				return notifications.Config{}, fmt.Errorf("notifications.preferences.channels: unknown priority %q", k)
			}
			prefs.Channels[prio] = append([]string(nil), chans...)
		}
	}
	out.Preferences = prefs
	return out, nil
}

func mapPresenceRefresh(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("presence.refresh_interval", cfg.Presence.RefreshInterval, defaultPresenceRefresh)
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	out := httpapi.Config{
		Addr:           strings.TrimSpace(h.Addr),
		Token:          h.Token,
		WebhookToken:   h.WebhookToken,
		AllowedOrigins: h.AllowedOrigins,
		Pprof:          h.Pprof,
	}
	if out.Addr == "" {
		out.Addr = defaultHTTPAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("http.read_timeout", h.ReadTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

func mapTelegramConfig(cfg *config.Config) (channels.TelegramConfig, bool, error) {
	t := cfg.Telegram
	if !t.Enabled {
		return channels.TelegramConfig{}, false, nil
	}
	if strings.TrimSpace(t.Token) == "" {
		return channels.TelegramConfig{}, false, errors.New("telegram.token is required when telegram.enabled is true")
	}
	if t.ChatID == 0 {
		return channels.TelegramConfig{}, false, errors.New("telegram.chat_id is required when telegram.enabled is true")
	}
	timeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second)
	if err != nil {
		return channels.TelegramConfig{}, false, err
	}
	return channels.TelegramConfig{
		Token:       strings.TrimSpace(t.Token),
		ChatID:      t.ChatID,
		ThreadID:    t.ThreadID,
		Poll:        t.Poll,
		PollTimeout: timeout,
	}, true, nil
}

func mapSMTPConfig(cfg *config.Config) (channels.SMTPConfig, bool, error) {
	s := cfg.SMTP
	if s == nil {
		return channels.SMTPConfig{}, false, nil
	}
	if strings.TrimSpace(s.Host) == "" || strings.TrimSpace(s.From) == "" {
		return channels.SMTPConfig{}, false, errors.New("smtp.host and smtp.from are required")
	}
	if s.Port < 0 || s.Port > 65535 {
		return channels.SMTPConfig{}, false, fmt.Errorf("smtp.port out of range: %d", s.Port)
	}
	return channels.SMTPConfig{
		Host:            strings.TrimSpace(s.Host),
		Port:            s.Port,
		Username:        s.Username,
		Password:        s.Password,
		From:            strings.TrimSpace(s.From),
		To:              s.To,
		SubjectTemplate: s.SubjectTemplate,
		BodyTemplate:    s.BodyTemplate,
	}, true, nil
}

func mapBackupConfig(cfg *config.Config) (backup.Config, error) {
	b := cfg.Backup
	if b.Keep < 0 {
		return backup.Config{}, errors.New("backup.keep must be >= 0")
	}
	if strings.TrimSpace(b.Schedule) != "" {
		if _, err := scheduler.ParseSchedule(b.Schedule); err != nil {
			return backup.Config{}, fmt.Errorf("backup.schedule: %w", err)
		}
	}
	s3 := backup.S3Config{
		Endpoint:  strings.TrimSpace(b.S3.Endpoint),
		AccessKey: b.S3.AccessKey,
		SecretKey: b.S3.SecretKey,
		Bucket:    strings.TrimSpace(b.S3.Bucket),
		Prefix:    strings.TrimSpace(b.S3.Prefix),
		UseSSL:    b.S3.UseSSL,
	}
	if s3.Endpoint != "" && s3.Bucket == "" {
		return backup.Config{}, errors.New("backup.s3.bucket is required when backup.s3.endpoint is set")
	}
	dir := strings.TrimSpace(b.Dir)
	if dir == "" && !s3.Enabled() {
		dir = filepath.Join(config.DataDir(), "backups")
	}
	return backup.Config{Dir: dir, Keep: b.Keep, S3: s3}, nil
}

func mapFeeds(cfg *config.Config) ([]sources.FeedConfig, error) {
	out := make([]sources.FeedConfig, 0, len(cfg.Feeds))
	seen := map[string]bool{}
	for i, f := range cfg.Feeds {
		name := strings.TrimSpace(f.Name)
		if name == "" || strings.TrimSpace(f.URL) == "" {
			return nil, fmt.Errorf("feeds[%d]: name and url are required", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("feeds[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		every, err := config.ParseDurationField(fmt.Sprintf("feeds[%d].interval", i), f.Interval)
		if err != nil {
			return nil, err
		}
		out = append(out, sources.FeedConfig{Name: name, URL: strings.TrimSpace(f.URL), Interval: every})
	}
	return out, nil
}

func mapFileWatch(cfg *config.Config) (sources.FileWatchConfig, error) {
	d, err := config.ParseDurationField("file_watch.debounce", cfg.FileWatch.Debounce)
	if err != nil {
		return sources.FileWatchConfig{}, err
	}
	return sources.FileWatchConfig{Dirs: cfg.FileWatch.Dirs, Debounce: d}, nil
}

func mapActionsTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("actions.http_timeout", cfg.Actions.HTTPTimeout, 30*time.Second)
}
