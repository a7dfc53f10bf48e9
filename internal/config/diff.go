package config

import (
	"reflect"
	"sort"
	"strings"

	logx "assistd/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens, passwords, keys) are only
// ever reported as "set"/"unset".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if !reflect.DeepEqual(oS, nS) {
		mark("storage",
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.password_set", nS.Password != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		mark("task_engine",
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	oN, nN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if !reflect.DeepEqual(oN, nN) {
		mark("notifier",
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Int("notifier.workers", nN.Workers),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
			logx.Bool("notifier.persist_dedup", nN.PersistDedup),
		)
	}

	if !reflect.DeepEqual(oldCfg.Rules, newCfg.Rules) {
		mark("rules",
			logx.Int("rules.history_size", newCfg.Rules.HistorySize),
			logx.String("rules.time_tick", newCfg.Rules.TimeTick),
		)
	}
	if !reflect.DeepEqual(oldCfg.Calendar, newCfg.Calendar) {
		mark("calendar",
			logx.Bool("calendar.auto_travel", newCfg.Calendar.AutoTravel),
			logx.String("calendar.workday", newCfg.Calendar.WorkdayStart+"-"+newCfg.Calendar.WorkdayEnd),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifications, newCfg.Notifications) {
		mark("notifications",
			logx.String("notifications.expire_sweep", newCfg.Notifications.ExpireSweep),
			logx.String("notifications.default_ttl", newCfg.Notifications.DefaultTTL),
		)
	}
	if !reflect.DeepEqual(oldCfg.Presence, newCfg.Presence) {
		mark("presence", logx.String("presence.refresh_interval", newCfg.Presence.RefreshInterval))
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		mark("http",
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
			logx.Bool("http.webhook_token_set", newCfg.HTTP.WebhookToken != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		mark("telegram",
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
			logx.Bool("telegram.chat_set", newCfg.Telegram.ChatID != 0),
			logx.Bool("telegram.poll", newCfg.Telegram.Poll),
		)
	}
	if !reflect.DeepEqual(oldCfg.SMTP, newCfg.SMTP) {
		host := ""
		if newCfg.SMTP != nil {
			host = newCfg.SMTP.Host
		}
		mark("smtp", logx.Bool("smtp.enabled", newCfg.SMTP != nil), logx.String("smtp.host", host))
	}

	if !reflect.DeepEqual(oldCfg.Backup, newCfg.Backup) {
		mark("backup",
			logx.Bool("backup.dir_set", newCfg.Backup.Dir != ""),
			logx.String("backup.schedule", newCfg.Backup.Schedule),
			logx.Bool("backup.s3_bucket_set", newCfg.Backup.S3.Bucket != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Feeds, newCfg.Feeds) {
		mark("feeds", logx.Int("feeds.count", len(newCfg.Feeds)))
	}
	if !reflect.DeepEqual(oldCfg.FileWatch, newCfg.FileWatch) {
		mark("file_watch", logx.Int("file_watch.dirs", len(newCfg.FileWatch.Dirs)))
	}
	if !reflect.DeepEqual(oldCfg.Actions, newCfg.Actions) {
		mark("actions",
			logx.Bool("actions.file_root_set", newCfg.Actions.FileRoot != ""),
			logx.String("actions.http_timeout", newCfg.Actions.HTTPTimeout),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "http", "telegram", "smtp", "feeds", "file_watch", "actions", "backup":
			out = append(out, s)
		}
	}
	return out
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

// derefNotifier treats an omitted section as the runtime defaults.
func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return DefaultNotifier()
	}
	return *n
}

// DefaultNotifier is the notifier section used when the config omits it.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}
