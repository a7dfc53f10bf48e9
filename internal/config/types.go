package config

// Config is the root of the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`

	// Scheduler controls the timer service (cron/interval/once triggers).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of timer jobs. If omitted, a single worker
	// runs every job so rule, calendar and notification callbacks never overlap.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier      *NotifierConfig     `json:"notifier,omitempty"`
	Rules         RulesConfig         `json:"rules"`
	Calendar      CalendarConfig      `json:"calendar"`
	Notifications NotificationsConfig `json:"notifications"`
	Presence      PresenceConfig      `json:"presence"`

	HTTP     HTTPConfig     `json:"http"`
	Telegram TelegramConfig `json:"telegram"`
	SMTP     *SMTPConfig    `json:"smtp,omitempty"`

	Backup    BackupConfig    `json:"backup"`
	Feeds     []FeedConfig    `json:"feeds,omitempty"`
	FileWatch FileWatchConfig `json:"file_watch"`
	Actions   ActionsConfig   `json:"actions"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// LoggingAlert forwards warn+ lines to the Telegram chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the state store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "/var/lib/assistd/state.db" }
//
// An empty path for the file, sqlite and badger drivers resolves under the
// XDG data home.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	Addr     string `json:"addr,omitempty"` // redis
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`

	AuditCap int `json:"audit_cap,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is an IANA name used by triggers, quiet hours and the workday window.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Enabled is a pointer so we can distinguish "omitted" (default to scheduler.enabled)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 1
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// NotifierConfig controls the async delivery pipeline.
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

type RulesConfig struct {
	HistorySize int `json:"history_size,omitempty"`
	// TimeTick raises "time" trigger events on this cadence. Empty disables it.
	TimeTick   string `json:"time_tick,omitempty"`
	JobTimeout string `json:"job_timeout,omitempty"`
}

type CalendarConfig struct {
	DefaultDuration string `json:"default_duration,omitempty"`
	AutoTravel      bool   `json:"auto_travel"`
	TravelMode      string `json:"travel_mode,omitempty"`
	Origin          string `json:"origin,omitempty"`
	FallbackTravel  string `json:"fallback_travel,omitempty"`
	WorkdayStart    string `json:"workday_start,omitempty"` // HH:MM
	WorkdayEnd      string `json:"workday_end,omitempty"`   // HH:MM
	SlotStep        string `json:"slot_step,omitempty"`
	SearchDays      int    `json:"search_days,omitempty"`
	MaxSuggestions  int    `json:"max_suggestions,omitempty"`
	ReminderMinutes int    `json:"reminder_minutes,omitempty"`
}

type NotificationsConfig struct {
	ExpireSweep string `json:"expire_sweep,omitempty"`
	DefaultTTL  string `json:"default_ttl,omitempty"`
	MaxStored   int    `json:"max_stored,omitempty"`

	// Preferences seeds the stored preferences on first start.
	Preferences *PreferencesConfig `json:"preferences,omitempty"`
}

type PreferencesConfig struct {
	QuietHours                QuietHoursConfig    `json:"quiet_hours"`
	VIPAlwaysThrough          bool                `json:"vip_always_through"`
	AllowMeetingInterruptions bool                `json:"allow_meeting_interruptions"`
	MeetingBufferMinutes      int                 `json:"meeting_buffer_minutes"`
	TrafficLeadMinutes        int                 `json:"traffic_lead_minutes"`
	Channels                  map[string][]string `json:"channels,omitempty"`
}

type QuietHoursConfig struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

type PresenceConfig struct {
	RefreshInterval string `json:"refresh_interval,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	// Token guards /api (bearer). WebhookToken guards /webhooks. Never logged.
	Token          string   `json:"token,omitempty"`
	WebhookToken   string   `json:"webhook_token,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	ReadTimeout    string   `json:"read_timeout,omitempty"`
	WriteTimeout   string   `json:"write_timeout,omitempty"`
	// Pprof mounts net/http/pprof under /debug behind Token.
	Pprof bool `json:"pprof,omitempty"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// Poll turns on inbound long polling; incoming text becomes "manual" events.
	Poll        bool   `json:"poll,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type SMTPConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port,omitempty"`
	Username        string   `json:"username,omitempty"`
	Password        string   `json:"password,omitempty"`
	From            string   `json:"from"`
	To              []string `json:"to,omitempty"`
	SubjectTemplate string   `json:"subject_template,omitempty"`
	BodyTemplate    string   `json:"body_template,omitempty"`
}

type BackupConfig struct {
	Dir  string `json:"dir,omitempty"`
	Keep int    `json:"keep,omitempty"`
	// Schedule is a cron spec or duration for periodic backups. Empty disables them.
	Schedule string   `json:"schedule,omitempty"`
	S3       S3Config `json:"s3"`
}

type S3Config struct {
	Endpoint  string `json:"endpoint,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	UseSSL    bool   `json:"use_ssl,omitempty"`
}

type FeedConfig struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Interval string `json:"interval,omitempty"`
}

type FileWatchConfig struct {
	Dirs     []string `json:"dirs,omitempty"`
	Debounce string   `json:"debounce,omitempty"`
}

type ActionsConfig struct {
	// FileRoot sandboxes file-operation actions. Empty disables them.
	FileRoot    string `json:"file_root,omitempty"`
	HTTPTimeout string `json:"http_timeout,omitempty"`
}
