package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Collection keys used by the core services.
const (
	CollectionRules         = "rules"
	CollectionEvents        = "calendar_events"
	CollectionNotifications = "notifications"
	CollectionVIPs          = "vip_contacts"
	CollectionPreferences   = "notification_preferences"
	CollectionTasks         = "tasks"
)

// Collections lists every collection key, in backup order.
func Collections() []string {
	return []string{
		CollectionRules,
		CollectionEvents,
		CollectionNotifications,
		CollectionVIPs,
		CollectionPreferences,
		CollectionTasks,
	}
}

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (tests, ephemeral runs)
//   - "file": one JSON document per collection next to Path, plus audit/dedup journals
//   - "sqlite": SQLite database file at Path
//   - "redis": Redis at Addr, keys under Prefix
//   - "badger": Badger directory at Path
//
// Empty or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite

	Addr     string // redis
	Username string
	Password string
	DB       int
	Prefix   string

	AuditCap int // redis/memory: max retained audit entries, 0 = default
}

// AuditEntry is one line in the audit journal.
type AuditEntry struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Subject string    `json:"subject"`
	Status  string    `json:"status"`
	OK      int       `json:"ok"`
	Fail    int       `json:"fail"`
	Error   string    `json:"error,omitempty"`
	TookMS  int64     `json:"took_ms"`
	Meta    string    `json:"meta,omitempty"`
}
