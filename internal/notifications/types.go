package notifications

import (
	"context"
	"errors"
	"time"

	"assistd/internal/calendar"
	"assistd/internal/notifier"
	"assistd/internal/presence"
)

var (
	ErrNotFound     = errors.New("notification not found")
	ErrInvalid      = errors.New("invalid notification")
	ErrInvalidState = errors.New("notification state does not allow this")
	ErrInvalidVIP   = errors.New("invalid vip contact")
	ErrInvalidPrefs = errors.New("invalid preferences")
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type VIPLevel string

const (
	VIPNone      VIPLevel = "none"
	VIPImportant VIPLevel = "important"
	VIPVIP       VIPLevel = "vip"
	VIPEmergency VIPLevel = "emergency"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusDismissed Status = "dismissed"
	StatusSnoozed   Status = "snoozed"
	StatusExpired   Status = "expired"
)

// Notification types with special scheduling.
const (
	TypeTraffic = "traffic"
	TypeSystem  = "system"
)

type TrafficInfo struct {
	Destination     string     `json:"destination,omitempty"`
	ArriveBy        *time.Time `json:"arriveBy,omitempty"`
	DurationMinutes int        `json:"durationMinutes"`
	DelayMinutes    int        `json:"delayMinutes,omitempty"`
}

type Context struct {
	Source          string         `json:"source,omitempty"`
	Category        string         `json:"category,omitempty"`
	Urgency         int            `json:"urgency"`
	IsTimeSensitive bool           `json:"isTimeSensitive,omitempty"`
	Weather         map[string]any `json:"weather,omitempty"`
	Traffic         *TrafficInfo   `json:"traffic,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Action is a user-facing choice attached to a notification
// (dismiss, snooze, reply, navigate, reschedule, custom).
type Action struct {
	Type    string         `json:"type"`
	Label   string         `json:"label"`
	Payload map[string]any `json:"payload,omitempty"`
}

type Notification struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	Priority        Priority   `json:"priority"`
	VIPLevel        VIPLevel   `json:"vipLevel"`
	Title           string     `json:"title"`
	Message         string     `json:"message"`
	Timestamp       time.Time  `json:"timestamp"`
	ScheduledFor    *time.Time `json:"scheduledFor,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	Context         Context    `json:"context"`
	Actions         []Action   `json:"actions,omitempty"`
	Status          Status     `json:"status"`
	DeliveryChannel string     `json:"deliveryChannel,omitempty"`
	DeliveredAt     *time.Time `json:"deliveredAt,omitempty"`
}

type Relationship string

const (
	RelFamily    Relationship = "family"
	RelBoss      Relationship = "boss"
	RelClient    Relationship = "client"
	RelEmergency Relationship = "emergency"
	RelColleague Relationship = "colleague"
)

func (r Relationship) Valid() bool {
	switch r {
	case RelFamily, RelBoss, RelClient, RelEmergency, RelColleague:
		return true
	}
	return false
}

// TimeWindow is an HH:MM range; Days empty means every day.
type TimeWindow struct {
	Days  []string `json:"days,omitempty"`
	Start string   `json:"start"`
	End   string   `json:"end"`
}

type VIPContact struct {
	ID           string       `json:"id"` // normalized address
	Name         string       `json:"name"`
	Relationship Relationship `json:"relationship"`
	// Priority is "vip" or "important".
	Priority    VIPLevel     `json:"priority"`
	AlwaysAllow bool         `json:"alwaysAllow"`
	TimeRules   []TimeWindow `json:"timeRules,omitempty"`
}

type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"` // HH:MM
	End     string `json:"end"`   // HH:MM
}

type Preferences struct {
	QuietHours                QuietHours            `json:"quietHours"`
	VIPAlwaysThrough          bool                  `json:"vipAlwaysThrough"`
	AllowMeetingInterruptions bool                  `json:"allowMeetingInterruptions"`
	MeetingBufferMinutes      int                   `json:"meetingBufferMinutes"`
	TrafficLeadMinutes        int                   `json:"trafficLeadMinutes"`
	Channels                  map[Priority][]string `json:"channels"`
}

// DefaultPreferences: quiet 22:00-07:00, VIPs always through, no meeting interruptions.
func DefaultPreferences() Preferences {
	return Preferences{
		QuietHours:           QuietHours{Enabled: true, Start: "22:00", End: "07:00"},
		VIPAlwaysThrough:     true,
		MeetingBufferMinutes: 5,
		TrafficLeadMinutes:   10,
		Channels: map[Priority][]string{
			PriorityCritical: {notifier.ChannelPush, notifier.ChannelSMS},
			PriorityHigh:     {notifier.ChannelPush, notifier.ChannelInApp},
			PriorityMedium:   {notifier.ChannelInApp},
			PriorityLow:      {notifier.ChannelInApp},
		},
	}
}

// Filter narrows GetNotifications. Zero fields match everything.
type Filter struct {
	Status   Status
	Priority Priority
	Type     string
	Since    *time.Time
	Limit    int
}

// Config configures the notification scheduler.
type Config struct {
	// ExpireSweep is the cadence of the expiry sweep. Zero disables it.
	ExpireSweep time.Duration
	// DefaultTTL sets ExpiresAt on new notifications that have none. Zero means never.
	DefaultTTL time.Duration
	// MaxStored caps retained notifications; the oldest finished ones go first. Default 1000.
	MaxStored   int
	Preferences Preferences
}

func (c Config) withDefaults() Config {
	if c.MaxStored <= 0 {
		c.MaxStored = 1000
	}
	if c.Preferences.Channels == nil {
		c.Preferences = DefaultPreferences()
	}
	return c
}

// Timer is the one-shot and periodic timer service.
type Timer interface {
	AddOnce(name string, at time.Time, timeout time.Duration, job func(ctx context.Context) error) (string, error)
	AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) (string, error)
	Remove(name string) bool
}

// ContextProvider reports what the user is doing.
type ContextProvider interface {
	Current() presence.Context
}

// Meetings looks up the meeting in progress.
type Meetings interface {
	CurrentMeeting(now time.Time) (calendar.Event, bool)
}

// Deliverer hands a notification to a delivery channel.
type Deliverer interface {
	Deliver(ctx context.Context, d notifier.Delivery) error
}
