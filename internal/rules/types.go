package rules

import (
	"errors"
	"time"

	"assistd/internal/condition"
)

var (
	ErrNotFound        = errors.New("rule not found")
	ErrInvalidRule     = errors.New("invalid rule")
	ErrRuleDisabled    = errors.New("rule disabled")
	ErrNoHandler       = errors.New("no handler for action type")
	ErrNotCancellable  = errors.New("execution already finished")
	ErrExecutionAbsent = errors.New("execution not found")
)

type TriggerType string

const (
	TriggerEmailReceived TriggerType = "email_received"
	TriggerTime          TriggerType = "time"
	TriggerSchedule      TriggerType = "schedule"
	TriggerFileChange    TriggerType = "file_change"
	TriggerWebhook       TriggerType = "webhook"
	TriggerCalendar      TriggerType = "calendar"
	TriggerWeather       TriggerType = "weather"
	TriggerTraffic       TriggerType = "traffic"
	TriggerFeedItem      TriggerType = "feed_item"
	TriggerManual        TriggerType = "manual"
)

func TriggerTypes() []TriggerType {
	return []TriggerType{
		TriggerEmailReceived, TriggerTime, TriggerSchedule, TriggerFileChange, TriggerWebhook,
		TriggerCalendar, TriggerWeather, TriggerTraffic, TriggerFeedItem, TriggerManual,
	}
}

func (t TriggerType) Valid() bool {
	for _, v := range TriggerTypes() {
		if v == t {
			return true
		}
	}
	return false
}

type ActionType string

const (
	ActionNotification  ActionType = "notification"
	ActionEmail         ActionType = "email"
	ActionFileOperation ActionType = "file-operation"
	ActionExternalCall  ActionType = "external-call"
	ActionTaskCreation  ActionType = "task-creation"
	ActionCalendarEvent ActionType = "calendar-event"
	ActionBackup        ActionType = "backup"
	ActionReminder      ActionType = "reminder"
)

func ActionTypes() []ActionType {
	return []ActionType{
		ActionNotification, ActionEmail, ActionFileOperation, ActionExternalCall,
		ActionTaskCreation, ActionCalendarEvent, ActionBackup, ActionReminder,
	}
}

func (t ActionType) Valid() bool {
	for _, v := range ActionTypes() {
		if v == t {
			return true
		}
	}
	return false
}

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

type Trigger struct {
	Type       TriggerType           `json:"type"`
	Conditions []condition.Condition `json:"conditions,omitempty"`
	Logic      condition.Logic       `json:"logic,omitempty"`
	// Schedule is a cron or interval spec, used by schedule triggers.
	Schedule      string     `json:"schedule,omitempty"`
	FireCount     int64      `json:"fireCount"`
	LastTriggered *time.Time `json:"lastTriggered,omitempty"`
}

type Action struct {
	ID      string         `json:"id"`
	Type    ActionType     `json:"type"`
	Params  map[string]any `json:"params,omitempty"`
	Enabled bool           `json:"enabled"`
	// Timeout (Go duration) and Retries are recorded but not enforced by the engine.
	Timeout string `json:"timeout,omitempty"`
	Retries int    `json:"retries,omitempty"`
}

type Rule struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Trigger        Trigger    `json:"trigger"`
	Actions        []Action   `json:"actions"`
	Enabled        bool       `json:"enabled"`
	Priority       Priority   `json:"priority"`
	ExecutionCount int64      `json:"executionCount"`
	SuccessCount   int64      `json:"successCount"`
	FailureCount   int64      `json:"failureCount"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	LastExecuted   *time.Time `json:"lastExecuted,omitempty"`
}

type ExecStatus string

const (
	ExecPending   ExecStatus = "pending"
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecCancelled ExecStatus = "cancelled"
)

func (s ExecStatus) Finished() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecCancelled
}

type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionRunning   ActionStatus = "running"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionSkipped   ActionStatus = "skipped"
)

type ActionRecord struct {
	ActionID  string       `json:"actionId"`
	Type      ActionType   `json:"type"`
	Status    ActionStatus `json:"status"`
	StartTime *time.Time   `json:"startTime,omitempty"`
	EndTime   *time.Time   `json:"endTime,omitempty"`
	Result    any          `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
}

type LogEntry struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

type Execution struct {
	ID          string         `json:"id"`
	RuleID      string         `json:"ruleId"`
	StartTime   time.Time      `json:"startTime"`
	EndTime     *time.Time     `json:"endTime,omitempty"`
	Status      ExecStatus     `json:"status"`
	TriggerData map[string]any `json:"triggerData,omitempty"`
	Actions     []ActionRecord `json:"actions"`
	Logs        []LogEntry     `json:"logs"`
}

// Config configures the rule engine.
type Config struct {
	// HistorySize caps in-memory executions. Default 200.
	HistorySize int
	// TimeTick is the cadence of "time" trigger events. Zero disables the tick.
	TimeTick time.Duration
	// JobTimeout bounds one scheduled evaluation. Default 2m.
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	return c
}
