package notifier

import (
	"context"
	"strings"
	"time"
)

// Channel names.
const (
	ChannelPush  = "push"
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelInApp = "in_app"
	ChannelVoice = "voice"
)

// Config controls the async delivery pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Delivery is one message bound for one channel.
type Delivery struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	Priority  string         `json:"priority"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Recipient string         `json:"recipient,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Created   time.Time      `json:"created"`
}

// Text renders title and body as one plain-text message tagged by priority.
func (d Delivery) Text() string {
	var b strings.Builder
	b.WriteString(prefixForPriority(d.Priority))
	b.WriteString(strings.TrimSpace(d.Title))
	if body := strings.TrimSpace(d.Body); body != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(body)
	}
	return b.String()
}

// Sender delivers to one channel.
type Sender interface {
	Send(ctx context.Context, d Delivery) error
}

type SenderFunc func(ctx context.Context, d Delivery) error

func (f SenderFunc) Send(ctx context.Context, d Delivery) error { return f(ctx, d) }

type HistoryItem struct {
	At      time.Time `json:"at"`
	ID      string    `json:"id"`
	Channel string    `json:"channel"`
	Text    string    `json:"text"`
}

// DeliveryEvent is emitted on the event bus for pipeline lifecycle events.
type DeliveryEvent struct {
	ID      string    `json:"id"`
	Channel string    `json:"channel"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

func prefixForPriority(p string) string {
	switch p {
	case "critical":
		return "🚨 "
	case "high":
		return "⚠️ "
	default:
		return ""
	}
}
