package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory signal used to decouple components.
//
// Publish never blocks. Subscribers get buffered channels and a slow
// subscriber drops events instead of stalling publishers.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Event types published by the core services.
const (
	RuleTriggered         = "rule.triggered"
	RuleExecuted          = "rule.executed"
	CalendarCreated       = "calendar.created"
	CalendarConflict      = "calendar.conflict"
	NotificationScheduled = "notification.scheduled"
	NotificationDelivered = "notification.delivered"
	NotificationExpired   = "notification.expired"
	PresenceChanged       = "presence.changed"
	ConfigReloaded        = "config.reloaded"
	DeliveryQueued        = "notifier.queued"
	DeliverySent          = "notifier.sent"
	DeliveryFailed        = "notifier.failed"
	DeliveryDeduped       = "notifier.deduped"
	DeliveryDropped       = "notifier.dropped"
	InboxReceived         = "inbox.received"
	TaskCreated           = "task.created"
	BackupCompleted       = "backup.completed"
	SourceItemEmitted     = "source.emitted"
)

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under the write lock is safe.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
