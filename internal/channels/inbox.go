package channels

import (
	"context"
	"sync"
	"time"

	"assistd/internal/eventbus"
	"assistd/internal/notifier"
)

// InboxItem is one in-app message.
type InboxItem struct {
	ID       string    `json:"id"`
	Priority string    `json:"priority"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	At       time.Time `json:"at"`
	Read     bool      `json:"read"`
}

// Inbox is a bounded in-memory list of in-app messages, newest last.
type Inbox struct {
	mu    sync.Mutex
	items []InboxItem
	max   int
	bus   eventbus.Bus
	now   func() time.Time
}

func NewInbox(capacity int, bus eventbus.Bus) *Inbox {
	if capacity <= 0 {
		capacity = 200
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Inbox{max: capacity, bus: bus, now: time.Now}
}

// Send implements notifier.Sender.
func (b *Inbox) Send(_ context.Context, d notifier.Delivery) error {
	at := d.Created
	if at.IsZero() {
		at = b.now()
	}
	item := InboxItem{ID: d.ID, Priority: d.Priority, Title: d.Title, Body: d.Body, At: at}
	b.mu.Lock()
	b.items = append(b.items, item)
	if over := len(b.items) - b.max; over > 0 {
		b.items = append([]InboxItem(nil), b.items[over:]...)
	}
	b.mu.Unlock()
	b.bus.Publish(eventbus.Event{Type: eventbus.InboxReceived, Time: at, Data: item})
	return nil
}

// List returns items newest first; unreadOnly skips read ones.
func (b *Inbox) List(unreadOnly bool) []InboxItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]InboxItem, 0, len(b.items))
	for i := len(b.items) - 1; i >= 0; i-- {
		if unreadOnly && b.items[i].Read {
			continue
		}
		out = append(out, b.items[i])
	}
	return out
}

// MarkRead flags id as read and reports whether it was found.
func (b *Inbox) MarkRead(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.items {
		if b.items[i].ID == id {
			b.items[i].Read = true
			return true
		}
	}
	return false
}

func (b *Inbox) Unread() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, it := range b.items {
		if !it.Read {
			n++
		}
	}
	return n
}
