// Package presence tracks what the user is doing right now.
//
// A manual override (with optional expiry) wins; otherwise the user is
// in_meeting while the calendar has a meeting in progress, and available
// the rest of the time.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"assistd/internal/calendar"
	"assistd/internal/eventbus"
	"assistd/pkg/clock"
	"assistd/pkg/logx"
)

var ErrInvalidActivity = errors.New("unknown activity")

type Activity string

const (
	Available    Activity = "available"
	InMeeting    Activity = "in_meeting"
	DoNotDisturb Activity = "do_not_disturb"
	Driving      Activity = "driving"
	Sleeping     Activity = "sleeping"
)

func (a Activity) Valid() bool {
	switch a {
	case Available, InMeeting, DoNotDisturb, Driving, Sleeping:
		return true
	}
	return false
}

// Context is a point-in-time view of the user.
type Context struct {
	Activity    Activity   `json:"activity"`
	Source      string     `json:"source"` // override | calendar | default
	MeetingID   string     `json:"meetingId,omitempty"`
	MeetingEnd  *time.Time `json:"meetingEnd,omitempty"`
	NextMeeting *time.Time `json:"nextMeeting,omitempty"`
	Until       *time.Time `json:"until,omitempty"`
}

// Meetings is the calendar view presence needs.
type Meetings interface {
	CurrentMeeting(now time.Time) (calendar.Event, bool)
	NextMeeting(now time.Time) (calendar.Event, bool)
}

type override struct {
	activity Activity
	until    *time.Time
}

type Service struct {
	mu sync.Mutex

	log      logx.Logger
	bus      eventbus.Bus
	clock    clock.Clock
	meetings Meetings

	ov   *override
	last Activity
}

func New(meetings Meetings, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{log: log, bus: bus, clock: clk, meetings: meetings, last: Available}
}

// SetOverride pins the activity until the given time (nil = until cleared).
func (s *Service) SetOverride(a Activity, until *time.Time) error {
	if !a.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidActivity, a)
	}
	s.mu.Lock()
	s.ov = &override{activity: a, until: until}
	s.mu.Unlock()
	_ = s.Refresh(context.Background())
	return nil
}

func (s *Service) ClearOverride() {
	s.mu.Lock()
	s.ov = nil
	s.mu.Unlock()
	_ = s.Refresh(context.Background())
}

// Current computes the context at the current clock time.
func (s *Service) Current() Context {
	now := s.clock.Now()
	s.mu.Lock()
	if s.ov != nil && s.ov.until != nil && !now.Before(*s.ov.until) {
		s.ov = nil
	}
	ov := s.ov
	s.mu.Unlock()

	var c Context
	if s.meetings != nil {
		if next, ok := s.meetings.NextMeeting(now); ok {
			t := next.MeetingStart()
			c.NextMeeting = &t
		}
	}
	if ov != nil {
		c.Activity, c.Source, c.Until = ov.activity, "override", ov.until
		if ov.activity == InMeeting {
			s.attachMeeting(&c, now)
		}
		return c
	}
	if s.attachMeeting(&c, now) {
		c.Activity, c.Source = InMeeting, "calendar"
		return c
	}
	c.Activity, c.Source = Available, "default"
	return c
}

func (s *Service) attachMeeting(c *Context, now time.Time) bool {
	if s.meetings == nil {
		return false
	}
	m, ok := s.meetings.CurrentMeeting(now)
	if !ok {
		return false
	}
	end := m.End
	c.MeetingID, c.MeetingEnd = m.ID, &end
	return true
}

// Refresh recomputes the context and publishes a change event when the activity moved.
func (s *Service) Refresh(_ context.Context) error {
	c := s.Current()
	s.mu.Lock()
	prev := s.last
	s.last = c.Activity
	s.mu.Unlock()
	if prev != c.Activity {
		s.log.Info("presence changed", logx.String("from", string(prev)), logx.String("to", string(c.Activity)), logx.String("source", c.Source))
		s.bus.Publish(eventbus.Event{Type: eventbus.PresenceChanged, Time: s.clock.Now(), Data: c})
	}
	return nil
}
