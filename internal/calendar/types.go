package calendar

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("event not found")
	ErrInvalidEvent = errors.New("invalid event")
)

type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusTentative Status = "tentative"
	StatusCancelled Status = "cancelled"
)

type MeetingType string

const (
	MeetingInPerson MeetingType = "in_person"
	MeetingVideo    MeetingType = "video"
	MeetingPhone    MeetingType = "phone"
)

const CategoryWork = "work"

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Location struct {
	Address     string       `json:"address"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	Type        string       `json:"type,omitempty"`
	Amenities   []string     `json:"amenities,omitempty"`
}

type Attendee struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email"`
	Response string `json:"response,omitempty"`
}

type Reminder struct {
	Minutes int    `json:"minutes"`
	Method  string `json:"method"`
}

type TravelInfo struct {
	DurationMinutes int       `json:"durationMinutes"`
	Mode            string    `json:"mode"`
	DepartureTime   time.Time `json:"departureTime"`
	ArrivalTime     time.Time `json:"arrivalTime"`
	RouteSummary    string    `json:"routeSummary,omitempty"`
	// Estimated is set when the fallback duration replaced a failed lookup.
	Estimated bool `json:"estimated,omitempty"`
}

type ConflictResolution struct {
	ConflictingEventID string      `json:"conflictingEventId"`
	SuggestedTimes     []time.Time `json:"suggestedTimes"`
	Reason             string      `json:"reason"`
}

type PrepItem struct {
	Title     string `json:"title"`
	Notes     string `json:"notes,omitempty"`
	Completed bool   `json:"completed"`
}

type Event struct {
	ID          string               `json:"id"`
	Title       string               `json:"title"`
	Description string               `json:"description,omitempty"`
	Start       time.Time            `json:"start"`
	End         time.Time            `json:"end"`
	Location    *Location            `json:"location,omitempty"`
	Attendees   []Attendee           `json:"attendees,omitempty"`
	Recurrence  string               `json:"recurrence,omitempty"`
	Reminders   []Reminder           `json:"reminders,omitempty"`
	Category    string               `json:"category,omitempty"`
	Priority    string               `json:"priority,omitempty"`
	Status      Status               `json:"status"`
	MeetingType MeetingType          `json:"meetingType,omitempty"`
	Travel      *TravelInfo          `json:"travel,omitempty"`
	Conflicts   []ConflictResolution `json:"conflicts,omitempty"`
	Preparation []PrepItem           `json:"preparation,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

// IsMeeting reports whether e involves other people.
func (e Event) IsMeeting() bool {
	return e.MeetingType != "" || len(e.Attendees) > 0
}

// MeetingStart is when the appointment itself begins, after any travel.
func (e Event) MeetingStart() time.Time {
	if e.Travel != nil && !e.Travel.ArrivalTime.IsZero() {
		return e.Travel.ArrivalTime
	}
	return e.Start
}

// Patch holds the fields UpdateEvent may change. Nil fields are left alone.
type Patch struct {
	Title       *string      `json:"title,omitempty"`
	Description *string      `json:"description,omitempty"`
	Start       *time.Time   `json:"start,omitempty"`
	End         *time.Time   `json:"end,omitempty"`
	Location    *Location    `json:"location,omitempty"`
	Attendees   *[]Attendee  `json:"attendees,omitempty"`
	Recurrence  *string      `json:"recurrence,omitempty"`
	Reminders   *[]Reminder  `json:"reminders,omitempty"`
	Category    *string      `json:"category,omitempty"`
	Priority    *string      `json:"priority,omitempty"`
	Status      *Status      `json:"status,omitempty"`
	MeetingType *MeetingType `json:"meetingType,omitempty"`
	// ClearLocation removes the location (and travel) when set.
	ClearLocation bool `json:"clearLocation,omitempty"`
}

// Intent describes the slot a caller is looking for.
type Intent struct {
	DurationMinutes int    `json:"durationMinutes"`
	Category        string `json:"category,omitempty"`
}

type TravelEstimate struct {
	DurationMinutes int
	DepartureTime   time.Time
	ArrivalTime     time.Time
	RouteSummary    string
}

type LocationResolver interface {
	Resolve(ctx context.Context, text string) (Location, error)
}

type TravelEstimator interface {
	Estimate(ctx context.Context, origin, destination Location, mode string, arriveBy time.Time) (TravelEstimate, error)
}

type MeetingPrep interface {
	Prepare(ctx context.Context, title string, attendees []string, start time.Time, description string) ([]PrepItem, error)
}

// Config configures the calendar scheduler.
type Config struct {
	DefaultDuration time.Duration // default 1h
	AutoTravel      bool
	TravelMode      string        // default "driving"
	Origin          string        // home/office address used as the travel origin
	FallbackTravel  time.Duration // default 30m
	WorkdayStart    string        // HH:MM, default 09:00
	WorkdayEnd      string        // HH:MM, default 17:00
	SlotStep        time.Duration // default 2h
	SearchDays      int           // default 7
	MaxSuggestions  int           // default 5
	ReminderMinutes int           // default 15
}

func (c Config) withDefaults() Config {
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = time.Hour
	}
	if c.TravelMode == "" {
		c.TravelMode = "driving"
	}
	if c.FallbackTravel <= 0 {
		c.FallbackTravel = 30 * time.Minute
	}
	if c.WorkdayStart == "" {
		c.WorkdayStart = "09:00"
	}
	if c.WorkdayEnd == "" {
		c.WorkdayEnd = "17:00"
	}
	if c.SlotStep <= 0 {
		c.SlotStep = 2 * time.Hour
	}
	if c.SearchDays <= 0 {
		c.SearchDays = 7
	}
	if c.MaxSuggestions <= 0 {
		c.MaxSuggestions = 5
	}
	if c.ReminderMinutes <= 0 {
		c.ReminderMinutes = 15
	}
	return c
}
