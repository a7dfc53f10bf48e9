package calendar

import (
	"fmt"
	"time"
)

// overlaps is the half-open interval test: [a1,a2) and [b1,b2) overlap iff a1 < b2 && b1 < a2.
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

func (s *Service) conflictsLocked(e Event) []Event {
	if e.Status == StatusCancelled {
		return nil
	}
	var out []Event
	for _, other := range s.events {
		if other.ID == e.ID || other.Status == StatusCancelled {
			continue
		}
		if overlaps(e.Start, e.End, other.Start, other.End) {
			out = append(out, cloneEvent(*other))
		}
	}
	sortByStart(out)
	return out
}

// freeLocked is a linear scan over stored non-cancelled events. skipID excludes one event.
func (s *Service) freeLocked(start, end time.Time, skipID string) bool {
	for _, other := range s.events {
		if other.ID == skipID || other.Status == StatusCancelled {
			continue
		}
		if overlaps(start, end, other.Start, other.End) {
			return false
		}
	}
	return true
}

// resolveConflictsLocked suggests, per conflicting event and in this order:
// the slot right before it, the slot right after it, and the same time on the
// next day. Only free slots are suggested.
func (s *Service) resolveConflictsLocked(e Event) []ConflictResolution {
	conflicts := s.conflictsLocked(e)
	if len(conflicts) == 0 {
		return nil
	}
	d := e.End.Sub(e.Start)
	out := make([]ConflictResolution, 0, len(conflicts))
	for _, other := range conflicts {
		candidates := []time.Time{
			other.Start.Add(-d),
			other.End,
			e.Start.AddDate(0, 0, 1),
		}
		var suggested []time.Time
		for _, c := range candidates {
			if s.freeLocked(c, c.Add(d), e.ID) {
				suggested = append(suggested, c)
			}
		}
		out = append(out, ConflictResolution{
			ConflictingEventID: other.ID,
			SuggestedTimes:     suggested,
			Reason:             fmt.Sprintf("overlaps %q (%s - %s)", other.Title, other.Start.Format(time.Kitchen), other.End.Format(time.Kitchen)),
		})
	}
	return out
}

type span struct{ start, end time.Time }

// refreshNeighborsLocked recomputes the stored conflicts of every event other
// than id that overlaps one of spans or still lists id as a conflict.
func (s *Service) refreshNeighborsLocked(id string, spans ...span) {
	for _, other := range s.events {
		if other.ID == id {
			continue
		}
		if listsConflict(other, id) || overlapsAny(other, spans) {
			other.Conflicts = s.resolveConflictsLocked(*other)
		}
	}
}

func listsConflict(e *Event, id string) bool {
	for _, c := range e.Conflicts {
		if c.ConflictingEventID == id {
			return true
		}
	}
	return false
}

func overlapsAny(e *Event, spans []span) bool {
	for _, sp := range spans {
		if overlaps(sp.start, sp.end, e.Start, e.End) {
			return true
		}
	}
	return false
}
