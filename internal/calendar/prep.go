package calendar

import (
	"context"
	"strings"

	"assistd/pkg/logx"
)

func genericPrep() []PrepItem {
	return []PrepItem{
		{Title: "Review the agenda"},
		{Title: "Prepare talking points"},
		{Title: "Check the attendee list"},
		{Title: "Gather relevant documents"},
	}
}

// preparation returns a checklist for work meetings that are not phone calls.
func (s *Service) preparation(ctx context.Context, e Event) []PrepItem {
	if !strings.EqualFold(e.Category, CategoryWork) || e.MeetingType == MeetingPhone || !e.IsMeeting() {
		return nil
	}
	if s.prep == nil {
		return genericPrep()
	}
	addrs := make([]string, 0, len(e.Attendees))
	for _, a := range e.Attendees {
		if a.Email != "" {
			addrs = append(addrs, a.Email)
		}
	}
	items, err := s.prep.Prepare(ctx, e.Title, addrs, e.MeetingStart(), e.Description)
	if err != nil || len(items) == 0 {
		if err != nil {
			s.log.Warn("meeting preparation failed, using generic checklist", logx.String("event", e.ID), logx.Err(err))
		}
		return genericPrep()
	}
	return items
}
