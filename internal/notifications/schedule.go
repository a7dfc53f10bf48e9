package notifications

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/spf13/cast"

	"assistd/internal/notifier"
	"assistd/internal/presence"
	"assistd/pkg/clock"
)

var urgencyKeywords = []string{"urgent", "emergency", "asap", "immediate", "critical"}

// senderAddress extracts a normalized address from metadata sender/from/email.
func senderAddress(meta map[string]any) string {
	for _, k := range []string{"sender", "from", "email"} {
		raw := strings.TrimSpace(cast.ToString(meta[k]))
		if raw == "" {
			continue
		}
		if addr, err := mail.ParseAddress(raw); err == nil {
			return normalizeID(addr.Address)
		}
		return normalizeID(raw)
	}
	return ""
}

func normalizeID(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// vipLevelLocked derives the VIP level and the matching contact, if any.
func (s *Service) vipLevelLocked(n Notification) (VIPLevel, *VIPContact) {
	if addr := senderAddress(n.Context.Metadata); addr != "" {
		if c, ok := s.vips[addr]; ok {
			switch {
			case c.Relationship == RelEmergency:
				return VIPEmergency, c
			case c.Priority == VIPVIP:
				return VIPVIP, c
			default:
				return VIPImportant, c
			}
		}
	}
	text := strings.ToLower(n.Title + " " + n.Message)
	for _, kw := range urgencyKeywords {
		if strings.Contains(text, kw) {
			return VIPImportant, nil
		}
	}
	return VIPNone, nil
}

// deliveryTimeLocked evaluates the delivery rules in order; the first match wins.
func (s *Service) deliveryTimeLocked(n Notification, contact *VIPContact, now time.Time) time.Time {
	p := s.prefs
	if n.Priority == PriorityCritical || n.VIPLevel == VIPEmergency {
		return now
	}
	if n.VIPLevel == VIPVIP && p.VIPAlwaysThrough {
		return now
	}
	if contact != nil && contact.AlwaysAllow && contactWindowOpen(contact, now.In(s.loc)) {
		return now
	}
	if s.ctxp != nil && !p.AllowMeetingInterruptions {
		if uc := s.ctxp.Current(); uc.Activity == presence.InMeeting {
			if end, ok := s.meetingEnd(uc, now); ok {
				return end.Add(time.Duration(p.MeetingBufferMinutes) * time.Minute)
			}
		}
	}
	if (n.Priority == PriorityMedium || n.Priority == PriorityLow) && InQuietHours(p.QuietHours, now.In(s.loc)) {
		return QuietHoursEnd(p.QuietHours, now.In(s.loc))
	}
	if n.Type == TypeTraffic && n.Context.IsTimeSensitive {
		return trafficDeliveryTime(n.Context.Traffic, p.TrafficLeadMinutes, now)
	}
	return now
}

func (s *Service) meetingEnd(uc presence.Context, now time.Time) (time.Time, bool) {
	if s.meetings != nil {
		if m, ok := s.meetings.CurrentMeeting(now); ok {
			return m.End, true
		}
	}
	if uc.MeetingEnd != nil && uc.MeetingEnd.After(now) {
		return *uc.MeetingEnd, true
	}
	return time.Time{}, false
}

// channelLocked picks the delivery channel: in_app during meetings, push for
// critical and VIP, otherwise the first preferred channel for the priority.
func (s *Service) channelLocked(n Notification) string {
	if s.ctxp != nil && s.ctxp.Current().Activity == presence.InMeeting {
		return notifier.ChannelInApp
	}
	if n.Priority == PriorityCritical || n.VIPLevel == VIPVIP || n.VIPLevel == VIPEmergency {
		return notifier.ChannelPush
	}
	if chans := s.prefs.Channels[n.Priority]; len(chans) > 0 && chans[0] != "" {
		return chans[0]
	}
	return notifier.ChannelInApp
}

// InQuietHours reports whether t falls in q. Same-day windows are
// [start, end); windows with start > end wrap midnight. start == end is empty.
func InQuietHours(q QuietHours, t time.Time) bool {
	if !q.Enabled {
		return false
	}
	start, end, err := quietBounds(q)
	if err != nil {
		return false
	}
	return inWindow(start, end, t.Hour()*60+t.Minute())
}

func inWindow(start, end, m int) bool {
	switch {
	case start < end:
		return m >= start && m < end
	case start > end:
		return m >= start || m < end
	}
	return false
}

// QuietHoursEnd is the next end of quiet hours after t: today's end if still
// ahead, otherwise tomorrow's.
func QuietHoursEnd(q QuietHours, t time.Time) time.Time {
	_, end, err := quietBounds(q)
	if err != nil {
		return t
	}
	at := clock.At(t, end/60, end%60)
	if !at.After(t) {
		at = clock.At(t.AddDate(0, 0, 1), end/60, end%60)
	}
	return at
}

func quietBounds(q QuietHours) (int, int, error) {
	sh, sm, err := clock.ParseHHMM(q.Start)
	if err != nil {
		return 0, 0, fmt.Errorf("quiet hours start: %w", err)
	}
	eh, em, err := clock.ParseHHMM(q.End)
	if err != nil {
		return 0, 0, fmt.Errorf("quiet hours end: %w", err)
	}
	return sh*60 + sm, eh*60 + em, nil
}

// contactWindowOpen is true when the contact has no time rules or one matches t.
func contactWindowOpen(c *VIPContact, t time.Time) bool {
	if len(c.TimeRules) == 0 {
		return true
	}
	day := strings.ToLower(t.Weekday().String()[:3])
	for _, w := range c.TimeRules {
		if len(w.Days) > 0 && !containsDay(w.Days, day) {
			continue
		}
		sh, sm, err1 := clock.ParseHHMM(w.Start)
		eh, em, err2 := clock.ParseHHMM(w.End)
		if err1 != nil || err2 != nil {
			continue
		}
		if inWindow(sh*60+sm, eh*60+em, t.Hour()*60+t.Minute()) {
			return true
		}
	}
	return false
}

func containsDay(days []string, day string) bool {
	for _, d := range days {
		d = strings.ToLower(strings.TrimSpace(d))
		if len(d) >= 3 && d[:3] == day {
			return true
		}
	}
	return false
}

// trafficDeliveryTime alerts leadMinutes before the user has to leave to
// arrive on time given current travel time and delay.
func trafficDeliveryTime(t *TrafficInfo, leadMinutes int, now time.Time) time.Time {
	if t == nil || t.ArriveBy == nil {
		return now
	}
	travel := time.Duration(t.DurationMinutes+t.DelayMinutes) * time.Minute
	at := t.ArriveBy.Add(-travel).Add(-time.Duration(leadMinutes) * time.Minute)
	if !at.After(now) {
		return now
	}
	return at
}
