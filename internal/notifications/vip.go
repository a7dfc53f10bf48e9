package notifications

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"assistd/internal/storage"
	"assistd/pkg/clock"
	"assistd/pkg/logx"
)

// AddVIP registers a contact keyed by its normalized address.
func (s *Service) AddVIP(ctx context.Context, c VIPContact) (VIPContact, error) {
	c, err := normalizeVIP(c)
	if err != nil {
		return VIPContact{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.vips[c.ID]; exists {
		return VIPContact{}, fmt.Errorf("%w: %s already registered", ErrInvalidVIP, c.ID)
	}
	stored := cloneVIP(c)
	s.vips[c.ID] = &stored
	s.saveVIPsLocked(ctx)
	return cloneVIP(stored), nil
}

func (s *Service) UpdateVIP(ctx context.Context, c VIPContact) (VIPContact, error) {
	c, err := normalizeVIP(c)
	if err != nil {
		return VIPContact{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vips[c.ID]; !ok {
		return VIPContact{}, fmt.Errorf("%w: vip %s", ErrNotFound, c.ID)
	}
	stored := cloneVIP(c)
	s.vips[c.ID] = &stored
	s.saveVIPsLocked(ctx)
	return cloneVIP(stored), nil
}

func (s *Service) RemoveVIP(ctx context.Context, id string) error {
	id = normalizeID(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vips[id]; !ok {
		return fmt.Errorf("%w: vip %s", ErrNotFound, id)
	}
	delete(s.vips, id)
	s.saveVIPsLocked(ctx)
	return nil
}

// VIPs lists contacts ordered by address.
func (s *Service) VIPs() []VIPContact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vipListLocked()
}

func (s *Service) Preferences() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePrefs(s.prefs)
}

// UpdatePreferences validates and persists p.
func (s *Service) UpdatePreferences(ctx context.Context, p Preferences) (Preferences, error) {
	if p.QuietHours.Enabled {
		if _, _, err := quietBounds(p.QuietHours); err != nil {
			return Preferences{}, fmt.Errorf("%w: %v", ErrInvalidPrefs, err)
		}
	}
	if p.MeetingBufferMinutes < 0 || p.TrafficLeadMinutes < 0 {
		return Preferences{}, fmt.Errorf("%w: minutes must be >= 0", ErrInvalidPrefs)
	}
	if p.Channels == nil {
		p.Channels = DefaultPreferences().Channels
	}
	for prio := range p.Channels {
		if !prio.Valid() {
			return Preferences{}, fmt.Errorf("%w: unknown priority %q in channels", ErrInvalidPrefs, prio)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = clonePrefs(p)
	s.customPrefs = true
	if s.store != nil {
		if err := storage.SaveValue(ctx, s.store, storage.CollectionPreferences, s.prefs); err != nil {
			s.log.Error("preferences not persisted", logx.Err(err))
		}
	}
	return clonePrefs(s.prefs), nil
}

func (s *Service) saveVIPsLocked(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := storage.SaveAll(ctx, s.store, storage.CollectionVIPs, s.vipListLocked()); err != nil {
		s.log.Error("vip contacts not persisted", logx.Err(err))
	}
}

func (s *Service) vipListLocked() []VIPContact {
	out := make([]VIPContact, 0, len(s.vips))
	for _, c := range s.vips {
		out = append(out, cloneVIP(*c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func normalizeVIP(c VIPContact) (VIPContact, error) {
	c.ID = normalizeID(c.ID)
	if c.ID == "" {
		return VIPContact{}, fmt.Errorf("%w: id (address) is required", ErrInvalidVIP)
	}
	c.Name = strings.TrimSpace(c.Name)
	if !c.Relationship.Valid() {
		return VIPContact{}, fmt.Errorf("%w: unknown relationship %q", ErrInvalidVIP, c.Relationship)
	}
	if c.Priority == "" {
		c.Priority = VIPImportant
	}
	if c.Priority != VIPVIP && c.Priority != VIPImportant {
		return VIPContact{}, fmt.Errorf("%w: priority must be vip or important", ErrInvalidVIP)
	}
	for i, w := range c.TimeRules {
		if _, _, err := clock.ParseHHMM(w.Start); err != nil {
			return VIPContact{}, fmt.Errorf("%w: time rule %d: %v", ErrInvalidVIP, i, err)
		}
		if _, _, err := clock.ParseHHMM(w.End); err != nil {
			return VIPContact{}, fmt.Errorf("%w: time rule %d: %v", ErrInvalidVIP, i, err)
		}
	}
	return c, nil
}

func cloneVIP(c VIPContact) VIPContact {
	rules := make([]TimeWindow, len(c.TimeRules))
	for i, w := range c.TimeRules {
		w.Days = append([]string(nil), w.Days...)
		rules[i] = w
	}
	if len(rules) == 0 {
		rules = nil
	}
	c.TimeRules = rules
	return c
}

func clonePrefs(p Preferences) Preferences {
	if p.Channels != nil {
		ch := make(map[Priority][]string, len(p.Channels))
		for k, v := range p.Channels {
			ch[k] = append([]string(nil), v...)
		}
		p.Channels = ch
	}
	return p
}
