package calendar

import (
	"context"
	"errors"
	"strings"
	"time"

	"assistd/pkg/logx"
)

// applyTravel shifts e.Start earlier by the travel time to e.Location so that
// the event starts when the user has to leave. arrival is the appointment time.
// Lookup failures fall back to cfg.FallbackTravel.
func (s *Service) applyTravel(ctx context.Context, cfg Config, e *Event, arrival time.Time) {
	if !cfg.AutoTravel || e.Location == nil || strings.TrimSpace(e.Location.Address) == "" {
		return
	}
	dest := *e.Location
	if s.resolver != nil {
		resolved, err := s.resolver.Resolve(ctx, dest.Address)
		if err != nil {
			s.log.Warn("location lookup failed", logx.String("address", dest.Address), logx.Err(err))
		} else {
			if resolved.Address == "" {
				resolved.Address = dest.Address
			}
			dest = resolved
			e.Location = &resolved
		}
	}

	info := TravelInfo{Mode: cfg.TravelMode, ArrivalTime: arrival}
	est, err := s.estimate(ctx, cfg, dest, arrival)
	if err != nil {
		s.log.Warn("travel estimate failed, using fallback",
			logx.String("event", e.ID), logx.Duration("fallback", cfg.FallbackTravel), logx.Err(err))
		info.DurationMinutes = int(cfg.FallbackTravel / time.Minute)
		info.Estimated = true
	} else {
		info.DurationMinutes = est.DurationMinutes
		info.RouteSummary = est.RouteSummary
	}
	info.DepartureTime = arrival.Add(-time.Duration(info.DurationMinutes) * time.Minute)
	e.Travel = &info
	e.Start = info.DepartureTime
}

func (s *Service) estimate(ctx context.Context, cfg Config, dest Location, arrival time.Time) (TravelEstimate, error) {
	if s.travel == nil {
		return TravelEstimate{}, errors.New("no travel estimator configured")
	}
	est, err := s.travel.Estimate(ctx, Location{Address: cfg.Origin}, dest, cfg.TravelMode, arrival)
	if err != nil {
		return TravelEstimate{}, err
	}
	if est.DurationMinutes < 0 {
		return TravelEstimate{}, errors.New("negative travel duration")
	}
	return est, nil
}
