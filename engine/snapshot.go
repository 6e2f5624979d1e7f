/*
snapshot.go - Immutable fact snapshot for one resource

The Availability Calculator and Conflict Detector never touch the store
directly: they operate on a Snapshot, a point-in-time copy of the facts
for one resource over one window. Snapshots handed to optimistic
(client-side) checks may be arbitrarily stale; only the snapshot read
inside the Coordinator's critical section is authoritative.
*/
package engine

import (
	"context"
	"time"
)

// Snapshot is an immutable view of the calendar facts for one resource.
// It is safe to share between goroutines; nothing in the engine mutates
// a snapshot after construction.
type Snapshot struct {
	Resource     ResourceID
	Window       TimeRange
	TakenAt      time.Time
	Rules        []WorkingHoursRule
	Blackouts    []BlackoutPeriod
	Appointments []Appointment // active (pending|confirmed) only
}

// TakeSnapshot reads the facts for one resource over a window. The
// caller is responsible for widening the window by the buffer when the
// snapshot will feed a buffered overlap check.
func TakeSnapshot(ctx context.Context, store FactStore, resource ResourceID, window TimeRange) (*Snapshot, error) {
	rules, err := store.WorkingHours(ctx, resource)
	if err != nil {
		return nil, err
	}
	blackouts, err := store.Blackouts(ctx, resource, window)
	if err != nil {
		return nil, err
	}
	appts, err := store.ListActiveAppointments(ctx, resource, window)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Resource:     resource,
		Window:       window,
		TakenAt:      time.Now().UTC(),
		Rules:        rules,
		Blackouts:    blackouts,
		Appointments: appts,
	}, nil
}

// WorkingRangesOn returns the merged working-hour ranges in force on
// the given day, before blackouts or appointments are considered.
func (s *Snapshot) WorkingRangesOn(day time.Time) []TimeRange {
	var ranges []TimeRange
	for _, r := range s.Rules {
		if r.AppliesOn(day) {
			ranges = append(ranges, r.RangeOn(day))
		}
	}
	return MergeRanges(ranges)
}

// OpenRangesOn returns the bookable ranges on the given day: working
// hours minus blackout periods. Appointments are not subtracted here;
// the Availability Calculator handles those with buffer expansion.
func (s *Snapshot) OpenRangesOn(day time.Time) []TimeRange {
	open := s.WorkingRangesOn(day)
	if len(open) == 0 {
		return nil
	}
	busy := make([]TimeRange, 0, len(s.Blackouts))
	for _, b := range s.Blackouts {
		busy = append(busy, b.Span)
	}
	return SubtractRanges(open, busy)
}

// coveredByWorkingHours reports whether the range lies entirely inside
// working hours, ignoring blackouts (those are reported separately).
func (s *Snapshot) coveredByWorkingHours(r TimeRange) bool {
	var cover []TimeRange
	for day := startOfDay(r.Start); day.Before(r.End); day = day.AddDate(0, 0, 1) {
		cover = append(cover, s.WorkingRangesOn(day)...)
	}
	return r.CoveredBy(cover)
}
