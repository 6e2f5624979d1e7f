/*
availability.go - The Availability Calculator

CONTRACT:
  Given a fact snapshot, a service duration, and a window, produce an
  ascending sequence of SlotCandidate values representing bookable
  openings. Pure: no store access, no locking, no errors - a resource
  with no working-hour rules simply yields nothing.

ALGORITHM (per calendar day in the window):
  1. Intersect the resource's working-hour rules with the complement of
     blackout periods, giving the "open" ranges.
  2. Subtract every active appointment, expanded by the buffer on both
     sides.
  3. Walk each remaining open range from its start in granularity-sized
     steps, emitting a candidate wherever step+duration still fits.

  Steps are anchored at the open range's start, not a wall-clock grid:
  with a 10-minute buffer after a 10:30 appointment the first bookable
  start is 10:40, which no :00/:15 grid would produce.

LAZINESS:
  Slots returns an iterator so long horizons can be paginated without
  materializing every candidate. The iterator is restartable: Seek
  fast-forwards to a cursor, so a follow-up page resumes after the last
  slot the client saw.
*/
package engine

import "time"

// Calculator computes open slots from a snapshot.
// Both knobs are configuration inputs; the engine hard-codes neither.
type Calculator struct {
	Granularity time.Duration // step between candidate starts, e.g. 15m
	Buffer      time.Duration // mandatory idle around each appointment
}

// DefaultGranularity is used when a Calculator is built with a zero step.
const DefaultGranularity = 15 * time.Minute

// NewCalculator builds a Calculator, applying DefaultGranularity when
// granularity is zero. A zero buffer is valid (back-to-back bookings).
func NewCalculator(granularity, buffer time.Duration) Calculator {
	if granularity <= 0 {
		granularity = DefaultGranularity
	}
	return Calculator{Granularity: granularity, Buffer: buffer}
}

// Slots returns a lazy iterator over bookable openings of the given
// duration inside the window. The snapshot must cover at least
// window.Expand(Buffer) for appointment subtraction to be complete.
func (c Calculator) Slots(snap *Snapshot, duration time.Duration, window TimeRange) *SlotIterator {
	return &SlotIterator{
		calc:     c,
		snap:     snap,
		duration: duration,
		window:   window,
		day:      startOfDay(window.Start),
	}
}

// =============================================================================
// SLOT ITERATOR
// =============================================================================

// SlotIterator walks candidate slots in ascending start order.
// Not safe for concurrent use; create one per caller.
type SlotIterator struct {
	calc     Calculator
	snap     *Snapshot
	duration time.Duration
	window   TimeRange

	day    time.Time   // current day being walked
	open   []TimeRange // open ranges remaining for the current day
	cursor time.Time   // next step inside open[0]
	primed bool        // cursor is positioned inside open[0]
}

// Next returns the next candidate. ok is false when the window is
// exhausted.
func (it *SlotIterator) Next() (SlotCandidate, bool) {
	if it.duration <= 0 || !it.window.IsValid() {
		return SlotCandidate{}, false
	}
	for {
		if len(it.open) == 0 {
			if !it.advanceDay() {
				return SlotCandidate{}, false
			}
			continue
		}
		if !it.primed {
			it.cursor = it.open[0].Start
			it.primed = true
		}
		slot := TimeRange{Start: it.cursor, End: it.cursor.Add(it.duration)}
		if !it.open[0].Contains(slot) || !it.window.Contains(slot) {
			// No further fit in this open range.
			it.open = it.open[1:]
			it.primed = false
			continue
		}
		it.cursor = it.cursor.Add(it.calc.Granularity)
		return SlotCandidate{Resource: it.snap.Resource, Start: slot.Start, Duration: it.duration}, true
	}
}

// Seek fast-forwards the iterator so that the next candidate starts at
// or after t. Used to resume pagination from a cursor.
func (it *SlotIterator) Seek(t time.Time) {
	if !t.After(it.window.Start) {
		return
	}
	it.window.Start = t
	if it.day.Before(startOfDay(t)) {
		it.day = startOfDay(t)
		it.open = nil
		it.primed = false
		return
	}
	// Same day: drop exhausted open ranges and realign the cursor.
	for len(it.open) > 0 && !it.open[0].End.After(t) {
		it.open = it.open[1:]
		it.primed = false
	}
	if len(it.open) > 0 && it.primed && it.cursor.Before(t) {
		steps := t.Sub(it.cursor) / it.calc.Granularity
		it.cursor = it.cursor.Add(steps * it.calc.Granularity)
		if it.cursor.Before(t) {
			it.cursor = it.cursor.Add(it.calc.Granularity)
		}
	}
}

// Collect drains the iterator into a slice.
func (it *SlotIterator) Collect() []SlotCandidate {
	var out []SlotCandidate
	for {
		s, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, s)
	}
}

// CollectN returns up to n candidates, leaving the iterator positioned
// after the last one returned.
func (it *SlotIterator) CollectN(n int) []SlotCandidate {
	var out []SlotCandidate
	for len(out) < n {
		s, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, s)
	}
	return out
}

// advanceDay computes the open ranges for the current day and moves the
// day pointer forward. Returns false once past the window end.
func (it *SlotIterator) advanceDay() bool {
	for {
		if !it.day.Before(it.window.End) {
			return false
		}
		day := it.day
		it.day = it.day.AddDate(0, 0, 1)

		open := it.snap.OpenRangesOn(day)
		if len(open) == 0 {
			continue
		}
		busy := make([]TimeRange, 0, len(it.snap.Appointments))
		for _, a := range it.snap.Appointments {
			busy = append(busy, a.Range().Expand(it.calc.Buffer))
		}
		open = SubtractRanges(open, busy)

		// Clamp to the requested window.
		var clamped []TimeRange
		for _, o := range open {
			if clipped, ok := o.Intersect(it.window); ok {
				clamped = append(clamped, clipped)
			}
		}
		if len(clamped) == 0 {
			continue
		}
		it.open = clamped
		it.primed = false
		return true
	}
}
