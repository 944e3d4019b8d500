package route

import "time"

// Stop is one scheduled halt on a vehicle's route. Stops are ordered by
// SequenceOrder; coordinates and the schedule offset are optional for legacy
// routes that only carry a name list.
type Stop struct {
	ID            int
	Name          string
	Lat           *float64
	Lon           *float64
	SequenceOrder int
	OffsetMinutes *int // minutes from the trip's reference start time
}

// HasCoords reports whether the stop carries a usable coordinate pair.
func (s Stop) HasCoords() bool { return s.Lat != nil && s.Lon != nil }

// Scheduled reports whether the stop carries a schedule offset.
func (s Stop) Scheduled() bool { return s.OffsetMinutes != nil }

// Fix is a single GPS sample for a vehicle.
type Fix struct {
	Lat        float64
	Lon        float64
	RecordedAt time.Time
}

// AllScheduled reports whether every stop carries a schedule offset. The
// interpolated ETA path requires this; a single missing offset pushes the
// whole list onto the scheduled-time-plus-running-delay fallback.
func AllScheduled(stops []Stop) bool {
	for _, s := range stops {
		if !s.Scheduled() {
			return false
		}
	}
	return len(stops) > 0
}
