package schedule

import "time"

// Clock anchors all schedule math in one trip-local frame: the trip's
// reference start time projected onto the current calendar day of the
// configured timezone. Both schedule resolution and delay computation go
// through it so offset arithmetic never re-derives timezone conversions.
type Clock struct {
	start time.Time
	loc   *time.Location
}

// NewClock builds a clock from a stored reference start time (any date, any
// zone) and the trip's local timezone.
func NewClock(start time.Time, loc *time.Location) Clock {
	if loc == nil {
		loc = time.UTC
	}
	return Clock{start: start, loc: loc}
}

// NewHourClock anchors a clock at the top of the current hour, used for
// placeholder schedules that have no configured start time.
func NewHourClock(now time.Time, loc *time.Location) Clock {
	if loc == nil {
		loc = time.UTC
	}
	n := now.In(loc)
	return Clock{
		start: time.Date(n.Year(), n.Month(), n.Day(), n.Hour(), 0, 0, 0, loc),
		loc:   loc,
	}
}

// TripStart returns today's trip start: the reference start's wall time on
// now's calendar day, in the trip's local zone.
func (c Clock) TripStart(now time.Time) time.Time {
	local := c.start.In(c.loc)
	n := now.In(c.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), local.Hour(), local.Minute(), 0, 0, c.loc)
}

// ScheduledAt resolves a stop's schedule offset to an absolute time on the
// current trip day.
func (c Clock) ScheduledAt(now time.Time, offsetMinutes int) time.Time {
	return c.TripStart(now).Add(time.Duration(offsetMinutes) * time.Minute)
}

// HourFloor returns now truncated to the hour in the trip's local zone. Used
// as the scheduled-time stand-in for stops with no offset.
func (c Clock) HourFloor(now time.Time) time.Time {
	n := now.In(c.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), n.Hour(), 0, 0, 0, c.loc)
}
