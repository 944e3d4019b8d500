package schedule

import (
	"math"
	"time"

	"bus-tracker/internal/route"
)

// Per-stop status labels surfaced to passengers.
const (
	StatusOnTime  = "on_time"
	StatusDelayed = "delayed"
	StatusEarly   = "early"
	StatusArrived = "arrived"
	StatusAtStop  = "at_stop"
)

// onTimeBandMinutes is the delay band treated as on time (inclusive).
const onTimeBandMinutes = 1

// StopEta is one row of the per-stop ETA table.
type StopEta struct {
	StopName        string     `json:"stop_name"`
	ScheduledTime   time.Time  `json:"scheduled_time"`
	Eta             *time.Time `json:"eta"`
	ActualArrivedAt *time.Time `json:"actual_arrived_at"`
	DelayMinutes    int        `json:"delay_minutes"`
	Status          string     `json:"status"`
	Latitude        *float64   `json:"latitude"`
	Longitude       *float64   `json:"longitude"`
}

// DelaySnapshot is the running delay derived from a single fix: how far the
// vehicle runs behind (or ahead of) the nearest stop's scheduled time.
type DelaySnapshot struct {
	DelayMinutes int
	CurrentStop  string
	NextStop     string
}

// RunningDelay computes the vehicle-level delay from the fix's nearest stop.
// This is the delay surfaced in live broadcasts and is independent from the
// interpolated per-stop table. ok is false when the route is too thin or the
// nearest stop carries no schedule offset.
func RunningDelay(stops []route.Stop, fix route.Fix, clock Clock) (DelaySnapshot, bool) {
	if len(stops) < 2 {
		return DelaySnapshot{}, false
	}
	idx, found := route.NearestStop(stops, fix)
	if !found {
		return DelaySnapshot{}, false
	}
	nearest := stops[idx]
	if !nearest.Scheduled() {
		return DelaySnapshot{}, false
	}

	scheduled := clock.ScheduledAt(fix.RecordedAt, *nearest.OffsetMinutes)
	delay := int(math.Floor(fix.RecordedAt.Sub(scheduled).Seconds() / 60))

	snap := DelaySnapshot{DelayMinutes: delay, CurrentStop: nearest.Name}
	if idx < len(stops)-1 {
		snap.NextStop = stops[idx+1].Name
	}
	return snap, true
}

// InterpolatedEta estimates arrival at the target stop by interpolating the
// vehicle's minutes-from-start between the schedule offsets of its current
// segment. Requires every stop to carry an offset (caller checks via
// route.AllScheduled). ok is false when the target is unusable.
func InterpolatedEta(stops []route.Stop, cum []float64, alongKm float64, now time.Time, target int, clock Clock) (time.Time, int, bool) {
	if len(stops) < 2 || target < 0 || target >= len(stops) {
		return time.Time{}, 0, false
	}
	ts := stops[target]
	if !ts.HasCoords() || !ts.Scheduled() {
		return time.Time{}, 0, false
	}

	// Already at or beyond the target: arrival is immediate.
	if alongKm >= cum[target] {
		return now, 0, true
	}

	currentMinutes := minutesFromStart(stops, cum, alongKm)
	remaining := math.Max(0, float64(*ts.OffsetMinutes)-currentMinutes)
	eta := now.Add(time.Duration(remaining * float64(time.Minute)))

	scheduled := clock.ScheduledAt(now, *ts.OffsetMinutes)
	delay := int(eta.Sub(scheduled) / time.Minute)
	return eta, delay, true
}

// minutesFromStart interpolates the vehicle's schedule position from its
// along-route distance, using the segment that contains it.
func minutesFromStart(stops []route.Stop, cum []float64, alongKm float64) float64 {
	last := len(stops) - 1
	if alongKm >= cum[last] {
		return float64(*stops[last].OffsetMinutes)
	}
	seg := 0
	for i := 0; i < last; i++ {
		if alongKm >= cum[i] {
			seg = i
		}
	}
	segStart := float64(*stops[seg].OffsetMinutes)
	segEnd := float64(*stops[seg+1].OffsetMinutes)
	segDist := cum[seg+1] - cum[seg]
	if segDist <= 0.001 {
		return segStart
	}
	progress := (alongKm - cum[seg]) / segDist
	if progress < 0 {
		progress = 0
	} else if progress > 1 {
		progress = 1
	}
	return segStart + (segEnd-segStart)*progress
}

// EtaInput carries everything BuildStopEtas needs for one vehicle.
type EtaInput struct {
	Stops     []route.Stop
	Clock     Clock
	Now       time.Time
	Fix       *route.Fix // nil when the vehicle has never reported
	Arrivals  map[int]time.Time
	BaseDelay int // running delay, drives the fallback estimate
}

// BuildStopEtas produces the ordered ETA/status row per stop. Passed stops
// get no ETA, at-stop rows read "at_stop", upcoming stops get either the
// interpolated estimate or the scheduled-time-plus-running-delay fallback.
// Thin route data degrades to fallback rows rather than failing.
func BuildStopEtas(in EtaInput) []StopEta {
	cum := route.CumulativeDistances(in.Stops)

	alongKm := 0.0
	haveFix := in.Fix != nil
	if haveFix {
		if p := route.Project(in.Stops, cum, *in.Fix); p.Valid {
			alongKm = p.AlongKm
		}
	}
	useInterpolation := haveFix && len(in.Stops) >= 2 && route.AllScheduled(in.Stops)

	out := make([]StopEta, 0, len(in.Stops))
	for idx, s := range in.Stops {
		scheduled := in.Clock.HourFloor(in.Now)
		if s.Scheduled() {
			scheduled = in.Clock.ScheduledAt(in.Now, *s.OffsetMinutes)
		}

		zone := route.ZoneUpcoming
		if haveFix {
			zone = route.ClassifyStop(in.Stops, cum, alongKm, *in.Fix, idx)
		}

		row := StopEta{
			StopName:      s.Name,
			ScheduledTime: scheduled,
			Latitude:      s.Lat,
			Longitude:     s.Lon,
		}
		if at, ok := in.Arrivals[s.ID]; ok {
			t := at
			row.ActualArrivedAt = &t
		}

		switch zone {
		case route.ZonePassed:
			row.Status = StatusArrived
		case route.ZoneAtStop:
			row.Status = StatusAtStop
		default:
			if useInterpolation && s.HasCoords() {
				if eta, delay, ok := InterpolatedEta(in.Stops, cum, alongKm, in.Now, idx, in.Clock); ok {
					row.Eta = &eta
					row.DelayMinutes = delay
					row.Status = classifyDelay(delay)
					break
				}
			}
			eta := scheduled.Add(time.Duration(in.BaseDelay) * time.Minute)
			row.Eta = &eta
			row.DelayMinutes = in.BaseDelay
			row.Status = StatusOnTime
		}
		out = append(out, row)
	}
	return out
}

func classifyDelay(delay int) string {
	switch {
	case delay > onTimeBandMinutes:
		return StatusDelayed
	case delay < -onTimeBandMinutes:
		return StatusEarly
	default:
		return StatusOnTime
	}
}
