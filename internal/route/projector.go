package route

import (
	"math"

	"bus-tracker/internal/geo"
)

const (
	// ArrivalRadiusKm is the proximity threshold for marking a stop as
	// physically reached (20 meters).
	ArrivalRadiusKm = 0.02

	// fallbackSegmentKm is charged for a segment whose endpoints are missing
	// coordinates, keeping cumulative distances monotonic.
	fallbackSegmentKm = 1.0

	// minSegmentKm is the length below which a segment is treated as
	// degenerate and the vehicle is pinned to its start.
	minSegmentKm = 0.001
)

// CumulativeDistances returns the along-route distance of each stop from the
// first stop, in kilometers. cum[0] is always 0.
func CumulativeDistances(stops []Stop) []float64 {
	if len(stops) == 0 {
		return nil
	}
	cum := make([]float64, len(stops))
	for i := 1; i < len(stops); i++ {
		prev, curr := stops[i-1], stops[i]
		d := fallbackSegmentKm
		if prev.HasCoords() && curr.HasCoords() {
			d = geo.DistanceKm(*prev.Lat, *prev.Lon, *curr.Lat, *curr.Lon)
		}
		cum[i] = cum[i-1] + d
	}
	return cum
}

// Projection locates a fix along the route's stop sequence.
type Projection struct {
	AlongKm  float64 // distance from the first stop to the projected position
	Segment  int     // index of the segment's leading stop
	Progress float64 // fractional progress within the segment, 0..1
	Valid    bool    // false when the route is too thin to project onto
}

// Project maps a fix onto the route using the nearest-anchor heuristic: the
// segment whose closer endpoint is nearest to the fix wins, and progress
// within it is dA/(dA+dB). This is an approximation, not a true polyline
// projection; it can pick the wrong segment when a route doubles back near
// itself.
func Project(stops []Stop, cum []float64, fix Fix) Projection {
	if len(stops) < 2 || len(cum) != len(stops) {
		return Projection{}
	}

	best := math.Inf(1)
	var p Projection
	for i := 0; i < len(stops)-1; i++ {
		a, b := stops[i], stops[i+1]
		if !a.HasCoords() || !b.HasCoords() {
			continue
		}
		distA := geo.DistanceKm(fix.Lat, fix.Lon, *a.Lat, *a.Lon)
		distB := geo.DistanceKm(fix.Lat, fix.Lon, *b.Lat, *b.Lon)
		segLen := cum[i+1] - cum[i]

		var progress, along float64
		switch {
		case segLen <= minSegmentKm:
			// Degenerate segment: pin to its start.
			progress = 0
			along = cum[i]
		case distA+distB <= minSegmentKm:
			// Both anchors at the fix; treat as segment start.
			progress = 0
			along = cum[i]
		default:
			progress = clamp01(distA / (distA + distB))
			along = cum[i] + segLen*progress
		}

		if d := math.Min(distA, distB); d < best {
			best = d
			p = Projection{AlongKm: along, Segment: i, Progress: progress, Valid: true}
		}
	}
	return p
}

// DistanceToStop returns the straight-line distance from a fix to a stop in
// kilometers, or +Inf when the stop has no coordinates.
func DistanceToStop(fix Fix, s Stop) float64 {
	if !s.HasCoords() {
		return math.Inf(1)
	}
	return geo.DistanceKm(fix.Lat, fix.Lon, *s.Lat, *s.Lon)
}

// NewArrivals returns the stops the fix has just reached: within the arrival
// radius and not yet present in the arrived set. The check runs over every
// stop independently of the projection, and skipping already-arrived stops
// keeps it idempotent under duplicate fixes.
func NewArrivals(stops []Stop, fix Fix, arrived map[int]bool) []Stop {
	var out []Stop
	for _, s := range stops {
		if arrived[s.ID] {
			continue
		}
		if DistanceToStop(fix, s) <= ArrivalRadiusKm {
			out = append(out, s)
		}
	}
	return out
}

// NearestStop returns the index of the stop closest to the fix by
// straight-line distance. Stops without coordinates are ignored; ok is false
// when no stop is usable.
func NearestStop(stops []Stop, fix Fix) (int, bool) {
	best := math.Inf(1)
	idx := -1
	for i, s := range stops {
		if d := DistanceToStop(fix, s); d < best {
			best = d
			idx = i
		}
	}
	return idx, idx >= 0
}

// Zone classifies a stop relative to the vehicle's along-route position.
type Zone int

const (
	ZoneUpcoming Zone = iota
	ZoneAtStop
	ZonePassed
)

// ClassifyStop places stop idx relative to the projected position. Passed
// means strictly progressed beyond the stop's cumulative distance, so a fix
// sitting exactly on a stop reads as at-stop rather than passed.
func ClassifyStop(stops []Stop, cum []float64, alongKm float64, fix Fix, idx int) Zone {
	if alongKm > cum[idx] {
		return ZonePassed
	}
	if DistanceToStop(fix, stops[idx]) <= ArrivalRadiusKm {
		return ZoneAtStop
	}
	return ZoneUpcoming
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
