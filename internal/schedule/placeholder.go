package schedule

import "bus-tracker/internal/route"

// Placeholder returns a demonstration schedule for vehicles with no
// configured stops: four named stops 15 minutes apart, no coordinates, so
// the ETA surface stays usable while a route is being provisioned.
func Placeholder() []route.Stop {
	names := []string{"Stop A", "Stop B", "Stop C", "Stop D"}
	stops := make([]route.Stop, len(names))
	for i, name := range names {
		off := i * 15
		stops[i] = route.Stop{
			Name:          name,
			SequenceOrder: i + 1,
			OffsetMinutes: &off,
		}
	}
	return stops
}
