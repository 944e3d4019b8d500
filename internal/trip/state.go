package trip

import (
	"sync"
	"time"

	"bus-tracker/internal/route"
)

// Vehicle statuses reported by the classifier.
const (
	StatusNotStarted = "not_started"
	StatusInTransit  = "in_transit"
	StatusCompleted  = "completed"
	StatusOffline    = "offline"

	// Presentation labels layered on top for single-fix reads.
	LabelOnline = "online"
	LabelStale  = "stale"
)

const (
	// offlineAfter is the fix age past which a vehicle counts as offline.
	offlineAfter = 300 * time.Second
	// staleAfter is the fix age past which a live reading is labelled stale.
	staleAfter = 120 * time.Second
)

// state is the mutable per-vehicle trip state. Exactly one exists per active
// trip; its mutex serializes fix processing for the vehicle while distinct
// vehicles proceed in parallel.
type state struct {
	mu sync.Mutex

	sessionID int64
	lastFix   *route.Fix
	arrived   map[int]time.Time // stop id -> arrived at
	delay     int
	current   string
	next      string
}

// resetSession clears per-trip bookkeeping when the driver session changes.
func (s *state) resetSession(sessionID int64) {
	s.sessionID = sessionID
	s.arrived = nil
}

// VehicleInfo is the route-configuration view of a vehicle the engine needs.
type VehicleInfo struct {
	ID        string
	RouteName string
	StartTime *time.Time // reference trip start; nil when not configured
	Active    bool
}

// DelayInfo is the persisted running delay for a vehicle.
type DelayInfo struct {
	DelayMinutes int
	CurrentStop  string
	NextStop     string
}

// LastLocation is the vehicle status view served to passengers and returned
// to the driver after each fix.
type LastLocation struct {
	Latitude            float64   `json:"latitude"`
	Longitude           float64   `json:"longitude"`
	RecordedAt          time.Time `json:"recorded_at"`
	LastSeenSeconds     int       `json:"last_seen_seconds"`
	RunningDelayMinutes int       `json:"running_delay_minutes"`
	Status              string    `json:"status"`
	CurrentStop         *string   `json:"current_stop"`
	NextStop            *string   `json:"next_stop"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
