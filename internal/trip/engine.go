package trip

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"bus-tracker/internal/hub"
	"bus-tracker/internal/route"
	"bus-tracker/internal/schedule"
)

// ErrNoLocation is returned when a vehicle exists but has never reported a
// position.
var ErrNoLocation = errors.New("no location data for vehicle")

// Store is the persistence collaborator. Arrival writes must stay idempotent
// on the caller side (arrived-set re-check) since no transaction spans the
// read-check and the write.
type Store interface {
	Vehicle(ctx context.Context, vehicleID string) (VehicleInfo, error)
	StopsForVehicle(ctx context.Context, vehicleID string) ([]route.Stop, error)
	SaveLocation(ctx context.Context, vehicleID string, fix route.Fix) (sessionID int64, err error)
	LastLocation(ctx context.Context, vehicleID string) (route.Fix, int64, error)
	ArrivedStops(ctx context.Context, sessionID int64) (map[int]time.Time, error)
	RecordArrival(ctx context.Context, sessionID int64, stopID int, at time.Time) error
	SaveDelay(ctx context.Context, vehicleID string, d DelayInfo) error
	Delay(ctx context.Context, vehicleID string) (DelayInfo, error)
}

// Publisher mirrors hub broadcasts onto an external transport. Failures are
// logged and never propagated to the fix path.
type Publisher interface {
	PublishPosition(vehicleID string, p hub.PositionUpdate) error
	PublishDelay(vehicleID string, d hub.DelayUpdate) error
}

// Metrics is the optional instrumentation surface for the engine.
type Metrics interface {
	FixProcessed(d time.Duration)
	ArrivalRecorded()
}

// Engine owns all per-vehicle trip state and drives the projection, delay
// and broadcast pipeline for every incoming fix.
type Engine struct {
	store Store
	hub   *hub.Hub
	pub   Publisher
	loc   *time.Location
	m     Metrics

	mu     sync.Mutex
	states map[string]*state
}

// NewEngine wires the engine. pub and m may be nil; loc defaults to UTC.
func NewEngine(st Store, h *hub.Hub, pub Publisher, loc *time.Location, m Metrics) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		store:  st,
		hub:    h,
		pub:    pub,
		loc:    loc,
		m:      m,
		states: make(map[string]*state),
	}
}

// stateFor returns the vehicle's trip state, creating it on first use.
func (e *Engine) stateFor(vehicleID string) *state {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[vehicleID]
	if !ok {
		s = &state{}
		e.states[vehicleID] = s
	}
	return s
}

// EndTrip discards the vehicle's in-memory trip state, e.g. when the driver
// session ends or expires.
func (e *Engine) EndTrip(vehicleID string) {
	e.mu.Lock()
	delete(e.states, vehicleID)
	e.mu.Unlock()
}

// OnFix is the sole entry point for position updates. Fixes for one vehicle
// are processed strictly in arrival order under the vehicle's state lock;
// fixes for distinct vehicles run in parallel.
func (e *Engine) OnFix(ctx context.Context, vehicleID string, fix route.Fix) (LastLocation, error) {
	started := time.Now()
	s := e.stateFor(vehicleID)
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, err := e.store.SaveLocation(ctx, vehicleID, fix)
	if err != nil {
		return LastLocation{}, fmt.Errorf("save location: %w", err)
	}
	if sessionID != s.sessionID {
		s.resetSession(sessionID)
	}

	veh, err := e.store.Vehicle(ctx, vehicleID)
	if err != nil {
		return LastLocation{}, fmt.Errorf("load vehicle: %w", err)
	}
	stops, err := e.store.StopsForVehicle(ctx, vehicleID)
	if err != nil {
		return LastLocation{}, fmt.Errorf("load stops: %w", err)
	}

	if sessionID != 0 && len(stops) > 0 {
		if err := e.recordArrivals(ctx, s, stops, fix); err != nil {
			// Arrival bookkeeping must not fail the fix; retried next fix.
			log.Printf("trip %s: record arrivals: %v", vehicleID, err)
		}
	}

	delay := DelayInfo{DelayMinutes: s.delay, CurrentStop: s.current, NextStop: s.next}
	if veh.StartTime != nil {
		clock := schedule.NewClock(*veh.StartTime, e.loc)
		if snap, ok := schedule.RunningDelay(stops, fix, clock); ok {
			delay = DelayInfo{DelayMinutes: snap.DelayMinutes, CurrentStop: snap.CurrentStop, NextStop: snap.NextStop}
			if err := e.store.SaveDelay(ctx, vehicleID, delay); err != nil {
				return LastLocation{}, fmt.Errorf("save delay: %w", err)
			}
			e.broadcastDelay(vehicleID, delay)
		}
	}

	s.lastFix = &fix
	s.delay = delay.DelayMinutes
	s.current = delay.CurrentStop
	s.next = delay.NextStop

	e.broadcastPosition(vehicleID, fix, 0, LabelOnline)
	if e.m != nil {
		e.m.FixProcessed(time.Since(started))
	}

	return LastLocation{
		Latitude:            fix.Lat,
		Longitude:           fix.Lon,
		RecordedAt:          fix.RecordedAt,
		LastSeenSeconds:     0,
		RunningDelayMinutes: delay.DelayMinutes,
		Status:              LabelOnline,
		CurrentStop:         optional(delay.CurrentStop),
		NextStop:            optional(delay.NextStop),
	}, nil
}

// recordArrivals detects stops newly within the arrival radius and writes
// one ArrivalRecord per (session, stop). The arrived set is re-checked
// before each write, so duplicate and out-of-order fixes stay idempotent.
func (e *Engine) recordArrivals(ctx context.Context, s *state, stops []route.Stop, fix route.Fix) error {
	if s.arrived == nil {
		set, err := e.store.ArrivedStops(ctx, s.sessionID)
		if err != nil {
			return fmt.Errorf("load arrived stops: %w", err)
		}
		if set == nil {
			set = make(map[int]time.Time)
		}
		s.arrived = set
	}

	seen := make(map[int]bool, len(s.arrived))
	for id := range s.arrived {
		seen[id] = true
	}
	for _, stop := range route.NewArrivals(stops, fix, seen) {
		if err := e.store.RecordArrival(ctx, s.sessionID, stop.ID, fix.RecordedAt); err != nil {
			return fmt.Errorf("record arrival at stop %d: %w", stop.ID, err)
		}
		s.arrived[stop.ID] = fix.RecordedAt
		if e.m != nil {
			e.m.ArrivalRecorded()
		}
	}
	return nil
}

// SetDelay applies a manual delay override and broadcasts it.
func (e *Engine) SetDelay(ctx context.Context, vehicleID string, d DelayInfo) error {
	s := e.stateFor(vehicleID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := e.store.SaveDelay(ctx, vehicleID, d); err != nil {
		return fmt.Errorf("save delay: %w", err)
	}
	s.delay = d.DelayMinutes
	s.current = d.CurrentStop
	s.next = d.NextStop
	e.broadcastDelay(vehicleID, d)
	return nil
}

// Status serves the passenger status read: last location, age, running delay
// and the classified vehicle status.
func (e *Engine) Status(ctx context.Context, vehicleID string) (LastLocation, error) {
	fix, _, err := e.store.LastLocation(ctx, vehicleID)
	if err != nil {
		return LastLocation{}, err
	}
	delay, err := e.store.Delay(ctx, vehicleID)
	if err != nil {
		return LastLocation{}, fmt.Errorf("load delay: %w", err)
	}

	now := time.Now()
	lastSeen := int(now.Sub(fix.RecordedAt).Seconds())
	if lastSeen < 0 {
		lastSeen = 0
	}

	label := LabelOnline
	if lastSeen >= int(staleAfter.Seconds()) {
		label = LabelStale
	}
	switch st := e.classify(ctx, vehicleID, delay.CurrentStop, fix.RecordedAt, now); st {
	case StatusNotStarted, StatusCompleted, StatusOffline:
		label = st
	}

	return LastLocation{
		Latitude:            fix.Lat,
		Longitude:           fix.Lon,
		RecordedAt:          fix.RecordedAt,
		LastSeenSeconds:     lastSeen,
		RunningDelayMinutes: delay.DelayMinutes,
		Status:              label,
		CurrentStop:         optional(delay.CurrentStop),
		NextStop:            optional(delay.NextStop),
	}, nil
}

// classify evaluates the four-state machine fresh from current state; it is
// never stored as transitioned state.
func (e *Engine) classify(ctx context.Context, vehicleID, currentStop string, lastFixAt, now time.Time) string {
	veh, err := e.store.Vehicle(ctx, vehicleID)
	if err != nil || veh.StartTime == nil {
		return StatusNotStarted
	}
	clock := schedule.NewClock(*veh.StartTime, e.loc)
	if now.Before(clock.TripStart(now)) {
		return StatusNotStarted
	}
	if now.Sub(lastFixAt) > offlineAfter {
		return StatusOffline
	}
	if currentStop != "" {
		if stops, err := e.store.StopsForVehicle(ctx, vehicleID); err == nil && len(stops) > 0 {
			if stops[len(stops)-1].Name == currentStop {
				return StatusCompleted
			}
		}
	}
	return StatusInTransit
}

// StopEtas serves the ordered per-stop ETA table for a vehicle. Thin or
// missing route data degrades to placeholder or fallback rows, never to an
// error; only a vehicle lookup failure is surfaced.
func (e *Engine) StopEtas(ctx context.Context, vehicleID string) ([]schedule.StopEta, error) {
	veh, err := e.store.Vehicle(ctx, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("load vehicle: %w", err)
	}
	stops, err := e.store.StopsForVehicle(ctx, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("load stops: %w", err)
	}
	delay, err := e.store.Delay(ctx, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("load delay: %w", err)
	}

	now := time.Now()
	clock := schedule.NewHourClock(now, e.loc)
	if len(stops) == 0 {
		stops = schedule.Placeholder()
	} else if veh.StartTime != nil {
		clock = schedule.NewClock(*veh.StartTime, e.loc)
	}

	in := schedule.EtaInput{
		Stops:     stops,
		Clock:     clock,
		Now:       now,
		BaseDelay: delay.DelayMinutes,
	}
	if fix, sessionID, err := e.store.LastLocation(ctx, vehicleID); err == nil {
		f := fix
		in.Fix = &f
		if sessionID != 0 {
			if arrived, err := e.store.ArrivedStops(ctx, sessionID); err == nil {
				in.Arrivals = arrived
			}
		}
	} else if !errors.Is(err, ErrNoLocation) {
		return nil, fmt.Errorf("load last location: %w", err)
	}

	return schedule.BuildStopEtas(in), nil
}

func (e *Engine) broadcastPosition(vehicleID string, fix route.Fix, lastSeen int, status string) {
	p := hub.PositionUpdate{
		Latitude:        fix.Lat,
		Longitude:       fix.Lon,
		RecordedAt:      fix.RecordedAt,
		LastSeenSeconds: lastSeen,
		Status:          status,
	}
	e.hub.BroadcastPosition(vehicleID, p)
	if e.pub != nil {
		p.Type = hub.KindPosition
		p.VehicleID = vehicleID
		if err := e.pub.PublishPosition(vehicleID, p); err != nil {
			log.Printf("publish position for %s: %v", vehicleID, err)
		}
	}
}

func (e *Engine) broadcastDelay(vehicleID string, d DelayInfo) {
	u := hub.DelayUpdate{
		DelayMinutes: d.DelayMinutes,
		CurrentStop:  optional(d.CurrentStop),
		NextStop:     optional(d.NextStop),
	}
	e.hub.BroadcastDelay(vehicleID, u)
	if e.pub != nil {
		u.Type = hub.KindDelay
		u.VehicleID = vehicleID
		if err := e.pub.PublishDelay(vehicleID, u); err != nil {
			log.Printf("publish delay for %s: %v", vehicleID, err)
		}
	}
}
