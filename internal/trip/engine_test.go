package trip

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/hub"
	"bus-tracker/internal/route"
	"bus-tracker/internal/schedule"
)

const kmPerDegLat = math.Pi * 6371.0 / 180

func ptr[T any](v T) *T { return &v }

type arrivalCall struct {
	sessionID int64
	stopID    int
}

// fakeStore is an in-memory Store with call recording.
type fakeStore struct {
	vehicle   VehicleInfo
	stops     []route.Stop
	sessionID int64
	lastFix   *route.Fix
	arrived   map[int]time.Time
	delay     DelayInfo

	arrivalCalls []arrivalCall
	delaySaves   []DelayInfo
}

func (f *fakeStore) Vehicle(_ context.Context, _ string) (VehicleInfo, error) {
	return f.vehicle, nil
}

func (f *fakeStore) StopsForVehicle(_ context.Context, _ string) ([]route.Stop, error) {
	return f.stops, nil
}

func (f *fakeStore) SaveLocation(_ context.Context, _ string, fix route.Fix) (int64, error) {
	f.lastFix = &fix
	return f.sessionID, nil
}

func (f *fakeStore) LastLocation(_ context.Context, _ string) (route.Fix, int64, error) {
	if f.lastFix == nil {
		return route.Fix{}, 0, ErrNoLocation
	}
	return *f.lastFix, f.sessionID, nil
}

func (f *fakeStore) ArrivedStops(_ context.Context, _ int64) (map[int]time.Time, error) {
	out := make(map[int]time.Time, len(f.arrived))
	for k, v := range f.arrived {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) RecordArrival(_ context.Context, sessionID int64, stopID int, at time.Time) error {
	f.arrivalCalls = append(f.arrivalCalls, arrivalCall{sessionID, stopID})
	if f.arrived == nil {
		f.arrived = make(map[int]time.Time)
	}
	f.arrived[stopID] = at
	return nil
}

func (f *fakeStore) SaveDelay(_ context.Context, _ string, d DelayInfo) error {
	f.delay = d
	f.delaySaves = append(f.delaySaves, d)
	return nil
}

func (f *fakeStore) Delay(_ context.Context, _ string) (DelayInfo, error) {
	return f.delay, nil
}

// lineStops lays stops along the prime meridian at the given km marks.
func lineStops(kms []float64, offsets []int) []route.Stop {
	names := []string{"Depot", "Market", "Hospital", "Terminal"}
	stops := make([]route.Stop, len(kms))
	for i, km := range kms {
		stops[i] = route.Stop{
			ID:            i + 1,
			Name:          names[i%len(names)],
			Lat:           ptr(km / kmPerDegLat),
			Lon:           ptr(0.0),
			SequenceOrder: i + 1,
			OffsetMinutes: ptr(offsets[i]),
		}
	}
	return stops
}

func fixAtKm(km float64, at time.Time) route.Fix {
	return route.Fix{Lat: km / kmPerDegLat, Lon: 0, RecordedAt: at}
}

// tripStart is a fixed anchor for OnFix tests: delay math there depends only
// on the fix's own timestamp, never the wall clock.
var tripStart = time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC)

func fixedVehicle() VehicleInfo {
	start := tripStart
	return VehicleInfo{ID: "KA-01", RouteName: "Ring Road", StartTime: &start, Active: true}
}

// startedVehicle returns a vehicle whose trip started earlier today, safe
// against wall-clock boundaries by anchoring at the current minute. Used by
// Status tests, which classify against time.Now.
func startedVehicle(now time.Time) VehicleInfo {
	start := now.Truncate(time.Minute)
	return VehicleInfo{ID: "KA-01", RouteName: "Ring Road", StartTime: &start, Active: true}
}

func newTestEngine(st Store) (*Engine, *hub.Hub) {
	h := hub.New(32, nil)
	return NewEngine(st, h, nil, time.UTC, nil), h
}

func TestOnFixComputesRunningDelayAndBroadcasts(t *testing.T) {
	st := &fakeStore{
		vehicle:   fixedVehicle(),
		stops:     lineStops([]float64{0, 2, 5, 9}, []int{0, 15, 30, 45}),
		sessionID: 7,
	}
	eng, h := newTestEngine(st)
	sub := h.Subscribe("KA-01")
	defer h.Unsubscribe(sub)

	// At the Market stop (offset 15) twenty minutes in: five minutes late.
	fix := fixAtKm(2.0, tripStart.Add(20*time.Minute))
	loc, err := eng.OnFix(context.Background(), "KA-01", fix)
	require.NoError(t, err)

	assert.Equal(t, LabelOnline, loc.Status)
	assert.Equal(t, 5, loc.RunningDelayMinutes)
	require.NotNil(t, loc.CurrentStop)
	assert.Equal(t, "Market", *loc.CurrentStop)
	require.NotNil(t, loc.NextStop)
	assert.Equal(t, "Hospital", *loc.NextStop)
	require.Len(t, st.delaySaves, 1)

	// Delay first, then position — both for this vehicle, in order.
	msg := <-sub.C
	require.Equal(t, hub.KindDelay, msg.Kind)
	assert.Equal(t, 5, msg.Delay.DelayMinutes)
	msg = <-sub.C
	require.Equal(t, hub.KindPosition, msg.Kind)
	assert.Equal(t, fix.Lat, msg.Position.Latitude)
	assert.Equal(t, LabelOnline, msg.Position.Status)
}

func TestOnFixArrivalIdempotence(t *testing.T) {
	st := &fakeStore{
		vehicle:   fixedVehicle(),
		stops:     lineStops([]float64{0, 2, 5, 9}, []int{0, 15, 30, 45}),
		sessionID: 7,
	}
	eng, _ := newTestEngine(st)

	fix := fixAtKm(2.0, tripStart.Add(15*time.Minute)) // exactly at Market
	_, err := eng.OnFix(context.Background(), "KA-01", fix)
	require.NoError(t, err)
	_, err = eng.OnFix(context.Background(), "KA-01", fix)
	require.NoError(t, err)

	require.Len(t, st.arrivalCalls, 1, "one ArrivalRecord per (trip, stop)")
	assert.Equal(t, arrivalCall{sessionID: 7, stopID: 2}, st.arrivalCalls[0])
}

func TestOnFixArrivalSetSurvivesEngineRestart(t *testing.T) {
	st := &fakeStore{
		vehicle:   fixedVehicle(),
		stops:     lineStops([]float64{0, 2, 5, 9}, []int{0, 15, 30, 45}),
		sessionID: 7,
		arrived:   map[int]time.Time{2: tripStart.Add(14 * time.Minute)},
	}
	eng, _ := newTestEngine(st)

	// Fresh engine, same session: the persisted arrived set must suppress a
	// duplicate record for the already-reached stop.
	_, err := eng.OnFix(context.Background(), "KA-01", fixAtKm(2.0, tripStart.Add(15*time.Minute)))
	require.NoError(t, err)
	assert.Empty(t, st.arrivalCalls)
}

func TestOnFixNewSessionResetsArrivals(t *testing.T) {
	st := &fakeStore{
		vehicle:   fixedVehicle(),
		stops:     lineStops([]float64{0, 2, 5, 9}, []int{0, 15, 30, 45}),
		sessionID: 7,
	}
	eng, _ := newTestEngine(st)

	_, err := eng.OnFix(context.Background(), "KA-01", fixAtKm(2.0, tripStart.Add(15*time.Minute)))
	require.NoError(t, err)
	require.Len(t, st.arrivalCalls, 1)

	// New driver session: same stop counts as a fresh arrival.
	st.sessionID = 8
	st.arrived = nil
	_, err = eng.OnFix(context.Background(), "KA-01", fixAtKm(2.0, tripStart.Add(75*time.Minute)))
	require.NoError(t, err)
	require.Len(t, st.arrivalCalls, 2)
	assert.Equal(t, arrivalCall{sessionID: 8, stopID: 2}, st.arrivalCalls[1])
}

func TestStatusNotStartedWithoutStartTime(t *testing.T) {
	now := time.Now()
	st := &fakeStore{
		vehicle: VehicleInfo{ID: "KA-01", Active: true},
		lastFix: ptr(fixAtKm(1.0, now)),
	}
	eng, _ := newTestEngine(st)

	loc, err := eng.Status(context.Background(), "KA-01")
	require.NoError(t, err)
	assert.Equal(t, StatusNotStarted, loc.Status)
}

func TestStatusOffline(t *testing.T) {
	now := time.Now()
	st := &fakeStore{
		vehicle: startedVehicle(now),
		stops:   lineStops([]float64{0, 2, 5, 9}, []int{0, 15, 30, 45}),
		lastFix: ptr(fixAtKm(1.0, now.Add(-10*time.Minute))),
	}
	eng, _ := newTestEngine(st)

	loc, err := eng.Status(context.Background(), "KA-01")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, loc.Status)
	assert.GreaterOrEqual(t, loc.LastSeenSeconds, 599)
}

func TestStatusCompleted(t *testing.T) {
	now := time.Now()
	st := &fakeStore{
		vehicle: startedVehicle(now),
		stops:   lineStops([]float64{0, 2, 5, 9}, []int{0, 15, 30, 45}),
		lastFix: ptr(fixAtKm(9.0, now)),
		delay:   DelayInfo{CurrentStop: "Terminal"},
	}
	eng, _ := newTestEngine(st)

	loc, err := eng.Status(context.Background(), "KA-01")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loc.Status)
}

func TestStatusInTransitAndStaleLabel(t *testing.T) {
	now := time.Now()
	st := &fakeStore{
		vehicle: startedVehicle(now),
		stops:   lineStops([]float64{0, 2, 5, 9}, []int{0, 15, 30, 45}),
		delay:   DelayInfo{DelayMinutes: 2, CurrentStop: "Market", NextStop: "Hospital"},
	}
	eng, _ := newTestEngine(st)

	st.lastFix = ptr(fixAtKm(3.0, now.Add(-30*time.Second)))
	loc, err := eng.Status(context.Background(), "KA-01")
	require.NoError(t, err)
	assert.Equal(t, LabelOnline, loc.Status)

	// Between 120s and 300s the reading is stale but the vehicle is not yet
	// offline.
	st.lastFix = ptr(fixAtKm(3.0, now.Add(-200*time.Second)))
	loc, err = eng.Status(context.Background(), "KA-01")
	require.NoError(t, err)
	assert.Equal(t, LabelStale, loc.Status)
	assert.Equal(t, 2, loc.RunningDelayMinutes)
}

func TestStatusNoLocation(t *testing.T) {
	st := &fakeStore{vehicle: VehicleInfo{ID: "KA-01"}}
	eng, _ := newTestEngine(st)
	_, err := eng.Status(context.Background(), "KA-01")
	assert.ErrorIs(t, err, ErrNoLocation)
}

func TestStopEtasPlaceholderWhenNoStops(t *testing.T) {
	st := &fakeStore{vehicle: VehicleInfo{ID: "KA-01"}}
	eng, _ := newTestEngine(st)

	rows, err := eng.StopEtas(context.Background(), "KA-01")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Stop A", rows[0].StopName)
	for _, row := range rows {
		assert.Equal(t, schedule.StatusOnTime, row.Status)
		assert.NotNil(t, row.Eta)
	}
}

func TestStopEtasUsesArrivals(t *testing.T) {
	now := time.Now()
	arrivedAt := now.Add(-5 * time.Minute)
	st := &fakeStore{
		vehicle:   fixedVehicle(),
		stops:     lineStops([]float64{0, 2, 5, 9}, []int{0, 15, 30, 45}),
		sessionID: 7,
		lastFix:   ptr(fixAtKm(3.5, now)),
		arrived:   map[int]time.Time{1: arrivedAt, 2: arrivedAt},
	}
	eng, _ := newTestEngine(st)

	rows, err := eng.StopEtas(context.Background(), "KA-01")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	require.NotNil(t, rows[0].ActualArrivedAt)
	assert.True(t, rows[0].ActualArrivedAt.Equal(arrivedAt))
	assert.Equal(t, schedule.StatusArrived, rows[0].Status)
	assert.Equal(t, schedule.StatusArrived, rows[1].Status)
	assert.Nil(t, rows[1].Eta)
}

func TestSetDelayBroadcastsOverride(t *testing.T) {
	st := &fakeStore{vehicle: VehicleInfo{ID: "KA-01"}}
	eng, h := newTestEngine(st)
	sub := h.Subscribe("KA-01")
	defer h.Unsubscribe(sub)

	err := eng.SetDelay(context.Background(), "KA-01", DelayInfo{DelayMinutes: 12, CurrentStop: "Market"})
	require.NoError(t, err)
	assert.Equal(t, 12, st.delay.DelayMinutes)

	msg := <-sub.C
	require.Equal(t, hub.KindDelay, msg.Kind)
	assert.Equal(t, 12, msg.Delay.DelayMinutes)
	require.NotNil(t, msg.Delay.CurrentStop)
	assert.Equal(t, "Market", *msg.Delay.CurrentStop)
}
