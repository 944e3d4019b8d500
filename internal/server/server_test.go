package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/hub"
	"bus-tracker/internal/route"
	"bus-tracker/internal/schedule"
	"bus-tracker/internal/store"
	"bus-tracker/internal/trip"
)

type fakeEngine struct {
	lastFixVehicle string
	lastFix        route.Fix
	lastDelay      trip.DelayInfo
	status         trip.LastLocation
	statusErr      error
	etas           []schedule.StopEta
	etasErr        error
	ended          []string
}

func (f *fakeEngine) OnFix(_ context.Context, vehicleID string, fix route.Fix) (trip.LastLocation, error) {
	f.lastFixVehicle = vehicleID
	f.lastFix = fix
	return trip.LastLocation{
		Latitude:   fix.Lat,
		Longitude:  fix.Lon,
		RecordedAt: fix.RecordedAt,
		Status:     trip.LabelOnline,
	}, nil
}

func (f *fakeEngine) SetDelay(_ context.Context, _ string, d trip.DelayInfo) error {
	f.lastDelay = d
	return nil
}

func (f *fakeEngine) Status(_ context.Context, _ string) (trip.LastLocation, error) {
	return f.status, f.statusErr
}

func (f *fakeEngine) StopEtas(_ context.Context, _ string) ([]schedule.StopEta, error) {
	return f.etas, f.etasErr
}

func (f *fakeEngine) EndTrip(vehicleID string) { f.ended = append(f.ended, vehicleID) }

type fakeAuth struct {
	sessions map[string]store.Session
	codes    map[string]string
	loginErr error
}

func (f *fakeAuth) Login(_ context.Context, vehicleID, _ string, ttl time.Duration) (store.Session, error) {
	if f.loginErr != nil {
		return store.Session{}, f.loginErr
	}
	return store.Session{ID: 1, VehicleID: vehicleID, Token: "tok-1", ExpiresAt: time.Now().Add(ttl)}, nil
}

func (f *fakeAuth) SessionByToken(_ context.Context, token string) (store.Session, error) {
	sess, ok := f.sessions[token]
	if !ok {
		return store.Session{}, store.ErrSessionExpired
	}
	return sess, nil
}

func (f *fakeAuth) Logout(_ context.Context, token string) error {
	delete(f.sessions, token)
	return nil
}

func (f *fakeAuth) ResolveTrackingCode(_ context.Context, code string) (string, error) {
	id, ok := f.codes[code]
	if !ok {
		return "", store.ErrNotFound
	}
	return id, nil
}

func newTestServer(eng *fakeEngine, auth *fakeAuth) http.Handler {
	return New(eng, auth, hub.New(8, nil), time.Hour, nil).Router()
}

func driverSession() *fakeAuth {
	return &fakeAuth{
		sessions: map[string]store.Session{
			"tok-1": {ID: 1, VehicleID: "KA-01", Token: "tok-1", ExpiresAt: time.Now().Add(time.Hour)},
		},
		codes: map[string]string{"bus42": "KA-01"},
	}
}

func postJSON(t *testing.T, h http.Handler, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestLoginIssuesToken(t *testing.T) {
	h := newTestServer(&fakeEngine{}, driverSession())

	w := postJSON(t, h, "/auth/driver/login", "", map[string]string{
		"vehicle_id": "KA-01", "password": "hunter2",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp loginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "tok-1", resp.Token)
	assert.Equal(t, "KA-01", resp.VehicleID)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	auth := driverSession()
	auth.loginErr = store.ErrInvalidCredentials
	h := newTestServer(&fakeEngine{}, auth)

	w := postJSON(t, h, "/auth/driver/login", "", map[string]string{
		"vehicle_id": "KA-01", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginRequiresFields(t *testing.T) {
	h := newTestServer(&fakeEngine{}, driverSession())
	w := postJSON(t, h, "/auth/driver/login", "", map[string]string{"vehicle_id": "KA-01"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLocationRequiresSession(t *testing.T) {
	h := newTestServer(&fakeEngine{}, driverSession())

	w := postJSON(t, h, "/driver/location", "", map[string]float64{"latitude": 1, "longitude": 2})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postJSON(t, h, "/driver/location", "expired", map[string]float64{"latitude": 1, "longitude": 2})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLocationIngestsFixForSessionVehicle(t *testing.T) {
	eng := &fakeEngine{}
	h := newTestServer(eng, driverSession())

	w := postJSON(t, h, "/driver/location", "tok-1", map[string]float64{
		"latitude": 12.97, "longitude": 77.59,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "KA-01", eng.lastFixVehicle)
	assert.Equal(t, 12.97, eng.lastFix.Lat)
	assert.Equal(t, 77.59, eng.lastFix.Lon)
	assert.False(t, eng.lastFix.RecordedAt.IsZero())
}

func TestLocationRejectsOutOfRangeCoordinates(t *testing.T) {
	eng := &fakeEngine{}
	h := newTestServer(eng, driverSession())

	for _, body := range []map[string]float64{
		{"latitude": 91, "longitude": 0},
		{"latitude": -90.5, "longitude": 0},
		{"latitude": 0, "longitude": 181},
		{"latitude": 0, "longitude": -200},
	} {
		w := postJSON(t, h, "/driver/location", "tok-1", body)
		assert.Equalf(t, http.StatusBadRequest, w.Code, "body %v", body)
	}
	assert.Empty(t, eng.lastFixVehicle, "rejected fixes must never reach the engine")
}

func TestDelayOverride(t *testing.T) {
	eng := &fakeEngine{}
	h := newTestServer(eng, driverSession())

	w := postJSON(t, h, "/driver/delay", "tok-1", map[string]any{
		"delay_minutes": 10, "current_stop": "Market",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, trip.DelayInfo{DelayMinutes: 10, CurrentStop: "Market"}, eng.lastDelay)
}

func TestLogoutEndsTrip(t *testing.T) {
	eng := &fakeEngine{}
	auth := driverSession()
	h := newTestServer(eng, auth)

	w := postJSON(t, h, "/auth/driver/logout", "tok-1", struct{}{})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"KA-01"}, eng.ended)
	assert.Empty(t, auth.sessions)
}

func TestStatusNotFound(t *testing.T) {
	eng := &fakeEngine{statusErr: trip.ErrNoLocation}
	h := newTestServer(eng, driverSession())

	w := get(h, "/passenger/bus/KA-01")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusServesLastLocation(t *testing.T) {
	eng := &fakeEngine{status: trip.LastLocation{
		Latitude: 12.97, Longitude: 77.59, Status: trip.StatusInTransit,
	}}
	h := newTestServer(eng, driverSession())

	w := get(h, "/passenger/bus/KA-01")
	require.Equal(t, http.StatusOK, w.Code)

	var loc trip.LastLocation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &loc))
	assert.Equal(t, trip.StatusInTransit, loc.Status)
	assert.Equal(t, 12.97, loc.Latitude)
}

func TestStopsServesEtaTable(t *testing.T) {
	eta := time.Now().Add(5 * time.Minute)
	eng := &fakeEngine{etas: []schedule.StopEta{
		{StopName: "Depot", Status: schedule.StatusArrived},
		{StopName: "Market", Status: schedule.StatusDelayed, Eta: &eta, DelayMinutes: 3},
	}}
	h := newTestServer(eng, driverSession())

	w := get(h, "/passenger/bus/KA-01/stops")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Stops []schedule.StopEta `json:"stops"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Stops, 2)
	assert.Equal(t, schedule.StatusArrived, resp.Stops[0].Status)
	assert.Equal(t, 3, resp.Stops[1].DelayMinutes)
}

func TestTrackResolvesCode(t *testing.T) {
	eng := &fakeEngine{status: trip.LastLocation{Latitude: 1, Status: trip.LabelOnline}}
	h := newTestServer(eng, driverSession())

	w := get(h, "/passenger/track/bus42")
	require.Equal(t, http.StatusOK, w.Code)

	var resp trackResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "KA-01", resp.VehicleID)
	require.NotNil(t, resp.Location)
	assert.Equal(t, trip.LabelOnline, resp.Location.Status)
}

func TestTrackUnknownCode(t *testing.T) {
	h := newTestServer(&fakeEngine{}, driverSession())
	w := get(h, "/passenger/track/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTrackWithoutLocation(t *testing.T) {
	eng := &fakeEngine{statusErr: trip.ErrNoLocation}
	h := newTestServer(eng, driverSession())

	w := get(h, "/passenger/track/bus42")
	require.Equal(t, http.StatusOK, w.Code)

	var resp trackResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "KA-01", resp.VehicleID)
	assert.Nil(t, resp.Location)
}

func TestHealth(t *testing.T) {
	h := newTestServer(&fakeEngine{}, driverSession())
	w := get(h, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
}

