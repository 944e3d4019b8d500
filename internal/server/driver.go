package server

import (
	"net/http"
	"time"

	"bus-tracker/internal/route"
	"bus-tracker/internal/trip"
)

type locationRequest struct {
	Latitude   *float64   `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude  *float64   `json:"longitude" validate:"required,gte=-180,lte=180"`
	RecordedAt *time.Time `json:"recorded_at"`
}

// handleLocation ingests one driver fix: persisted, projected onto the route,
// and fanned out. Responds with the updated location view.
func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "latitude must be in [-90,90], longitude in [-180,180]")
		return
	}

	recordedAt := time.Now()
	if req.RecordedAt != nil {
		recordedAt = *req.RecordedAt
	}
	fix := route.Fix{Lat: *req.Latitude, Lon: *req.Longitude, RecordedAt: recordedAt}

	sess := sessionFrom(r.Context())
	loc, err := s.engine.OnFix(r.Context(), sess.VehicleID, fix)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to process location")
		return
	}
	respondJSON(w, http.StatusOK, loc)
}

type delayRequest struct {
	DelayMinutes int    `json:"delay_minutes"`
	CurrentStop  string `json:"current_stop"`
	NextStop     string `json:"next_stop"`
}

// handleDelay applies a manual delay override from the driver.
func (s *Server) handleDelay(w http.ResponseWriter, r *http.Request) {
	var req delayRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sess := sessionFrom(r.Context())
	d := trip.DelayInfo{
		DelayMinutes: req.DelayMinutes,
		CurrentStop:  req.CurrentStop,
		NextStop:     req.NextStop,
	}
	if err := s.engine.SetDelay(r.Context(), sess.VehicleID, d); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to save delay")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
