package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"bus-tracker/internal/hub"
	"bus-tracker/internal/store"
	"bus-tracker/internal/trip"
)

// handleStatus serves the vehicle's last known location, its age, running
// delay and classified status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	vehicleID := chi.URLParam(r, "vehicleID")

	loc, err := s.engine.Status(r.Context(), vehicleID)
	if errors.Is(err, trip.ErrNoLocation) || errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "no location data for vehicle")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load vehicle status")
		return
	}
	respondJSON(w, http.StatusOK, loc)
}

// handleStops serves the ordered per-stop ETA table. Vehicles without a
// configured route get the placeholder schedule rather than an error.
func (s *Server) handleStops(w http.ResponseWriter, r *http.Request) {
	vehicleID := chi.URLParam(r, "vehicleID")

	rows, err := s.engine.StopEtas(r.Context(), vehicleID)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "unknown vehicle")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to build stop list")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"stops": rows})
}

type trackResponse struct {
	VehicleID string             `json:"vehicle_id"`
	Location  *trip.LastLocation `json:"location"`
}

// handleTrack resolves a short tracking code to its vehicle and serves the
// same status view. A vehicle that never reported still resolves; the
// location is just null.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	vehicleID, err := s.auth.ResolveTrackingCode(r.Context(), code)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "unknown tracking code")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to resolve tracking code")
		return
	}

	resp := trackResponse{VehicleID: vehicleID}
	loc, err := s.engine.Status(r.Context(), vehicleID)
	switch {
	case err == nil:
		resp.Location = &loc
	case errors.Is(err, trip.ErrNoLocation):
		// leave location null
	default:
		respondError(w, http.StatusInternalServerError, "failed to load vehicle status")
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleUpdates streams the vehicle's position and delay updates as
// server-sent events until the client disconnects or the hub drops the
// subscriber as too slow.
func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	vehicleID := chi.URLParam(r, "vehicleID")

	sub := s.hub.Subscribe(vehicleID)
	defer s.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-sub.C:
			if !open {
				return
			}
			var payload any
			switch msg.Kind {
			case hub.KindPosition:
				payload = msg.Position
			case hub.KindDelay:
				payload = msg.Delay
			default:
				continue
			}
			b, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Kind, b)
			flusher.Flush()
		}
	}
}
