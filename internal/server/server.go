package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"bus-tracker/internal/hub"
	"bus-tracker/internal/route"
	"bus-tracker/internal/schedule"
	"bus-tracker/internal/store"
	"bus-tracker/internal/trip"
)

// Engine is the fix-processing and read surface the handlers drive.
type Engine interface {
	OnFix(ctx context.Context, vehicleID string, fix route.Fix) (trip.LastLocation, error)
	SetDelay(ctx context.Context, vehicleID string, d trip.DelayInfo) error
	Status(ctx context.Context, vehicleID string) (trip.LastLocation, error)
	StopEtas(ctx context.Context, vehicleID string) ([]schedule.StopEta, error)
	EndTrip(vehicleID string)
}

// Auth is the driver-session and tracking-code surface of the store.
type Auth interface {
	Login(ctx context.Context, vehicleID, password string, ttl time.Duration) (store.Session, error)
	SessionByToken(ctx context.Context, token string) (store.Session, error)
	Logout(ctx context.Context, token string) error
	ResolveTrackingCode(ctx context.Context, code string) (string, error)
}

type Server struct {
	engine     Engine
	auth       Auth
	hub        *hub.Hub
	validate   *validator.Validate
	sessionTTL time.Duration
	origins    []string
}

func New(engine Engine, auth Auth, h *hub.Hub, sessionTTL time.Duration, origins []string) *Server {
	if sessionTTL <= 0 {
		sessionTTL = 12 * time.Hour
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		engine:     engine,
		auth:       auth,
		hub:        h,
		validate:   validator.New(),
		sessionTTL: sessionTTL,
		origins:    origins,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)

	r.Post("/auth/driver/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)
		r.Post("/auth/driver/logout", s.handleLogout)
		r.Post("/driver/location", s.handleLocation)
		r.Post("/driver/delay", s.handleDelay)
	})

	r.Get("/passenger/bus/{vehicleID}", s.handleStatus)
	r.Get("/passenger/bus/{vehicleID}/stops", s.handleStops)
	r.Get("/passenger/bus/{vehicleID}/updates", s.handleUpdates)
	r.Get("/passenger/track/{code}", s.handleTrack)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
