package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"bus-tracker/internal/store"
)

type ctxKey int

const sessionKey ctxKey = iota

type loginRequest struct {
	VehicleID string `json:"vehicle_id" validate:"required"`
	Password  string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	VehicleID string    `json:"vehicle_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "vehicle_id and password are required")
		return
	}

	sess, err := s.auth.Login(r.Context(), req.VehicleID, req.Password, s.sessionTTL)
	if errors.Is(err, store.ErrInvalidCredentials) {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}
	respondJSON(w, http.StatusOK, loginResponse{
		Token:     sess.Token,
		VehicleID: sess.VehicleID,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	if err := s.auth.Logout(r.Context(), sess.Token); err != nil {
		respondError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	s.engine.EndTrip(sess.VehicleID)
	w.WriteHeader(http.StatusNoContent)
}

// requireSession resolves the Bearer token and stashes the live session in
// the request context.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		sess, err := s.auth.SessionByToken(r.Context(), token)
		if errors.Is(err, store.ErrSessionExpired) {
			respondError(w, http.StatusUnauthorized, "session expired")
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "session lookup failed")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
	})
}

func sessionFrom(ctx context.Context) store.Session {
	sess, _ := ctx.Value(sessionKey).(store.Session)
	return sess
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
