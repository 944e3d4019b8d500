package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"bus-tracker/internal/route"
	"bus-tracker/internal/trip"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	// ErrNotFound covers unknown vehicles and tracking codes.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials is returned on a failed driver login.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSessionExpired is returned for unknown or expired session tokens.
	ErrSessionExpired = errors.New("session expired")
)

// Store is the Postgres persistence layer. It satisfies trip.Store and adds
// the driver-session and tracking-code paths the HTTP surface needs.
type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing connection, mainly for tests.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// Vehicle returns the vehicle's route name, schedule anchor and active flag.
func (s *Store) Vehicle(ctx context.Context, vehicleID string) (trip.VehicleInfo, error) {
	q := `SELECT v.id, COALESCE(r.name, ''), v.start_time, v.active
          FROM vehicles v
          LEFT JOIN routes r ON r.id = v.route_id
          WHERE v.id = $1`

	var (
		v     trip.VehicleInfo
		start sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, q, vehicleID).Scan(&v.ID, &v.RouteName, &start, &v.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return trip.VehicleInfo{}, fmt.Errorf("vehicle %s: %w", vehicleID, ErrNotFound)
	}
	if err != nil {
		return trip.VehicleInfo{}, fmt.Errorf("query vehicle: %w", err)
	}
	if start.Valid {
		t := start.Time
		v.StartTime = &t
	}
	return v, nil
}

// StopsForVehicle returns the vehicle's route stops in sequence order.
// Coordinates and schedule offsets are nullable per stop.
func (s *Store) StopsForVehicle(ctx context.Context, vehicleID string) ([]route.Stop, error) {
	q := `SELECT st.id, st.name, st.latitude, st.longitude, st.sequence_order, st.scheduled_arrival_minutes
          FROM stops st
          JOIN vehicles v ON v.route_id = st.route_id
          WHERE v.id = $1
          ORDER BY st.sequence_order`

	rows, err := s.db.QueryContext(ctx, q, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()

	var stops []route.Stop
	for rows.Next() {
		var (
			st       route.Stop
			lat, lon sql.NullFloat64
			offset   sql.NullInt64
		)
		if err := rows.Scan(&st.ID, &st.Name, &lat, &lon, &st.SequenceOrder, &offset); err != nil {
			return nil, fmt.Errorf("scan stop row: %w", err)
		}
		if lat.Valid && lon.Valid {
			la, lo := lat.Float64, lon.Float64
			st.Lat, st.Lon = &la, &lo
		}
		if offset.Valid {
			m := int(offset.Int64)
			st.OffsetMinutes = &m
		}
		stops = append(stops, st)
	}
	return stops, rows.Err()
}

// SaveLocation appends the fix to the location history, tagged with the
// vehicle's active driver session (0 when none is open).
func (s *Store) SaveLocation(ctx context.Context, vehicleID string, fix route.Fix) (int64, error) {
	sessionID, err := s.activeSession(ctx, vehicleID)
	if err != nil {
		return 0, err
	}

	q := `INSERT INTO locations (vehicle_id, session_id, latitude, longitude, recorded_at)
          VALUES ($1, NULLIF($2, 0), $3, $4, $5)`
	if _, err := s.db.ExecContext(ctx, q, vehicleID, sessionID, fix.Lat, fix.Lon, fix.RecordedAt); err != nil {
		return 0, fmt.Errorf("insert location: %w", err)
	}
	return sessionID, nil
}

func (s *Store) activeSession(ctx context.Context, vehicleID string) (int64, error) {
	q := `SELECT id FROM driver_sessions
          WHERE vehicle_id = $1 AND expires_at > NOW()
          ORDER BY created_at DESC LIMIT 1`

	var id int64
	err := s.db.QueryRowContext(ctx, q, vehicleID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query active session: %w", err)
	}
	return id, nil
}

// LastLocation returns the newest fix and its session id. trip.ErrNoLocation
// when the vehicle never reported.
func (s *Store) LastLocation(ctx context.Context, vehicleID string) (route.Fix, int64, error) {
	q := `SELECT latitude, longitude, recorded_at, COALESCE(session_id, 0)
          FROM locations
          WHERE vehicle_id = $1
          ORDER BY recorded_at DESC LIMIT 1`

	var (
		fix       route.Fix
		sessionID int64
	)
	err := s.db.QueryRowContext(ctx, q, vehicleID).Scan(&fix.Lat, &fix.Lon, &fix.RecordedAt, &sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return route.Fix{}, 0, trip.ErrNoLocation
	}
	if err != nil {
		return route.Fix{}, 0, fmt.Errorf("query last location: %w", err)
	}
	return fix, sessionID, nil
}

// ArrivedStops returns the stops already recorded as reached in the session.
func (s *Store) ArrivedStops(ctx context.Context, sessionID int64) (map[int]time.Time, error) {
	q := `SELECT stop_id, arrived_at FROM stop_arrivals WHERE session_id = $1`

	rows, err := s.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query stop arrivals: %w", err)
	}
	defer rows.Close()

	arrived := make(map[int]time.Time)
	for rows.Next() {
		var (
			stopID int
			at     time.Time
		)
		if err := rows.Scan(&stopID, &at); err != nil {
			return nil, fmt.Errorf("scan arrival row: %w", err)
		}
		arrived[stopID] = at
	}
	return arrived, rows.Err()
}

// RecordArrival writes one arrival per (session, stop); a concurrent or
// repeated write is absorbed by the unique constraint.
func (s *Store) RecordArrival(ctx context.Context, sessionID int64, stopID int, at time.Time) error {
	q := `INSERT INTO stop_arrivals (session_id, stop_id, arrived_at)
          VALUES ($1, $2, $3)
          ON CONFLICT (session_id, stop_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q, sessionID, stopID, at); err != nil {
		return fmt.Errorf("insert stop arrival: %w", err)
	}
	return nil
}

// SaveDelay upserts the vehicle's single delay row.
func (s *Store) SaveDelay(ctx context.Context, vehicleID string, d trip.DelayInfo) error {
	q := `INSERT INTO delay_info (vehicle_id, delay_minutes, current_stop, next_stop, updated_at)
          VALUES ($1, $2, $3, $4, NOW())
          ON CONFLICT (vehicle_id) DO UPDATE
          SET delay_minutes = EXCLUDED.delay_minutes,
              current_stop  = EXCLUDED.current_stop,
              next_stop     = EXCLUDED.next_stop,
              updated_at    = NOW()`
	if _, err := s.db.ExecContext(ctx, q, vehicleID, d.DelayMinutes, d.CurrentStop, d.NextStop); err != nil {
		return fmt.Errorf("upsert delay: %w", err)
	}
	return nil
}

// Delay returns the vehicle's delay row; a vehicle without one reads as zero
// delay rather than an error.
func (s *Store) Delay(ctx context.Context, vehicleID string) (trip.DelayInfo, error) {
	q := `SELECT delay_minutes, COALESCE(current_stop, ''), COALESCE(next_stop, '')
          FROM delay_info WHERE vehicle_id = $1`

	var d trip.DelayInfo
	err := s.db.QueryRowContext(ctx, q, vehicleID).Scan(&d.DelayMinutes, &d.CurrentStop, &d.NextStop)
	if errors.Is(err, sql.ErrNoRows) {
		return trip.DelayInfo{}, nil
	}
	if err != nil {
		return trip.DelayInfo{}, fmt.Errorf("query delay: %w", err)
	}
	return d, nil
}

// Session is an authenticated driver session.
type Session struct {
	ID        int64
	VehicleID string
	Token     string
	ExpiresAt time.Time
}

// Login verifies the driver password against the stored bcrypt hash and opens
// a session with a fresh opaque token. The new session is the trip boundary:
// arrivals recorded under it start from an empty set.
func (s *Store) Login(ctx context.Context, vehicleID, password string, ttl time.Duration) (Session, error) {
	var (
		hash   string
		active bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash, active FROM vehicles WHERE id = $1`, vehicleID,
	).Scan(&hash, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, fmt.Errorf("query vehicle credentials: %w", err)
	}
	if !active {
		return Session{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return Session{}, ErrInvalidCredentials
	}

	sess := Session{
		VehicleID: vehicleID,
		Token:     uuid.NewString(),
		ExpiresAt: time.Now().Add(ttl),
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO driver_sessions (vehicle_id, token, expires_at, created_at)
         VALUES ($1, $2, $3, NOW()) RETURNING id`,
		sess.VehicleID, sess.Token, sess.ExpiresAt,
	).Scan(&sess.ID)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// SessionByToken resolves a bearer token to its live session.
func (s *Store) SessionByToken(ctx context.Context, token string) (Session, error) {
	q := `SELECT id, vehicle_id, expires_at FROM driver_sessions
          WHERE token = $1 AND expires_at > NOW()`

	sess := Session{Token: token}
	err := s.db.QueryRowContext(ctx, q, token).Scan(&sess.ID, &sess.VehicleID, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionExpired
	}
	if err != nil {
		return Session{}, fmt.Errorf("query session: %w", err)
	}
	return sess, nil
}

// Logout expires the session immediately. Unknown tokens are a no-op.
func (s *Store) Logout(ctx context.Context, token string) error {
	q := `UPDATE driver_sessions SET expires_at = NOW() WHERE token = $1`
	if _, err := s.db.ExecContext(ctx, q, token); err != nil {
		return fmt.Errorf("expire session: %w", err)
	}
	return nil
}

// ResolveTrackingCode maps a short passenger code to its vehicle and counts
// the access.
func (s *Store) ResolveTrackingCode(ctx context.Context, code string) (string, error) {
	q := `UPDATE tracking_codes SET access_count = access_count + 1
          WHERE code = $1 RETURNING vehicle_id`

	var vehicleID string
	err := s.db.QueryRowContext(ctx, q, code).Scan(&vehicleID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("tracking code %s: %w", code, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolve tracking code: %w", err)
	}
	return vehicleID, nil
}
