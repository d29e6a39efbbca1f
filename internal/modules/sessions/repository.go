// Package sessions provides trading-session persistence and the
// open/close/settle lifecycle.
package sessions

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/bourse/internal/domain"
)

// Queryer is the subset of database/sql used by the repository.
// Both *sql.DB and *sql.Tx satisfy it.
type Queryer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

const sessionsColumns = `id, number, state, commission_rate, circuit_breaker_upper,
	circuit_breaker_lower, price_change_threshold, opened_at, closed_at, created_at`

// Repository handles session persistence
type Repository struct {
	db  Queryer
	log zerolog.Logger
}

// NewRepository creates a new sessions repository
func NewRepository(db Queryer, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "sessions").Logger(),
	}
}

// WithTx returns a repository view bound to an open transaction
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx, log: r.log}
}

// Create inserts a new session and returns it with its assigned ID
func (r *Repository) Create(session domain.Session) (*domain.Session, error) {
	if session.State == "" {
		session.State = domain.SessionStateDraft
	}

	now := time.Now()
	session.CreatedAt = now

	var openedAt interface{}
	if session.OpenedAt != nil {
		openedAt = session.OpenedAt.Unix()
	}

	result, err := r.db.Exec(`
		INSERT INTO sessions (number, state, commission_rate, circuit_breaker_upper,
			circuit_breaker_lower, price_change_threshold, opened_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.Number, string(session.State), session.CommissionRate,
		session.CircuitBreakerUpper, session.CircuitBreakerLower,
		session.PriceChangeThreshold, openedAt, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get session id: %w", err)
	}
	session.ID = id

	r.log.Info().Int64("number", session.Number).Int64("id", id).Msg("Session created")

	return &session, nil
}

// GetByID retrieves a session by ID, nil when absent
func (r *Repository) GetByID(id int64) (*domain.Session, error) {
	query := "SELECT " + sessionsColumns + " FROM sessions WHERE id = ?"
	return r.getOne(query, id)
}

// GetOpen returns the single open session, or nil when no session is open
func (r *Repository) GetOpen() (*domain.Session, error) {
	query := "SELECT " + sessionsColumns + " FROM sessions WHERE state = 'open' ORDER BY number DESC LIMIT 1"
	return r.getOne(query)
}

// GetLatest returns the session with the highest number, nil when none exist
func (r *Repository) GetLatest() (*domain.Session, error) {
	query := "SELECT " + sessionsColumns + " FROM sessions ORDER BY number DESC LIMIT 1"
	return r.getOne(query)
}

// List returns sessions newest first
func (r *Repository) List(limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + sessionsColumns + " FROM sessions ORDER BY number DESC LIMIT ?"

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// SetState transitions the session state and stamps opened_at/closed_at for
// the open and closed transitions
func (r *Repository) SetState(id int64, state domain.SessionState) error {
	now := time.Now().Unix()

	var result sql.Result
	var err error
	switch state {
	case domain.SessionStateOpen:
		result, err = r.db.Exec(`UPDATE sessions SET state = ?, opened_at = ? WHERE id = ?`, string(state), now, id)
	case domain.SessionStateClosed:
		result, err = r.db.Exec(`UPDATE sessions SET state = ?, closed_at = ? WHERE id = ?`, string(state), now, id)
	default:
		result, err = r.db.Exec(`UPDATE sessions SET state = ? WHERE id = ?`, string(state), id)
	}
	if err != nil {
		return fmt.Errorf("failed to set session %d state: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check session %d state update: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("session %d not found", id)
	}
	return nil
}

func (r *Repository) getOne(query string, args ...interface{}) (*domain.Session, error) {
	session, err := scanSession(r.db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var s domain.Session
	var state string
	var openedAt, closedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(
		&s.ID, &s.Number, &state, &s.CommissionRate,
		&s.CircuitBreakerUpper, &s.CircuitBreakerLower, &s.PriceChangeThreshold,
		&openedAt, &closedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	s.State = domain.SessionState(state)
	if openedAt.Valid {
		t := time.Unix(openedAt.Int64, 0).UTC()
		s.OpenedAt = &t
	}
	if closedAt.Valid {
		t := time.Unix(closedAt.Int64, 0).UTC()
		s.ClosedAt = &t
	}
	s.CreatedAt = time.Unix(createdAt, 0).UTC()

	return &s, nil
}
