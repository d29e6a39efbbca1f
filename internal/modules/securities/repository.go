// Package securities provides the security and price registry.
package securities

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/bourse/internal/domain"
)

// Queryer is the subset of database/sql used by the repository. Both *sql.DB
// and *sql.Tx satisfy it, so repositories can participate in the engine's
// per-security transaction.
type Queryer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// securitiesColumns is the list of columns for the securities table.
// Column order must match the scan functions below.
const securitiesColumns = `id, symbol, name, status, current_price, session_start_price, tick_size, lot_size, max_order_size, total_shares, offering_quantity, offering_round, created_at, updated_at`

// Repository handles security database operations
type Repository struct {
	db  Queryer
	log zerolog.Logger
}

// NewRepository creates a new security repository
func NewRepository(db Queryer, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "securities").Logger(),
	}
}

// WithTx returns a repository view bound to an open transaction
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx, log: r.log}
}

// Create inserts a new security and returns it with its assigned ID
func (r *Repository) Create(sec domain.Security) (*domain.Security, error) {
	if sec.TickSize <= 0 {
		sec.TickSize = 0.01
	}
	if sec.LotSize <= 0 {
		sec.LotSize = 1
	}
	if sec.Status == "" {
		sec.Status = domain.SecurityStatusTrade
	}

	now := time.Now()
	query := `
		INSERT INTO securities
		(symbol, name, status, current_price, session_start_price, tick_size, lot_size,
		 max_order_size, total_shares, offering_quantity, offering_round, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.Exec(query,
		strings.ToUpper(strings.TrimSpace(sec.Symbol)),
		sec.Name,
		string(sec.Status),
		sec.CurrentPrice,
		sec.SessionStartPrice,
		sec.TickSize,
		sec.LotSize,
		sec.MaxOrderSize,
		sec.TotalShares,
		sec.OfferingQuantity,
		sec.OfferingRound,
		now.Unix(),
		now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get security id: %w", err)
	}

	sec.ID = id
	sec.Symbol = strings.ToUpper(strings.TrimSpace(sec.Symbol))
	sec.CreatedAt = now
	sec.UpdatedAt = now

	r.log.Info().Str("symbol", sec.Symbol).Int64("id", id).Msg("Security created")

	return &sec, nil
}

// GetByID retrieves a security by ID
func (r *Repository) GetByID(id int64) (*domain.Security, error) {
	query := "SELECT " + securitiesColumns + " FROM securities WHERE id = ?"

	sec, err := scanSecurity(r.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get security by id: %w", err)
	}

	return sec, nil
}

// GetBySymbol retrieves a security by its symbol
func (r *Repository) GetBySymbol(symbol string) (*domain.Security, error) {
	query := "SELECT " + securitiesColumns + " FROM securities WHERE symbol = ?"

	sec, err := scanSecurity(r.db.QueryRow(query, strings.ToUpper(strings.TrimSpace(symbol))))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get security by symbol: %w", err)
	}

	return sec, nil
}

// ListActive retrieves all non-hidden securities ordered by symbol
func (r *Repository) ListActive() ([]domain.Security, error) {
	query := "SELECT " + securitiesColumns + " FROM securities WHERE status != 'hidden' ORDER BY symbol"
	return r.list(query)
}

// ListTradeable retrieves securities eligible for secondary-market matching
func (r *Repository) ListTradeable() ([]domain.Security, error) {
	query := "SELECT " + securitiesColumns + " FROM securities WHERE status = 'trade' ORDER BY symbol"
	return r.list(query)
}

// ListOffering retrieves securities in an ipo/po issuance round
func (r *Repository) ListOffering() ([]domain.Security, error) {
	query := "SELECT " + securitiesColumns + " FROM securities WHERE status IN ('ipo', 'po') ORDER BY symbol"
	return r.list(query)
}

func (r *Repository) list(query string, args ...interface{}) ([]domain.Security, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list securities: %w", err)
	}
	defer rows.Close()

	var secs []domain.Security
	for rows.Next() {
		sec, err := scanSecurityFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security: %w", err)
		}
		secs = append(secs, *sec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating securities: %w", err)
	}

	return secs, nil
}

// SetCurrentPrice updates the current price of a security. Callers must go
// through the service's UpdatePrice, which validates tick size and circuit
// breaker bounds first.
func (r *Repository) SetCurrentPrice(id int64, price float64) error {
	query := `UPDATE securities SET current_price = ?, updated_at = ? WHERE id = ?`

	if _, err := r.db.Exec(query, price, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("failed to set current price: %w", err)
	}

	return nil
}

// SnapshotSessionStart copies current_price into session_start_price for
// every non-hidden security. Called when a session opens.
func (r *Repository) SnapshotSessionStart() error {
	query := `UPDATE securities SET session_start_price = current_price, updated_at = ? WHERE status != 'hidden'`

	if _, err := r.db.Exec(query, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to snapshot session start prices: %w", err)
	}

	return nil
}

// CompleteOffering transitions a security out of its issuance round: status
// becomes trade, both prices are set to the offering price, the offering
// quantity is cleared and the round counter advances.
func (r *Repository) CompleteOffering(id int64, offeringPrice float64) error {
	query := `
		UPDATE securities
		SET status = 'trade',
		    current_price = ?,
		    session_start_price = ?,
		    offering_quantity = 0,
		    offering_round = offering_round + 1,
		    updated_at = ?
		WHERE id = ?
	`

	if _, err := r.db.Exec(query, offeringPrice, offeringPrice, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("failed to complete offering: %w", err)
	}

	return nil
}

// AppendPriceHistory inserts a price history record
func (r *Repository) AppendPriceHistory(rec domain.PriceRecord) error {
	query := `
		INSERT INTO price_history (security_id, session_id, old_price, new_price, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	var sessionID sql.NullInt64
	if rec.SessionID != nil {
		sessionID = sql.NullInt64{Int64: *rec.SessionID, Valid: true}
	}

	_, err := r.db.Exec(query, rec.SecurityID, sessionID, rec.OldPrice, rec.NewPrice, rec.Reason, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to append price history: %w", err)
	}

	return nil
}

// PriceHistory retrieves price history for a security, most recent first
func (r *Repository) PriceHistory(securityID int64, limit int) ([]domain.PriceRecord, error) {
	query := `
		SELECT id, security_id, session_id, old_price, new_price, reason, created_at
		FROM price_history
		WHERE security_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := r.db.Query(query, securityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get price history: %w", err)
	}
	defer rows.Close()

	var records []domain.PriceRecord
	for rows.Next() {
		var rec domain.PriceRecord
		var sessionID sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.SecurityID, &sessionID, &rec.OldPrice, &rec.NewPrice, &rec.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan price record: %w", err)
		}
		if sessionID.Valid {
			rec.SessionID = &sessionID.Int64
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating price history: %w", err)
	}

	return records, nil
}

// Scan helpers

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSecurity(row rowScanner) (*domain.Security, error) {
	var sec domain.Security
	var status string
	var createdAt, updatedAt int64

	err := row.Scan(
		&sec.ID,
		&sec.Symbol,
		&sec.Name,
		&status,
		&sec.CurrentPrice,
		&sec.SessionStartPrice,
		&sec.TickSize,
		&sec.LotSize,
		&sec.MaxOrderSize,
		&sec.TotalShares,
		&sec.OfferingQuantity,
		&sec.OfferingRound,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sec.Status = domain.SecurityStatus(status)
	sec.CreatedAt = time.Unix(createdAt, 0).UTC()
	sec.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &sec, nil
}

func scanSecurityFromRows(rows *sql.Rows) (*domain.Security, error) {
	return scanSecurity(rows)
}
