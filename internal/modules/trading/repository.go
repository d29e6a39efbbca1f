// Package trading provides trade persistence and per-session VWAP queries.
package trading

import (
	"database/sql"
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

const tradesColumns = `id, security_id, session_id, buy_order_id, sell_order_id, trade_type,
	quantity, price, value, buyer_commission, seller_commission, executed_at, created_at`

// Repository handles trade persistence. Trades are immutable once written.
type Repository struct {
	db  Queryer
	log zerolog.Logger
}

// NewRepository creates a new trades repository
func NewRepository(db Queryer, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "trades").Logger(),
	}
}

// WithTx returns a repository view bound to an open transaction
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx, log: r.log}
}

// Create inserts a trade after checking its invariants
func (r *Repository) Create(trade domain.Trade) (*domain.Trade, error) {
	if err := trade.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	if trade.ExecutedAt.IsZero() {
		trade.ExecutedAt = now
	}
	trade.CreatedAt = now
	if trade.Type == "" {
		trade.Type = domain.TradeTypeExchange
	}
	if trade.Value == 0 {
		trade.Value = trade.Quantity * trade.Price
	}

	result, err := r.db.Exec(`
		INSERT INTO trades (security_id, session_id, buy_order_id, sell_order_id, trade_type,
			quantity, price, value, buyer_commission, seller_commission, executed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.SecurityID, trade.SessionID, trade.BuyOrderID, trade.SellOrderID,
		string(trade.Type), trade.Quantity, trade.Price, trade.Value,
		trade.BuyerCommission, trade.SellerCommission,
		trade.ExecutedAt.Unix(), trade.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get trade id: %w", err)
	}
	trade.ID = id

	return &trade, nil
}

// SessionVWAP returns the volume-weighted average price and total volume of
// a security's trades within a session. Zero volume returns (0, 0).
func (r *Repository) SessionVWAP(securityID, sessionID int64) (vwap, volume float64, err error) {
	err = r.db.QueryRow(`
		SELECT COALESCE(SUM(quantity * price), 0), COALESCE(SUM(quantity), 0)
		FROM trades
		WHERE security_id = ? AND session_id = ?`,
		securityID, sessionID).Scan(&vwap, &volume)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute session vwap: %w", err)
	}
	if volume < domain.Epsilon {
		return 0, 0, nil
	}
	return vwap / volume, volume, nil
}

// ListBySecurity returns a security's trades, newest first
func (r *Repository) ListBySecurity(securityID int64, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + tradesColumns + ` FROM trades
		WHERE security_id = ?
		ORDER BY executed_at DESC, id DESC
		LIMIT ?`
	return r.list(query, securityID, limit)
}

// ListBySession returns a session's trades in execution order
func (r *Repository) ListBySession(sessionID int64) ([]*domain.Trade, error) {
	query := "SELECT " + tradesColumns + ` FROM trades
		WHERE session_id = ?
		ORDER BY executed_at ASC, id ASC`
	return r.list(query, sessionID)
}

// ListByOrder returns the trades an order participated in, either side
func (r *Repository) ListByOrder(orderID int64) ([]*domain.Trade, error) {
	query := "SELECT " + tradesColumns + ` FROM trades
		WHERE buy_order_id = ? OR sell_order_id = ?
		ORDER BY executed_at ASC, id ASC`
	return r.list(query, orderID, orderID)
}

func (r *Repository) list(query string, args ...interface{}) ([]*domain.Trade, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*domain.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row rowScanner) (*domain.Trade, error) {
	var t domain.Trade
	var tradeType string
	var sellOrderID sql.NullInt64
	var executedAt, createdAt int64

	err := row.Scan(
		&t.ID, &t.SecurityID, &t.SessionID, &t.BuyOrderID, &sellOrderID,
		&tradeType, &t.Quantity, &t.Price, &t.Value,
		&t.BuyerCommission, &t.SellerCommission, &executedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	t.Type = domain.TradeType(tradeType)
	if sellOrderID.Valid {
		t.SellOrderID = &sellOrderID.Int64
	}
	t.ExecutedAt = time.Unix(executedAt, 0).UTC()
	t.CreatedAt = time.Unix(createdAt, 0).UTC()

	return &t, nil
}
