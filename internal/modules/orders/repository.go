// Package orders provides order persistence, book queries and the submission
// service.
package orders

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

const ordersColumns = `id, reference, account_id, security_id, session_id, side, order_type,
	time_in_force, price, stop_price, quantity, filled_quantity, average_fill_price,
	status, reject_reason, created_at, updated_at`

// bookPriority puts market orders ahead of everything else at any price level.
const bookPriority = `CASE WHEN order_type = 'market' THEN 1 ELSE 0 END`

// Repository handles order persistence and book queries
type Repository struct {
	db  Queryer
	log zerolog.Logger
}

// NewRepository creates a new orders repository
func NewRepository(db Queryer, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "orders").Logger(),
	}
}

// WithTx returns a repository view bound to an open transaction
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx, log: r.log}
}

// Create inserts a new order and returns it with its assigned ID
func (r *Repository) Create(order domain.Order) (*domain.Order, error) {
	if order.Status == "" {
		order.Status = domain.OrderStatusDraft
	}
	if order.TimeInForce == "" {
		order.TimeInForce = domain.TIFDay
	}

	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	result, err := r.db.Exec(`
		INSERT INTO orders (reference, account_id, security_id, session_id, side, order_type,
			time_in_force, price, stop_price, quantity, filled_quantity, average_fill_price,
			status, reject_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.Reference, order.AccountID, order.SecurityID, order.SessionID,
		string(order.Side), string(order.Type), string(order.TimeInForce),
		order.Price, order.StopPrice, order.Quantity, order.FilledQuantity,
		order.AverageFillPrice, string(order.Status), order.RejectReason,
		order.CreatedAt.Unix(), order.UpdatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get order id: %w", err)
	}
	order.ID = id

	return &order, nil
}

// Update persists the mutable fields of an order: status, fill bookkeeping,
// reject reason, and the type/price rewrite performed by a stop trigger.
func (r *Repository) Update(order *domain.Order) error {
	order.UpdatedAt = time.Now()

	result, err := r.db.Exec(`
		UPDATE orders
		SET order_type = ?, price = ?, filled_quantity = ?, average_fill_price = ?,
			status = ?, reject_reason = ?, session_id = ?, updated_at = ?
		WHERE id = ?`,
		string(order.Type), order.Price, order.FilledQuantity, order.AverageFillPrice,
		string(order.Status), order.RejectReason, order.SessionID,
		order.UpdatedAt.Unix(), order.ID)
	if err != nil {
		return fmt.Errorf("failed to update order %d: %w", order.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check order update %d: %w", order.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("order %d not found", order.ID)
	}
	return nil
}

// GetByID retrieves an order by ID, nil when absent
func (r *Repository) GetByID(id int64) (*domain.Order, error) {
	query := "SELECT " + ordersColumns + " FROM orders WHERE id = ?"
	return r.getOne(query, id)
}

// GetByReference retrieves an order by its unique reference, nil when absent
func (r *Repository) GetByReference(reference string) (*domain.Order, error) {
	query := "SELECT " + ordersColumns + " FROM orders WHERE reference = ?"
	return r.getOne(query, reference)
}

func (r *Repository) getOne(query string, arg interface{}) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRow(query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// RestingBuys returns the open buy side of the book: market orders first,
// then highest price first, oldest first within a level.
func (r *Repository) RestingBuys(securityID, sessionID int64) ([]*domain.Order, error) {
	query := "SELECT " + ordersColumns + ` FROM orders
		WHERE security_id = ? AND session_id = ? AND side = 'buy'
		  AND status IN ('open', 'partial')
		  AND order_type IN ('market', 'limit')
		ORDER BY ` + bookPriority + ` DESC, price DESC, created_at ASC, id ASC`
	return r.list(query, securityID, sessionID)
}

// RestingSells returns the open sell side of the book: market orders first,
// then lowest price first, oldest first within a level.
func (r *Repository) RestingSells(securityID, sessionID int64) ([]*domain.Order, error) {
	query := "SELECT " + ordersColumns + ` FROM orders
		WHERE security_id = ? AND session_id = ? AND side = 'sell'
		  AND status IN ('open', 'partial')
		  AND order_type IN ('market', 'limit')
		ORDER BY ` + bookPriority + ` DESC, price ASC, created_at ASC, id ASC`
	return r.list(query, securityID, sessionID)
}

// ImmediateOrders returns open IOC/FOK orders in arrival order
func (r *Repository) ImmediateOrders(securityID, sessionID int64) ([]*domain.Order, error) {
	query := "SELECT " + ordersColumns + ` FROM orders
		WHERE security_id = ? AND session_id = ? AND status IN ('open', 'partial')
		  AND order_type IN ('ioc', 'fok')
		ORDER BY created_at ASC, id ASC`
	return r.list(query, securityID, sessionID)
}

// TriggerCandidates returns submitted stop orders waiting on a trigger price
func (r *Repository) TriggerCandidates(securityID, sessionID int64) ([]*domain.Order, error) {
	query := "SELECT " + ordersColumns + ` FROM orders
		WHERE security_id = ? AND session_id = ? AND status = 'submitted'
		  AND order_type IN ('stop_loss', 'stop_limit')
		ORDER BY created_at ASC, id ASC`
	return r.list(query, securityID, sessionID)
}

// PendingIPOOrders returns submitted ipo orders for a security in arrival
// order, across sessions
func (r *Repository) PendingIPOOrders(securityID int64) ([]*domain.Order, error) {
	query := "SELECT " + ordersColumns + ` FROM orders
		WHERE security_id = ? AND status = 'submitted' AND order_type = 'ipo'
		ORDER BY created_at ASC, id ASC`
	return r.list(query, securityID)
}

// PendingBySession returns every non-terminal order of a session
func (r *Repository) PendingBySession(sessionID int64) ([]*domain.Order, error) {
	query := "SELECT " + ordersColumns + ` FROM orders
		WHERE session_id = ? AND status IN ('draft', 'submitted', 'open', 'partial')
		ORDER BY created_at ASC, id ASC`
	return r.list(query, sessionID)
}

// ListByAccount returns an account's orders, newest first
func (r *Repository) ListByAccount(accountID int64, limit int) ([]*domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + ordersColumns + ` FROM orders
		WHERE account_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`
	return r.list(query, accountID, limit)
}

// DailyTradedValue sums the value of an account's trades within a session,
// on both sides of the book
func (r *Repository) DailyTradedValue(accountID, sessionID int64) (float64, error) {
	var traded float64
	err := r.db.QueryRow(`
		SELECT COALESCE(SUM(t.value), 0)
		FROM trades t
		JOIN orders o ON o.id = t.buy_order_id OR o.id = t.sell_order_id
		WHERE o.account_id = ? AND t.session_id = ?`,
		accountID, sessionID).Scan(&traded)
	if err != nil {
		return 0, fmt.Errorf("failed to sum daily traded value: %w", err)
	}
	return traded, nil
}

// CarryOverIPO moves a session's pending ipo orders to its successor and
// returns the number of orders moved. IPO demand outlives the session it was
// entered in; it settles when the offering is allocated.
func (r *Repository) CarryOverIPO(fromSessionID, toSessionID int64) (int64, error) {
	result, err := r.db.Exec(`
		UPDATE orders
		SET session_id = ?, updated_at = ?
		WHERE session_id = ? AND order_type = 'ipo' AND status = 'submitted'`,
		toSessionID, time.Now().Unix(), fromSessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to carry over ipo orders: %w", err)
	}
	moved, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count carried over ipo orders: %w", err)
	}
	return moved, nil
}

func (r *Repository) list(query string, args ...interface{}) ([]*domain.Order, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var result []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		result = append(result, order)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var side, orderType, tif, status string
	var createdAt, updatedAt int64

	err := row.Scan(
		&o.ID, &o.Reference, &o.AccountID, &o.SecurityID, &o.SessionID,
		&side, &orderType, &tif, &o.Price, &o.StopPrice,
		&o.Quantity, &o.FilledQuantity, &o.AverageFillPrice,
		&status, &o.RejectReason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	o.Side = domain.Side(side)
	o.Type = domain.OrderType(orderType)
	o.TimeInForce = domain.TimeInForce(tif)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	o.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &o, nil
}
