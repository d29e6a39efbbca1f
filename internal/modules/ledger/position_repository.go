package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/bourse/internal/domain"
)

const positionsColumns = `id, account_id, security_id, quantity, average_cost, blocked_quantity, updated_at`

// PositionRepository handles security holdings per account
type PositionRepository struct {
	db  Queryer
	log zerolog.Logger
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(db Queryer, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		db:  db,
		log: log.With().Str("repo", "positions").Logger(),
	}
}

// WithTx returns a repository view bound to an open transaction
func (r *PositionRepository) WithTx(tx *sql.Tx) *PositionRepository {
	return &PositionRepository{db: tx, log: r.log}
}

// Get retrieves the position of an account in a security, or nil when the
// account never held it
func (r *PositionRepository) Get(accountID, securityID int64) (*domain.Position, error) {
	query := "SELECT " + positionsColumns + " FROM positions WHERE account_id = ? AND security_id = ?"

	pos, err := scanPosition(r.db.QueryRow(query, accountID, securityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return pos, nil
}

// ListByAccount returns all retained positions of an account, including
// zero-quantity records
func (r *PositionRepository) ListByAccount(accountID int64) ([]*domain.Position, error) {
	query := "SELECT " + positionsColumns + " FROM positions WHERE account_id = ? ORDER BY security_id"

	rows, err := r.db.Query(query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// Apply adjusts holdings by qtyDelta. Positive deltas fold refPrice into the
// running weighted-average cost; negative deltas leave the average cost
// untouched. Quantity is clamped at zero and the row is retained so the cost
// basis survives a full liquidation.
func (r *PositionRepository) Apply(accountID, securityID int64, qtyDelta, refPrice float64) error {
	pos, err := r.Get(accountID, securityID)
	if err != nil {
		return err
	}

	now := time.Now().Unix()

	if pos == nil {
		if qtyDelta < 0 {
			return &domain.ExecutionError{
				Reason: fmt.Sprintf("account %d holds no position in security %d", accountID, securityID),
			}
		}
		_, err := r.db.Exec(`
			INSERT INTO positions (account_id, security_id, quantity, average_cost, blocked_quantity, updated_at)
			VALUES (?, ?, ?, ?, 0, ?)`,
			accountID, securityID, qtyDelta, refPrice, now)
		if err != nil {
			return fmt.Errorf("failed to create position: %w", err)
		}
		return nil
	}

	newQty := pos.Quantity + qtyDelta
	if newQty < 0 {
		newQty = 0
	}

	avgCost := pos.AverageCost
	if qtyDelta > 0 && newQty > domain.Epsilon {
		avgCost = (pos.Quantity*pos.AverageCost + qtyDelta*refPrice) / newQty
	}

	// Blocked quantity can never exceed the holding.
	blocked := pos.BlockedQuantity
	if blocked > newQty {
		blocked = newQty
	}

	_, err = r.db.Exec(`
		UPDATE positions
		SET quantity = ?, average_cost = ?, blocked_quantity = ?, updated_at = ?
		WHERE id = ?`,
		newQty, avgCost, blocked, now, pos.ID)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}
	return nil
}

// Block reserves quantity against pending sell orders. Blocking more than the
// available (unblocked) quantity returns an ExecutionError.
func (r *PositionRepository) Block(accountID, securityID int64, qty float64) error {
	result, err := r.db.Exec(`
		UPDATE positions
		SET blocked_quantity = blocked_quantity + ?, updated_at = ?
		WHERE account_id = ? AND security_id = ? AND blocked_quantity + ? <= quantity`,
		qty, time.Now().Unix(), accountID, securityID, qty)
	if err != nil {
		return fmt.Errorf("failed to block position quantity: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check position block: %w", err)
	}
	if affected == 0 {
		return &domain.ExecutionError{
			Reason: fmt.Sprintf("insufficient available quantity on account %d security %d to block %f", accountID, securityID, qty),
		}
	}
	return nil
}

// Unblock releases previously reserved quantity, clamped at zero
func (r *PositionRepository) Unblock(accountID, securityID int64, qty float64) error {
	_, err := r.db.Exec(`
		UPDATE positions
		SET blocked_quantity = MAX(0, blocked_quantity - ?), updated_at = ?
		WHERE account_id = ? AND security_id = ?`,
		qty, time.Now().Unix(), accountID, securityID)
	if err != nil {
		return fmt.Errorf("failed to unblock position quantity: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var pos domain.Position
	var updatedAt int64

	err := row.Scan(
		&pos.ID, &pos.AccountID, &pos.SecurityID,
		&pos.Quantity, &pos.AverageCost, &pos.BlockedQuantity, &updatedAt)
	if err != nil {
		return nil, err
	}

	pos.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &pos, nil
}
