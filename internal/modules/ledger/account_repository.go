// Package ledger provides cash-balance and position bookkeeping for accounts.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/bourse/internal/domain"
)

// Queryer is the subset of database/sql used by the ledger repositories.
// Both *sql.DB and *sql.Tx satisfy it.
type Queryer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

const accountsColumns = `id, name, role, team, cash_balance, created_at, updated_at`

// AccountRepository handles account cash-balance operations
type AccountRepository struct {
	db  Queryer
	log zerolog.Logger
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db Queryer, log zerolog.Logger) *AccountRepository {
	return &AccountRepository{
		db:  db,
		log: log.With().Str("repo", "accounts").Logger(),
	}
}

// WithTx returns a repository view bound to an open transaction
func (r *AccountRepository) WithTx(tx *sql.Tx) *AccountRepository {
	return &AccountRepository{db: tx, log: r.log}
}

// Create inserts a new account and returns it with its assigned ID
func (r *AccountRepository) Create(acc domain.Account) (*domain.Account, error) {
	if acc.Role == "" {
		acc.Role = domain.RoleInvestor
	}
	if acc.CashBalance < 0 {
		return nil, domain.NewValidationError("cash_balance", "initial cash balance must not be negative")
	}

	now := time.Now()
	result, err := r.db.Exec(`
		INSERT INTO accounts (name, role, team, cash_balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		acc.Name, string(acc.Role), acc.Team, acc.CashBalance, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get account id: %w", err)
	}

	acc.ID = id
	acc.CreatedAt = now
	acc.UpdatedAt = now

	r.log.Info().Str("name", acc.Name).Int64("id", id).Msg("Account created")

	return &acc, nil
}

// GetByID retrieves an account by ID
func (r *AccountRepository) GetByID(id int64) (*domain.Account, error) {
	query := "SELECT " + accountsColumns + " FROM accounts WHERE id = ?"

	var acc domain.Account
	var role string
	var createdAt, updatedAt int64

	err := r.db.QueryRow(query, id).Scan(
		&acc.ID, &acc.Name, &role, &acc.Team, &acc.CashBalance, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	acc.Role = domain.AccountRole(role)
	acc.CreatedAt = time.Unix(createdAt, 0).UTC()
	acc.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &acc, nil
}

// GetCashBalance returns the current cash balance of an account
func (r *AccountRepository) GetCashBalance(id int64) (float64, error) {
	var balance float64
	err := r.db.QueryRow(`SELECT cash_balance FROM accounts WHERE id = ?`, id).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("account %d not found", id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get cash balance: %w", err)
	}
	return balance, nil
}

// AdjustCash atomically applies a delta to an account's cash balance. The
// update is guarded so the balance can never go negative; a debit exceeding
// the balance returns an ExecutionError and leaves the account untouched.
func (r *AccountRepository) AdjustCash(id int64, delta float64) error {
	result, err := r.db.Exec(`
		UPDATE accounts
		SET cash_balance = cash_balance + ?, updated_at = ?
		WHERE id = ? AND cash_balance + ? >= 0`,
		delta, time.Now().Unix(), id, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust cash for account %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check cash adjustment for account %d: %w", id, err)
	}
	if affected == 0 {
		return &domain.ExecutionError{
			Reason: fmt.Sprintf("insufficient funds on account %d for debit of %f", id, -delta),
		}
	}

	return nil
}
