package database

import (
	"database/sql"
	"fmt"
	"regexp"
)

// savepointNameRe restricts savepoint names to identifier characters.
// Savepoint names cannot be bound as parameters, so they must be vetted
// before interpolation into the SQL text.
var savepointNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// WithSavepoint executes fn inside a named savepoint on an open transaction.
// If fn returns an error or panics, writes made since the savepoint are rolled
// back and the outer transaction remains usable. If fn succeeds, the savepoint
// is released, folding its writes into the outer transaction.
//
// This is the sub-transaction boundary used by the matching engine: a failed
// trade pair rolls back only its own writes while the per-security pass
// continues.
func WithSavepoint(tx *sql.Tx, name string, fn func() error) (err error) {
	if tx == nil {
		return fmt.Errorf("transaction is nil")
	}
	if !savepointNameRe.MatchString(name) {
		return fmt.Errorf("invalid savepoint name: %q", name)
	}

	if _, err = tx.Exec("SAVEPOINT " + name); err != nil {
		return fmt.Errorf("failed to create savepoint %s: %w", name, err)
	}

	defer func() {
		if p := recover(); p != nil {
			_, _ = tx.Exec("ROLLBACK TO SAVEPOINT " + name)
			_, _ = tx.Exec("RELEASE SAVEPOINT " + name)
			err = fmt.Errorf("panic in savepoint %s: %v", name, p)
		} else if err != nil {
			if _, rbErr := tx.Exec("ROLLBACK TO SAVEPOINT " + name); rbErr != nil {
				err = fmt.Errorf("savepoint %s failed: %w (rollback also failed: %v)", name, err, rbErr)
				return
			}
			_, _ = tx.Exec("RELEASE SAVEPOINT " + name)
		} else {
			if _, relErr := tx.Exec("RELEASE SAVEPOINT " + name); relErr != nil {
				err = fmt.Errorf("failed to release savepoint %s: %w", name, relErr)
			}
		}
	}()

	err = fn()
	return err
}
