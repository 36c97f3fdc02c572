package db

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Repository handles database operations for the scheduler, pharmacy and
// confirmation tables. A Repository returned inside WithTx runs every
// statement on that transaction.
type Repository struct {
	db     *DB
	q      querier
	logger *zap.Logger
}

// NewRepository creates a repository bound to the connection pool
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		q:      db.Pool(),
		logger: logger,
	}
}

// WithTx runs fn inside a single transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *Repository) error) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&Repository{db: r.db, q: tx, logger: r.logger}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
