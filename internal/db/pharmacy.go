package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreateItem inserts a pharmacy item.
func (r *Repository) CreateItem(ctx context.Context, item *PharmacyItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}

	query := `
		INSERT INTO pharmacy_medicines (id, user_id, name, form, available_stock, stock_unit)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := r.q.QueryRow(ctx, query,
		item.ID, item.UserID, item.Name, item.Form, item.Stock, item.StockUnit,
	).Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create pharmacy item",
			zap.Error(err),
			zap.String("item_id", item.ID.String()),
		)
		return fmt.Errorf("insert pharmacy item: %w", err)
	}

	return nil
}

// GetItem loads a pharmacy item owned by userID.
func (r *Repository) GetItem(ctx context.Context, userID, id uuid.UUID) (*PharmacyItem, error) {
	return r.getItem(ctx, userID, id, false)
}

// GetStockForUpdate loads the item and holds a row lock on it until the
// surrounding transaction ends. It must be called inside WithTx.
func (r *Repository) GetStockForUpdate(ctx context.Context, userID, id uuid.UUID) (*PharmacyItem, error) {
	return r.getItem(ctx, userID, id, true)
}

func (r *Repository) getItem(ctx context.Context, userID, id uuid.UUID, forUpdate bool) (*PharmacyItem, error) {
	query := `
		SELECT id, user_id, name, COALESCE(form, ''), available_stock, stock_unit,
		       created_at, updated_at
		FROM pharmacy_medicines
		WHERE id = $1 AND user_id = $2
	`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var item PharmacyItem
	err := r.q.QueryRow(ctx, query, id, userID).Scan(
		&item.ID, &item.UserID, &item.Name, &item.Form, &item.Stock, &item.StockUnit,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pharmacy item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query pharmacy item: %w", err)
	}

	return &item, nil
}

// SetStock overwrites the running total on the item.
func (r *Repository) SetStock(ctx context.Context, id uuid.UUID, stock decimal.Decimal) error {
	result, err := r.q.Exec(ctx,
		`UPDATE pharmacy_medicines SET available_stock = $2, updated_at = NOW() WHERE id = $1`,
		id, stock,
	)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("pharmacy item %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendStockHistory writes one ledger row. History rows are never updated.
func (r *Repository) AppendStockHistory(ctx context.Context, h *StockHistoryEntry) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}

	query := `
		INSERT INTO pharmacy_stock_history (
			id, user_id, pharmacy_medicine_id, delta, before_stock,
			after_stock, stock_unit, source, note
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`

	err := r.q.QueryRow(ctx, query,
		h.ID, h.UserID, h.PharmacyItemID, h.Delta, h.BeforeStock,
		h.AfterStock, h.StockUnit, h.Source, h.Note,
	).Scan(&h.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert stock history: %w", err)
	}

	return nil
}

// ListHistory returns an item's ledger, newest first.
func (r *Repository) ListHistory(ctx context.Context, userID, itemID uuid.UUID, limit int) ([]*StockHistoryEntry, error) {
	query := `
		SELECT id, user_id, pharmacy_medicine_id, delta, before_stock, after_stock,
		       stock_unit, source, note, created_at
		FROM pharmacy_stock_history
		WHERE user_id = $1 AND pharmacy_medicine_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`

	rows, err := r.q.Query(ctx, query, userID, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("query stock history: %w", err)
	}
	defer rows.Close()

	var history []*StockHistoryEntry
	for rows.Next() {
		var h StockHistoryEntry
		if err := rows.Scan(
			&h.ID, &h.UserID, &h.PharmacyItemID, &h.Delta, &h.BeforeStock, &h.AfterStock,
			&h.StockUnit, &h.Source, &h.Note, &h.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan stock history: %w", err)
		}
		history = append(history, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock history: %w", err)
	}

	return history, nil
}
