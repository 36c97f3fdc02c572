package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LockConfirmation serializes concurrent writers of the same dose until the
// surrounding transaction ends. It must be called inside WithTx.
func (r *Repository) LockConfirmation(ctx context.Context, userID, medicineID uuid.UUID, scheduledAt time.Time) error {
	key := fmt.Sprintf("confirmation:%s:%s:%d", userID, medicineID, scheduledAt.UTC().Unix())
	if _, err := r.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("lock confirmation: %w", err)
	}
	return nil
}

// GetExistingConfirmation returns the stored confirmation for a dose, or nil
// when the dose has never been confirmed.
func (r *Repository) GetExistingConfirmation(ctx context.Context, userID, medicineID uuid.UUID, scheduledAt time.Time) (*Confirmation, error) {
	query := `
		SELECT id, user_id, medicine_id, scheduled_datetime, taken, skipped, notes, confirmed_at
		FROM medicine_confirmations
		WHERE user_id = $1 AND medicine_id = $2 AND scheduled_datetime = $3
	`

	var c Confirmation
	err := r.q.QueryRow(ctx, query, userID, medicineID, scheduledAt.UTC()).Scan(
		&c.ID, &c.UserID, &c.MedicineID, &c.ScheduledAt, &c.Taken, &c.Skipped, &c.Notes, &c.ConfirmedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query confirmation: %w", err)
	}

	return &c, nil
}

// UpsertConfirmation writes the latest state of a dose.
func (r *Repository) UpsertConfirmation(ctx context.Context, c *Confirmation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	query := `
		INSERT INTO medicine_confirmations (
			id, user_id, medicine_id, scheduled_datetime, taken, skipped, notes, confirmed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, medicine_id, scheduled_datetime) DO UPDATE
		SET taken = EXCLUDED.taken,
		    skipped = EXCLUDED.skipped,
		    notes = EXCLUDED.notes,
		    confirmed_at = EXCLUDED.confirmed_at
		RETURNING id
	`

	err := r.q.QueryRow(ctx, query,
		c.ID, c.UserID, c.MedicineID, c.ScheduledAt.UTC(), c.Taken, c.Skipped, c.Notes, c.ConfirmedAt.UTC(),
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("upsert confirmation: %w", err)
	}

	return nil
}

// ListConfirmations returns a user's confirmations, newest dose first.
func (r *Repository) ListConfirmations(ctx context.Context, f ConfirmationFilter) ([]*Confirmation, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, user_id, medicine_id, scheduled_datetime, taken, skipped, notes, confirmed_at
		FROM medicine_confirmations
		WHERE user_id = $1`)
	args := []any{f.UserID}

	if f.MedicineID != nil {
		args = append(args, *f.MedicineID)
		fmt.Fprintf(&sb, " AND medicine_id = $%d", len(args))
	}
	if f.Start != nil {
		args = append(args, f.Start.UTC())
		fmt.Fprintf(&sb, " AND scheduled_datetime >= $%d", len(args))
	}
	if f.End != nil {
		args = append(args, f.End.UTC())
		fmt.Fprintf(&sb, " AND scheduled_datetime <= $%d", len(args))
	}
	sb.WriteString(" ORDER BY scheduled_datetime DESC")

	rows, err := r.q.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query confirmations: %w", err)
	}
	defer rows.Close()

	var out []*Confirmation
	for rows.Next() {
		var c Confirmation
		if err := rows.Scan(&c.ID, &c.UserID, &c.MedicineID, &c.ScheduledAt, &c.Taken, &c.Skipped, &c.Notes, &c.ConfirmedAt); err != nil {
			return nil, fmt.Errorf("scan confirmation: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate confirmations: %w", err)
	}

	return out, nil
}
