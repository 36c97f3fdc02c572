package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const queueWithMedicineColumns = `
	q.id, q.user_id, q.medicine_id, q.scheduled_datetime, q.notification_type,
	q.minutes_before, q.sent_at, q.error, q.advanced_at, q.created_at,
	m.id, m.user_id, m.name, m.dosage, m.meal_timing, COALESCE(m.timing, ''),
	COALESCE(m.occurrence, ''), m.custom_occurrence, COALESCE(m.timezone, ''),
	COALESCE(m.dose_amount, 0), m.pharmacy_medicine_id
`

func scanQueueWithMedicine(row pgx.Row) (*QueueEntry, error) {
	var e QueueEntry
	var m Medicine
	err := row.Scan(
		&e.ID, &e.UserID, &e.MedicineID, &e.ScheduledAt, &e.Type,
		&e.MinutesBefore, &e.SentAt, &e.Error, &e.AdvancedAt, &e.CreatedAt,
		&m.ID, &m.UserID, &m.Name, &m.Dosage, &m.MealTiming, &m.Timing,
		&m.Occurrence, &m.CustomOccurrence, &m.Timezone,
		&m.DoseAmount, &m.PharmacyItemID,
	)
	if err != nil {
		return nil, err
	}
	e.ScheduledAt = e.ScheduledAt.UTC()
	e.Medicine = &m
	return &e, nil
}

func collectQueueRows(rows pgx.Rows) ([]*QueueEntry, error) {
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		e, err := scanQueueWithMedicine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return entries, nil
}

// FetchPendingQueueEntries returns up to limit unsent entries with their
// medicine, earliest send time first.
func (r *Repository) FetchPendingQueueEntries(ctx context.Context, limit int) ([]*QueueEntry, error) {
	query := `
		SELECT` + queueWithMedicineColumns + `
		FROM notification_queue q
		JOIN user_medicines m ON m.id = q.medicine_id
		WHERE q.sent_at IS NULL
		ORDER BY q.scheduled_datetime - make_interval(mins => q.minutes_before), q.id
		LIMIT $1
	`

	rows, err := r.q.Query(ctx, query, limit)
	if err != nil {
		r.logger.Error("failed to fetch pending queue entries", zap.Error(err))
		return nil, fmt.Errorf("query pending queue entries: %w", err)
	}

	return collectQueueRows(rows)
}

// ListUnadvanced returns terminal confirmations of recurring medicines whose
// next cycle has not been enqueued yet.
func (r *Repository) ListUnadvanced(ctx context.Context, limit int) ([]*QueueEntry, error) {
	query := `
		SELECT` + queueWithMedicineColumns + `
		FROM notification_queue q
		JOIN user_medicines m ON m.id = q.medicine_id
		WHERE q.sent_at IS NOT NULL
		  AND q.advanced_at IS NULL
		  AND q.notification_type = 'confirmation'
		  AND lower(trim(m.occurrence)) IN ('daily', 'weekly', 'monthly')
		ORDER BY q.sent_at
		LIMIT $1
	`

	rows, err := r.q.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query unadvanced confirmations: %w", err)
	}

	return collectQueueRows(rows)
}

// InsertQueueEntries inserts rows, skipping any that collide with an existing
// (medicine_id, scheduled_datetime, notification_type). It returns the number
// of rows actually written.
func (r *Repository) InsertQueueEntries(ctx context.Context, entries []*QueueEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO notification_queue (
			id, user_id, medicine_id, scheduled_datetime,
			notification_type, minutes_before
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (medicine_id, scheduled_datetime, notification_type) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		batch.Queue(query, e.ID, e.UserID, e.MedicineID, e.ScheduledAt.UTC(), e.Type, e.MinutesBefore)
	}

	results := r.q.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range entries {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert queue entry: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}

	return inserted, nil
}

// MarkSent moves a pending entry to its terminal state. Reminders never
// advance a series, so they are stamped advanced in the same update. Entries
// that are already terminal are left untouched and reported as ErrNotFound.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time, errMsg *string) error {
	query := `
		UPDATE notification_queue
		SET sent_at = $2,
		    error = $3,
		    advanced_at = CASE WHEN notification_type = 'reminder' THEN $2 ELSE advanced_at END
		WHERE id = $1 AND sent_at IS NULL
	`

	result, err := r.q.Exec(ctx, query, id, sentAt.UTC(), errMsg)
	if err != nil {
		r.logger.Error("failed to mark queue entry sent",
			zap.Error(err),
			zap.String("entry_id", id.String()),
		)
		return fmt.Errorf("mark queue entry sent: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("pending queue entry %s: %w", id, ErrNotFound)
	}

	return nil
}

// MarkAdvanced records that the next cycle for a confirmation was enqueued.
func (r *Repository) MarkAdvanced(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE notification_queue
		SET advanced_at = $2
		WHERE id = $1 AND advanced_at IS NULL
	`

	if _, err := r.q.Exec(ctx, query, id, at.UTC()); err != nil {
		return fmt.Errorf("mark queue entry advanced: %w", err)
	}
	return nil
}

// GetMedicine loads a medicine owned by userID.
func (r *Repository) GetMedicine(ctx context.Context, userID, id uuid.UUID) (*Medicine, error) {
	query := `
		SELECT id, user_id, name, dosage, meal_timing, COALESCE(timing, ''),
		       COALESCE(occurrence, ''), custom_occurrence, COALESCE(timezone, ''),
		       COALESCE(dose_amount, 0), pharmacy_medicine_id
		FROM user_medicines
		WHERE id = $1 AND user_id = $2
	`

	var m Medicine
	err := r.q.QueryRow(ctx, query, id, userID).Scan(
		&m.ID, &m.UserID, &m.Name, &m.Dosage, &m.MealTiming, &m.Timing,
		&m.Occurrence, &m.CustomOccurrence, &m.Timezone,
		&m.DoseAmount, &m.PharmacyItemID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("medicine %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query medicine: %w", err)
	}

	return &m, nil
}
