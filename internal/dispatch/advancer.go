package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/medreminder/internal/db"
	"github.com/lalithlochan/medreminder/internal/metrics"
	"github.com/lalithlochan/medreminder/internal/schedule"
)

// Advancer enqueues the next reminder/confirmation pair of a recurring series.
type Advancer struct {
	queue      QueueStore
	defaultLoc *time.Location
	logger     *zap.Logger
}

func NewAdvancer(queue QueueStore, defaultLoc *time.Location, logger *zap.Logger) *Advancer {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	return &Advancer{queue: queue, defaultLoc: defaultLoc, logger: logger}
}

// Advance inserts the next cycle after entry and stamps entry as advanced.
// It returns the next scheduled instant, or nil when the series has ended.
// Calling it twice for the same entry inserts nothing the second time.
func (a *Advancer) Advance(ctx context.Context, entry db.QueueEntry, med db.Medicine, now time.Time) (*time.Time, error) {
	occ := schedule.ParseOccurrence(med.Occurrence)
	next := schedule.NextOccurrenceIn(med.Location(a.defaultLoc), entry.ScheduledAt, occ, now)
	if next == nil {
		metrics.RecordAdvance("terminal")
		a.markAdvanced(ctx, entry.ID, now)
		return nil, nil
	}

	inserted, err := a.queue.InsertQueueEntries(ctx, []*db.QueueEntry{
		{
			UserID:        entry.UserID,
			MedicineID:    entry.MedicineID,
			ScheduledAt:   *next,
			Type:          db.NotificationReminder,
			MinutesBefore: med.ReminderLead(),
		},
		{
			UserID:        entry.UserID,
			MedicineID:    entry.MedicineID,
			ScheduledAt:   *next,
			Type:          db.NotificationConfirmation,
			MinutesBefore: 0,
		},
	})
	if err != nil {
		metrics.RecordAdvance("failed")
		a.logger.Error("failed to enqueue next occurrence",
			zap.String("entry_id", entry.ID.String()),
			zap.String("medicine_id", entry.MedicineID.String()),
			zap.Time("next", *next),
			zap.Error(err),
		)
		return nil, fmt.Errorf("insert next occurrence: %w", err)
	}

	if inserted == 0 {
		metrics.RecordAdvance("duplicate")
	} else {
		metrics.RecordAdvance("enqueued")
	}

	a.logger.Info("next occurrence enqueued",
		zap.String("medicine_id", entry.MedicineID.String()),
		zap.String("occurrence", string(occ)),
		zap.Time("next", *next),
		zap.Int("inserted", inserted),
	)

	a.markAdvanced(ctx, entry.ID, now)
	return next, nil
}

// Retire stamps a terminal confirmation whose medicine does not recur, or no
// longer exists, so the repair pass never picks it up. It reports false when
// the entry heads a recurring series and must go through Advance instead.
func (a *Advancer) Retire(ctx context.Context, id uuid.UUID, med *db.Medicine, now time.Time) bool {
	if med != nil && schedule.ParseOccurrence(med.Occurrence).Recurring() {
		return false
	}
	a.markAdvanced(ctx, id, now)
	return true
}

func (a *Advancer) markAdvanced(ctx context.Context, id uuid.UUID, now time.Time) {
	if err := a.queue.MarkAdvanced(ctx, id, now); err != nil {
		a.logger.Warn("failed to mark entry advanced",
			zap.String("entry_id", id.String()),
			zap.Error(err),
		)
	}
}
