package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/medreminder/internal/db"
	"github.com/lalithlochan/medreminder/internal/metrics"
	"github.com/lalithlochan/medreminder/internal/schedule"
)

type SchedulerConfig struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	LockTTL     time.Duration
}

// Summary reports one scheduler invocation.
type Summary struct {
	Count    int      `json:"count"`
	Due      int      `json:"due"`
	Repaired int      `json:"repaired"`
	Expired  int      `json:"expired"`
	Results  []Result `json:"results"`
}

// Scheduler runs one pass over the queue per invocation, either on an
// external trigger or on its own ticker.
type Scheduler struct {
	queue      QueueStore
	dispatcher *Dispatcher
	advancer   *Advancer
	locker     Locker
	config     SchedulerConfig
	logger     *zap.Logger
	now        func() time.Time
}

func NewScheduler(queue QueueStore, dispatcher *Dispatcher, advancer *Advancer, locker Locker, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if locker == nil {
		locker = NoopLocker{}
	}

	return &Scheduler{
		queue:      queue,
		dispatcher: dispatcher,
		advancer:   advancer,
		locker:     locker,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Run performs one invocation at now. It returns ErrLockHeld if another
// invocation holds the lock.
func (s *Scheduler) Run(ctx context.Context, now time.Time) (Summary, error) {
	start := time.Now()

	lease, err := s.locker.Acquire(ctx, LockName, s.config.LockTTL)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			metrics.RecordSchedulerRun("skipped", time.Since(start))
			return Summary{}, err
		}
		metrics.RecordSchedulerRun("failed", time.Since(start))
		return Summary{}, fmt.Errorf("acquire scheduler lock: %w", err)
	}

	// Entries already picked up are finished even if the trigger goes away.
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if err := lease.Release(ctx); err != nil {
			s.logger.Warn("failed to release scheduler lock", zap.Error(err))
		}
	}()

	summary := Summary{Results: []Result{}}
	summary.Repaired = s.repair(ctx, now)

	pending, err := s.queue.FetchPendingQueueEntries(ctx, s.config.BatchSize)
	if err != nil {
		metrics.RecordSchedulerRun("failed", time.Since(start))
		return summary, fmt.Errorf("fetch pending entries: %w", err)
	}
	summary.Count = len(pending)

	entries := make([]db.QueueEntry, 0, len(pending))
	for _, e := range pending {
		entries = append(entries, *e)
	}

	due := schedule.SelectDue(entries, now)
	summary.Due = len(due)
	summary.Results = s.dispatchAll(ctx, due, now)
	summary.Expired = s.expire(ctx, schedule.Overdue(entries, now), now)

	metrics.RecordSchedulerRun("ok", time.Since(start))
	s.logger.Info("scheduler run complete",
		zap.Int("count", summary.Count),
		zap.Int("due", summary.Due),
		zap.Int("repaired", summary.Repaired),
		zap.Int("expired", summary.Expired),
		zap.Duration("duration", time.Since(start)),
	)
	return summary, nil
}

func (s *Scheduler) dispatchAll(ctx context.Context, due []db.QueueEntry, now time.Time) []Result {
	results := make([]Result, len(due))

	var g errgroup.Group
	g.SetLimit(s.config.Concurrency)
	for i, entry := range due {
		g.Go(func() error {
			if entry.Medicine == nil {
				results[i] = s.dispatcher.fail(ctx, Result{
					EntryID:     entry.ID,
					UserID:      entry.UserID,
					MedicineID:  entry.MedicineID,
					Type:        entry.Type,
					ScheduledAt: entry.ScheduledAt,
				}, nil, now, "medicine not found")
				s.dispatcher.observer.Observe(ctx, results[i])
				return nil
			}
			results[i] = s.dispatcher.Dispatch(ctx, entry, *entry.Medicine, now)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// repair re-runs advancement for terminal confirmations whose next cycle was
// never enqueued.
func (s *Scheduler) repair(ctx context.Context, now time.Time) int {
	stuck, err := s.queue.ListUnadvanced(ctx, s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to list unadvanced entries", zap.Error(err))
		return 0
	}

	repaired := 0
	for _, e := range stuck {
		if e.Medicine == nil {
			continue
		}
		if _, err := s.advancer.Advance(ctx, *e, *e.Medicine, now); err == nil {
			repaired++
		}
	}
	return repaired
}

// expire closes out entries whose send window has passed. Recurring
// confirmations still advance so a missed dose does not end the series.
func (s *Scheduler) expire(ctx context.Context, overdue []db.QueueEntry, now time.Time) int {
	expired := 0
	for _, e := range overdue {
		reason := ErrMsgMissedWindow
		if err := s.queue.MarkSent(ctx, e.ID, now, &reason); err != nil {
			s.logger.Warn("failed to expire entry",
				zap.String("entry_id", e.ID.String()),
				zap.Error(err),
			)
			continue
		}
		expired++

		if e.Type == db.NotificationConfirmation && !s.advancer.Retire(ctx, e.ID, e.Medicine, now) {
			_, _ = s.advancer.Advance(ctx, e, *e.Medicine, now)
		}
	}

	if expired > 0 {
		metrics.RecordExpired(expired)
		s.logger.Info("expired missed entries", zap.Int("count", expired))
	}
	return expired
}

// Start runs Run on every tick until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s.config.Interval <= 0 {
		s.logger.Info("scheduler ticker disabled")
		return
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("interval", s.config.Interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			if _, err := s.Run(ctx, s.now()); err != nil {
				if errors.Is(err, ErrLockHeld) {
					s.logger.Debug("scheduler run skipped, lock held")
					continue
				}
				s.logger.Error("scheduler run failed", zap.Error(err))
			}
		}
	}
}
