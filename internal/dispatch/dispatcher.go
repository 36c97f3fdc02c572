// Package dispatch delivers due queue entries as web push notifications and
// keeps recurring medicine series enqueued.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/medreminder/internal/circuitbreaker"
	"github.com/lalithlochan/medreminder/internal/db"
	"github.com/lalithlochan/medreminder/internal/metrics"
	"github.com/lalithlochan/medreminder/internal/push"
)

// Terminal error messages recorded on queue entries.
const (
	ErrMsgNoSubscriptions = "No active subscriptions"
	ErrMsgMissedWindow    = "Missed send window"
)

type QueueStore interface {
	FetchPendingQueueEntries(ctx context.Context, limit int) ([]*db.QueueEntry, error)
	ListUnadvanced(ctx context.Context, limit int) ([]*db.QueueEntry, error)
	InsertQueueEntries(ctx context.Context, entries []*db.QueueEntry) (int, error)
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time, errMsg *string) error
	MarkAdvanced(ctx context.Context, id uuid.UUID, at time.Time) error
}

type SubscriptionStore interface {
	ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]*db.Subscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
}

// ResultKind is the outcome of dispatching one entry.
type ResultKind string

const (
	ResultSent            ResultKind = "sent"
	ResultNoSubscriptions ResultKind = "no_subscriptions"
	ResultFailed          ResultKind = "failed"
)

// Result describes what happened to one queue entry.
type Result struct {
	Kind           ResultKind          `json:"result"`
	EntryID        uuid.UUID           `json:"entry_id"`
	UserID         uuid.UUID           `json:"user_id"`
	MedicineID     uuid.UUID           `json:"medicine_id"`
	Type           db.NotificationType `json:"notification_type"`
	ScheduledAt    time.Time           `json:"scheduled_datetime"`
	Attempted      int                 `json:"attempted"`
	Delivered      int                 `json:"delivered"`
	Pruned         int                 `json:"pruned"`
	Reason         string              `json:"reason,omitempty"`
	Advanced       bool                `json:"advanced"`
	NextOccurrence *time.Time          `json:"next_occurrence,omitempty"`
}

type Config struct {
	SendTimeout     time.Duration
	DefaultLocation *time.Location
}

// Dispatcher fans one entry out to every subscription of its user.
type Dispatcher struct {
	queue     QueueStore
	subs      SubscriptionStore
	transport push.Transport
	advancer  *Advancer
	observer  Observer
	config    Config
	logger    *zap.Logger
}

func NewDispatcher(queue QueueStore, subs SubscriptionStore, transport push.Transport, advancer *Advancer, observer Observer, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DefaultLocation == nil {
		cfg.DefaultLocation = time.UTC
	}
	if observer == nil {
		observer = Observers{}
	}

	return &Dispatcher{
		queue:     queue,
		subs:      subs,
		transport: transport,
		advancer:  advancer,
		observer:  observer,
		config:    cfg,
		logger:    logger,
	}
}

// Dispatch delivers entry and records its terminal state. It never returns
// an error; failures are reported in the Result and on the entry itself.
func (d *Dispatcher) Dispatch(ctx context.Context, entry db.QueueEntry, med db.Medicine, now time.Time) Result {
	res := d.dispatch(ctx, entry, med, now)
	d.observer.Observe(ctx, res)
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, entry db.QueueEntry, med db.Medicine, now time.Time) Result {
	res := Result{
		EntryID:     entry.ID,
		UserID:      entry.UserID,
		MedicineID:  entry.MedicineID,
		Type:        entry.Type,
		ScheduledAt: entry.ScheduledAt,
	}

	subs, err := d.subs.ListSubscriptions(ctx, entry.UserID)
	if err != nil {
		return d.fail(ctx, res, &med, now, fmt.Sprintf("list subscriptions: %v", err))
	}

	if len(subs) == 0 {
		reason := ErrMsgNoSubscriptions
		if err := d.queue.MarkSent(ctx, entry.ID, now, &reason); err != nil {
			return d.fail(ctx, res, &med, now, fmt.Sprintf("mark sent: %v", err))
		}
		res.Kind = ResultNoSubscriptions
		res.Reason = reason
		d.advance(ctx, &res, entry, med, now)
		return res
	}

	payload, err := push.BuildPayload(entry, med, med.Location(d.config.DefaultLocation))
	if err != nil {
		return d.fail(ctx, res, &med, now, fmt.Sprintf("build payload: %v", err))
	}

	for _, sub := range subs {
		d.deliver(ctx, &res, sub, payload)
	}

	if err := d.queue.MarkSent(ctx, entry.ID, now, nil); err != nil {
		return d.fail(ctx, res, &med, now, fmt.Sprintf("mark sent: %v", err))
	}

	res.Kind = ResultSent
	d.logger.Info("notification dispatched",
		zap.String("entry_id", entry.ID.String()),
		zap.String("type", string(entry.Type)),
		zap.Int("attempted", res.Attempted),
		zap.Int("delivered", res.Delivered),
		zap.Int("pruned", res.Pruned),
	)

	d.advance(ctx, &res, entry, med, now)
	return res
}

// deliver sends to one subscription. Per-subscription errors never abort the
// fan-out.
func (d *Dispatcher) deliver(ctx context.Context, res *Result, sub *db.Subscription, payload []byte) {
	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	defer cancel()

	start := time.Now()
	err := d.transport.Send(sendCtx, sub, payload)
	res.Attempted++

	switch {
	case err == nil:
		res.Delivered++
		metrics.RecordPushDelivery("delivered", time.Since(start))

	case errors.Is(err, push.ErrGone):
		metrics.RecordPushDelivery("gone", time.Since(start))
		if err := d.subs.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			d.logger.Error("failed to delete stale subscription",
				zap.String("host", push.Host(sub.Endpoint)),
				zap.Error(err),
			)
			return
		}
		res.Pruned++
		metrics.RecordSubscriptionPruned()
		d.logger.Info("stale subscription removed",
			zap.String("user_id", sub.UserID.String()),
			zap.String("host", push.Host(sub.Endpoint)),
		)

	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		metrics.RecordPushDelivery("circuit_open", time.Since(start))
		d.logger.Warn("push service circuit open",
			zap.String("host", push.Host(sub.Endpoint)),
		)

	default:
		metrics.RecordPushDelivery("failed", time.Since(start))
		d.logger.Warn("push delivery failed",
			zap.String("user_id", sub.UserID.String()),
			zap.String("host", push.Host(sub.Endpoint)),
			zap.Error(err),
		)
	}
}

// fail records reason on the entry so it is not retried. A failed recurring
// confirmation is left for the repair pass to advance.
func (d *Dispatcher) fail(ctx context.Context, res Result, med *db.Medicine, now time.Time, reason string) Result {
	res.Kind = ResultFailed
	res.Reason = reason

	d.logger.Error("dispatch failed",
		zap.String("entry_id", res.EntryID.String()),
		zap.String("reason", reason),
	)

	if err := d.queue.MarkSent(ctx, res.EntryID, now, &reason); err != nil {
		d.logger.Error("failed to record dispatch failure",
			zap.String("entry_id", res.EntryID.String()),
			zap.Error(err),
		)
		return res
	}
	if res.Type == db.NotificationConfirmation && d.advancer != nil {
		d.advancer.Retire(ctx, res.EntryID, med, now)
	}
	return res
}

func (d *Dispatcher) advance(ctx context.Context, res *Result, entry db.QueueEntry, med db.Medicine, now time.Time) {
	if entry.Type != db.NotificationConfirmation || d.advancer == nil {
		return
	}
	if d.advancer.Retire(ctx, entry.ID, &med, now) {
		return
	}

	next, err := d.advancer.Advance(ctx, entry, med, now)
	if err != nil {
		// The repair pass retries entries without advanced_at.
		return
	}
	res.Advanced = next != nil
	res.NextOccurrence = next
}
