package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/medreminder/internal/db"
	"github.com/lalithlochan/medreminder/internal/push"
	"github.com/lalithlochan/medreminder/internal/schedule"
)

type env struct {
	queue      *memQueue
	subs       *memSubs
	transport  *fakeTransport
	advancer   *Advancer
	dispatcher *Dispatcher
	scheduler  *Scheduler
	events     *ChanObserver
	user       uuid.UUID
	med        *db.Medicine
}

func newEnv(t *testing.T, occurrence, mealTiming string) *env {
	t.Helper()
	logger := zap.NewNop()

	e := &env{
		queue:     newMemQueue(),
		subs:      &memSubs{},
		transport: &fakeTransport{errs: map[string]error{}},
		events:    NewChanObserver(64),
		user:      uuid.New(),
	}
	dosage := "500mg"
	e.med = &db.Medicine{
		ID:         uuid.New(),
		UserID:     e.user,
		Name:       "Metformin",
		Dosage:     &dosage,
		MealTiming: mealTiming,
		Occurrence: occurrence,
		Timezone:   "UTC",
		DoseAmount: decimal.NewFromInt(1),
	}
	e.queue.addMedicine(e.med)

	e.advancer = NewAdvancer(e.queue, time.UTC, logger)
	e.dispatcher = NewDispatcher(e.queue, e.subs, e.transport, e.advancer,
		Observers{MetricsObserver{}, e.events}, Config{SendTimeout: time.Second}, logger)
	e.scheduler = NewScheduler(e.queue, e.dispatcher, e.advancer, nil, SchedulerConfig{Concurrency: 2}, logger)
	return e
}

func (e *env) subscribe(endpoints ...string) {
	for _, ep := range endpoints {
		e.subs.subs = append(e.subs.subs, &db.Subscription{
			ID: uuid.New(), UserID: e.user, Endpoint: ep, P256dh: "p", Auth: "a",
		})
	}
}

func (e *env) enqueue(at time.Time, typ db.NotificationType, minutesBefore int) *db.QueueEntry {
	return e.queue.add(&db.QueueEntry{
		UserID:        e.user,
		MedicineID:    e.med.ID,
		ScheduledAt:   at,
		Type:          typ,
		MinutesBefore: minutesBefore,
	})
}

func jan(day, hour, min, sec int) time.Time {
	return time.Date(2024, time.January, day, hour, min, sec, 0, time.UTC)
}

func TestDispatch_ConfirmationAdvancesDailySeries(t *testing.T) {
	e := newEnv(t, "daily", db.MealAfter)
	e.subscribe("https://fcm.googleapis.com/a")
	entry := e.enqueue(jan(1, 9, 0, 0), db.NotificationConfirmation, 0)

	res := e.dispatcher.Dispatch(context.Background(), *entry, *e.med, jan(1, 9, 0, 30))

	require.Equal(t, ResultSent, res.Kind)
	assert.Equal(t, 1, res.Delivered)
	assert.True(t, res.Advanced)
	require.NotNil(t, res.NextOccurrence)
	assert.Equal(t, jan(2, 9, 0, 0), *res.NextOccurrence)

	next := e.queue.scheduledFor(e.med.ID, jan(2, 9, 0, 0))
	require.Len(t, next, 2)
	byType := map[db.NotificationType]db.QueueEntry{}
	for _, n := range next {
		byType[n.Type] = n
	}
	assert.Equal(t, jan(2, 8, 30, 0), schedule.SendTime(byType[db.NotificationReminder]))
	assert.Equal(t, jan(2, 9, 0, 0), schedule.SendTime(byType[db.NotificationConfirmation]))

	src := e.queue.get(entry.ID)
	require.NotNil(t, src.SentAt)
	assert.Nil(t, src.Error)
	assert.NotNil(t, src.AdvancedAt)
}

func TestDispatch_ReminderDoesNotAdvance(t *testing.T) {
	e := newEnv(t, "daily", db.MealBefore)
	e.subscribe("https://fcm.googleapis.com/a")
	entry := e.enqueue(jan(1, 9, 0, 0), db.NotificationReminder, 15)

	res := e.dispatcher.Dispatch(context.Background(), *entry, *e.med, jan(1, 8, 45, 0))

	assert.Equal(t, ResultSent, res.Kind)
	assert.False(t, res.Advanced)
	assert.Equal(t, 0, e.queue.inserts)
}

func TestDispatch_OnceSeriesTerminates(t *testing.T) {
	e := newEnv(t, "once", db.MealBefore)
	e.subscribe("https://fcm.googleapis.com/a")
	entry := e.enqueue(jan(1, 9, 0, 0), db.NotificationConfirmation, 0)

	res := e.dispatcher.Dispatch(context.Background(), *entry, *e.med, jan(1, 9, 0, 0))

	assert.Equal(t, ResultSent, res.Kind)
	assert.False(t, res.Advanced)
	assert.Equal(t, 0, e.queue.inserts)
}

func TestDispatch_NoSubscriptions(t *testing.T) {
	e := newEnv(t, "daily", db.MealBefore)
	entry := e.enqueue(jan(1, 9, 0, 0), db.NotificationConfirmation, 0)

	res := e.dispatcher.Dispatch(context.Background(), *entry, *e.med, jan(1, 9, 0, 0))

	assert.Equal(t, ResultNoSubscriptions, res.Kind)
	assert.Equal(t, 0, res.Attempted)

	src := e.queue.get(entry.ID)
	require.NotNil(t, src.SentAt)
	require.NotNil(t, src.Error)
	assert.Equal(t, ErrMsgNoSubscriptions, *src.Error)

	// The series survives a user with no devices registered yet.
	assert.True(t, res.Advanced)
	assert.Len(t, e.queue.scheduledFor(e.med.ID, jan(2, 9, 0, 0)), 2)
}

func TestDispatch_PartialFailureStillMarksSent(t *testing.T) {
	e := newEnv(t, "once", db.MealBefore)
	e.subscribe(
		"https://fcm.googleapis.com/gone",
		"https://updates.push.services.mozilla.com/flaky",
		"https://web.push.apple.com/ok",
	)
	e.transport.errs["https://fcm.googleapis.com/gone"] = push.ErrGone
	e.transport.errs["https://updates.push.services.mozilla.com/flaky"] = &push.StatusError{StatusCode: 500}
	entry := e.enqueue(jan(1, 9, 0, 0), db.NotificationReminder, 15)

	res := e.dispatcher.Dispatch(context.Background(), *entry, *e.med, jan(1, 8, 45, 0))

	assert.Equal(t, ResultSent, res.Kind)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Pruned)
	assert.Equal(t, []string{"https://fcm.googleapis.com/gone"}, e.subs.deleted)
	assert.Len(t, e.subs.subs, 2)

	src := e.queue.get(entry.ID)
	require.NotNil(t, src.SentAt)
	assert.Nil(t, src.Error)
}

func TestDispatch_SamePayloadToEveryDevice(t *testing.T) {
	e := newEnv(t, "once", db.MealAfter)
	e.subscribe("https://fcm.googleapis.com/a", "https://fcm.googleapis.com/b")
	entry := e.enqueue(jan(1, 9, 0, 0), db.NotificationConfirmation, 0)

	e.dispatcher.Dispatch(context.Background(), *entry, *e.med, jan(1, 9, 0, 0))

	require.Len(t, e.transport.payloads, 2)
	assert.Equal(t, e.transport.payloads[0], e.transport.payloads[1])

	var p push.Payload
	require.NoError(t, json.Unmarshal(e.transport.payloads[0], &p))
	assert.Equal(t, "Time to take your medicine!", p.Title)
}

func TestDispatch_ListFailureIsTerminal(t *testing.T) {
	e := newEnv(t, "daily", db.MealBefore)
	e.subs.listErr = errors.New("connection reset")
	entry := e.enqueue(jan(1, 9, 0, 0), db.NotificationConfirmation, 0)

	res := e.dispatcher.Dispatch(context.Background(), *entry, *e.med, jan(1, 9, 0, 0))

	assert.Equal(t, ResultFailed, res.Kind)
	assert.Contains(t, res.Reason, "connection reset")

	src := e.queue.get(entry.ID)
	require.NotNil(t, src.SentAt)
	require.NotNil(t, src.Error)
	assert.Contains(t, *src.Error, "connection reset")
}

func TestDispatch_NotifiesObservers(t *testing.T) {
	e := newEnv(t, "once", db.MealBefore)
	entry := e.enqueue(jan(1, 9, 0, 0), db.NotificationReminder, 15)

	e.dispatcher.Dispatch(context.Background(), *entry, *e.med, jan(1, 8, 45, 0))

	select {
	case r := <-e.events.C():
		assert.Equal(t, entry.ID, r.EntryID)
		assert.Equal(t, ResultNoSubscriptions, r.Kind)
	default:
		t.Fatal("expected a result on the observer channel")
	}
}

func TestAdvance_Idempotent(t *testing.T) {
	e := newEnv(t, "daily", db.MealAfter)
	entry := e.enqueue(jan(1, 9, 0, 0), db.NotificationConfirmation, 0)
	ctx := context.Background()

	first, err := e.advancer.Advance(ctx, *entry, *e.med, jan(1, 9, 0, 30))
	require.NoError(t, err)
	second, err := e.advancer.Advance(ctx, *entry, *e.med, jan(1, 9, 0, 30))
	require.NoError(t, err)

	assert.Equal(t, *first, *second)
	assert.Equal(t, 2, e.queue.inserts)
}

func TestAdvance_SkipsMissedPeriods(t *testing.T) {
	e := newEnv(t, "daily", db.MealBefore)
	entry := e.enqueue(jan(1, 9, 0, 0), db.NotificationConfirmation, 0)

	next, err := e.advancer.Advance(context.Background(), *entry, *e.med, jan(4, 10, 0, 0))

	require.NoError(t, err)
	assert.Equal(t, jan(5, 9, 0, 0), *next)
}

func TestAdvance_UsesMedicineTimezone(t *testing.T) {
	e := newEnv(t, "daily", db.MealBefore)
	e.med.Timezone = "America/New_York"
	// 09:00 EST on the Saturday before the spring-forward change.
	base := time.Date(2024, time.March, 9, 14, 0, 0, 0, time.UTC)
	entry := e.enqueue(base, db.NotificationConfirmation, 0)

	next, err := e.advancer.Advance(context.Background(), *entry, *e.med, base)

	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.March, 10, 13, 0, 0, 0, time.UTC), *next)
}

func TestScheduler_RunSummary(t *testing.T) {
	e := newEnv(t, "daily", db.MealAfter)
	e.subscribe("https://fcm.googleapis.com/a")
	now := jan(1, 8, 31, 0)

	reminder := e.enqueue(jan(1, 9, 0, 0), db.NotificationReminder, 30)
	confirmation := e.enqueue(jan(1, 9, 0, 0), db.NotificationConfirmation, 0)
	missed := e.enqueue(jan(1, 7, 0, 0), db.NotificationConfirmation, 0)

	summary, err := e.scheduler.Run(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Count)
	assert.Equal(t, 1, summary.Due)
	assert.Equal(t, 1, summary.Expired)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, reminder.ID, summary.Results[0].EntryID)
	assert.Equal(t, ResultSent, summary.Results[0].Kind)

	assert.Nil(t, e.queue.get(confirmation.ID).SentAt)

	m := e.queue.get(missed.ID)
	require.NotNil(t, m.Error)
	assert.Equal(t, ErrMsgMissedWindow, *m.Error)
	// The missed dose still rolls the series forward.
	assert.Len(t, e.queue.scheduledFor(e.med.ID, jan(2, 7, 0, 0)), 2)
}

func TestScheduler_RepairsFailedAdvancement(t *testing.T) {
	e := newEnv(t, "daily", db.MealBefore)
	e.subscribe("https://fcm.googleapis.com/a")
	entry := e.enqueue(jan(1, 9, 0, 0), db.NotificationConfirmation, 0)

	e.queue.insertErr = errors.New("deadlock detected")
	summary, err := e.scheduler.Run(context.Background(), jan(1, 9, 0, 0))
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, ResultSent, summary.Results[0].Kind)
	assert.False(t, summary.Results[0].Advanced)
	assert.Nil(t, e.queue.get(entry.ID).AdvancedAt)

	e.queue.insertErr = nil
	summary, err = e.scheduler.Run(context.Background(), jan(1, 9, 1, 0))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Repaired)
	assert.NotNil(t, e.queue.get(entry.ID).AdvancedAt)
	assert.Len(t, e.queue.scheduledFor(e.med.ID, jan(2, 9, 0, 0)), 2)
}

func TestScheduler_RepairIgnoresSettledEntries(t *testing.T) {
	e := newEnv(t, "once", db.MealBefore)
	e.subscribe("https://fcm.googleapis.com/a")
	missed := e.enqueue(jan(1, 6, 0, 0), db.NotificationConfirmation, 0)
	reminder := e.enqueue(jan(1, 9, 0, 0), db.NotificationReminder, 15)
	confirmation := e.enqueue(jan(1, 9, 0, 0), db.NotificationConfirmation, 0)
	ctx := context.Background()

	summary, err := e.scheduler.Run(ctx, jan(1, 8, 45, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Due)
	assert.Equal(t, 1, summary.Expired)

	summary, err = e.scheduler.Run(ctx, jan(1, 9, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Due)

	for _, id := range []uuid.UUID{missed.ID, reminder.ID, confirmation.ID} {
		got := e.queue.get(id)
		require.NotNil(t, got.SentAt)
		assert.NotNil(t, got.AdvancedAt, "entry %s should be settled", got.Type)
	}

	// Turning the medicine into a series later must not revive old rows.
	e.med.Occurrence = "daily"
	stuck, err := e.queue.ListUnadvanced(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, stuck)

	summary, err = e.scheduler.Run(ctx, jan(1, 9, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Repaired)
	assert.Equal(t, 0, e.queue.inserts)
}

func TestDispatch_FailedConfirmationSettlement(t *testing.T) {
	tests := []struct {
		name       string
		occurrence string
		settled    bool
	}{
		{name: "once is retired", occurrence: "once", settled: true},
		{name: "custom is retired", occurrence: "custom", settled: true},
		{name: "daily is left for repair", occurrence: "daily", settled: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, tt.occurrence, db.MealBefore)
			e.subs.listErr = errors.New("connection reset")
			entry := e.enqueue(jan(1, 9, 0, 0), db.NotificationConfirmation, 0)

			res := e.dispatcher.Dispatch(context.Background(), *entry, *e.med, jan(1, 9, 0, 0))

			require.Equal(t, ResultFailed, res.Kind)
			got := e.queue.get(entry.ID)
			require.NotNil(t, got.SentAt)
			assert.Equal(t, tt.settled, got.AdvancedAt != nil)
		})
	}
}

func TestScheduler_RunIsSafeToRepeat(t *testing.T) {
	e := newEnv(t, "daily", db.MealBefore)
	e.subscribe("https://fcm.googleapis.com/a")
	e.enqueue(jan(1, 9, 0, 0), db.NotificationConfirmation, 0)
	ctx := context.Background()

	first, err := e.scheduler.Run(ctx, jan(1, 9, 0, 0))
	require.NoError(t, err)
	second, err := e.scheduler.Run(ctx, jan(1, 9, 0, 30))
	require.NoError(t, err)

	assert.Equal(t, 1, first.Due)
	assert.Equal(t, 0, second.Due)
	assert.Len(t, e.transport.sent, 1)
}

func TestScheduler_LockHeld(t *testing.T) {
	e := newEnv(t, "daily", db.MealBefore)
	e.enqueue(jan(1, 9, 0, 0), db.NotificationConfirmation, 0)
	s := NewScheduler(e.queue, e.dispatcher, e.advancer, heldLocker{}, SchedulerConfig{}, zap.NewNop())

	_, err := s.Run(context.Background(), jan(1, 9, 0, 0))

	assert.ErrorIs(t, err, ErrLockHeld)
	assert.Empty(t, e.transport.sent)
}

func TestScheduler_LockFailure(t *testing.T) {
	e := newEnv(t, "daily", db.MealBefore)
	s := NewScheduler(e.queue, e.dispatcher, e.advancer, brokenLocker{}, SchedulerConfig{}, zap.NewNop())

	_, err := s.Run(context.Background(), jan(1, 9, 0, 0))

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLockHeld)
}

func TestScheduler_FetchFailure(t *testing.T) {
	e := newEnv(t, "daily", db.MealBefore)
	e.queue.fetchErr = errors.New("pool closed")

	_, err := e.scheduler.Run(context.Background(), jan(1, 9, 0, 0))

	assert.ErrorContains(t, err, "pool closed")
}

func TestScheduler_StartStopsOnCancel(t *testing.T) {
	e := newEnv(t, "daily", db.MealBefore)
	s := NewScheduler(e.queue, e.dispatcher, e.advancer, nil, SchedulerConfig{Interval: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestChanObserver_DropsWhenFull(t *testing.T) {
	o := NewChanObserver(1)
	o.Observe(context.Background(), Result{Kind: ResultSent})
	o.Observe(context.Background(), Result{Kind: ResultFailed})

	r := <-o.C()
	assert.Equal(t, ResultSent, r.Kind)
	select {
	case <-o.C():
		t.Fatal("expected second result to be dropped")
	default:
	}
}
