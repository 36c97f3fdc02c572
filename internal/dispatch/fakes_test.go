package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/medreminder/internal/db"
	"github.com/lalithlochan/medreminder/internal/schedule"
)

type queueKey struct {
	medicineID  uuid.UUID
	scheduledAt time.Time
	typ         db.NotificationType
}

// memQueue mirrors the notification_queue semantics the dispatcher relies on:
// the unique (medicine, scheduled, type) index, the sent_at IS NULL guard and
// MarkSent stamping reminders advanced.
type memQueue struct {
	mu        sync.Mutex
	entries   map[uuid.UUID]*db.QueueEntry
	order     []uuid.UUID
	medicines map[uuid.UUID]*db.Medicine

	insertErr error
	fetchErr  error
	markErr   error
	inserts   int
}

func newMemQueue() *memQueue {
	return &memQueue{
		entries:   make(map[uuid.UUID]*db.QueueEntry),
		medicines: make(map[uuid.UUID]*db.Medicine),
	}
}

func (q *memQueue) addMedicine(m *db.Medicine) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.medicines[m.ID] = m
}

func (q *memQueue) add(e *db.QueueEntry) *db.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	q.entries[e.ID] = e
	q.order = append(q.order, e.ID)
	return e
}

func (q *memQueue) get(id uuid.UUID) db.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.entries[id]
}

func (q *memQueue) withMedicine(e *db.QueueEntry) *db.QueueEntry {
	c := *e
	c.Medicine = q.medicines[e.MedicineID]
	return &c
}

func (q *memQueue) FetchPendingQueueEntries(ctx context.Context, limit int) ([]*db.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fetchErr != nil {
		return nil, q.fetchErr
	}

	var out []*db.QueueEntry
	for _, id := range q.order {
		if e := q.entries[id]; e.SentAt == nil {
			out = append(out, q.withMedicine(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		si := out[i].ScheduledAt.Add(-time.Duration(out[i].MinutesBefore) * time.Minute)
		sj := out[j].ScheduledAt.Add(-time.Duration(out[j].MinutesBefore) * time.Minute)
		return si.Before(sj)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *memQueue) ListUnadvanced(ctx context.Context, limit int) ([]*db.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*db.QueueEntry
	for _, id := range q.order {
		e := q.entries[id]
		m := q.medicines[e.MedicineID]
		if e.SentAt == nil || e.AdvancedAt != nil || e.Type != db.NotificationConfirmation || m == nil {
			continue
		}
		if schedule.ParseOccurrence(m.Occurrence).Recurring() {
			out = append(out, q.withMedicine(e))
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *memQueue) InsertQueueEntries(ctx context.Context, entries []*db.QueueEntry) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.insertErr != nil {
		return 0, q.insertErr
	}

	existing := make(map[queueKey]bool)
	for _, e := range q.entries {
		existing[queueKey{e.MedicineID, e.ScheduledAt.UTC(), e.Type}] = true
	}

	inserted := 0
	for _, e := range entries {
		k := queueKey{e.MedicineID, e.ScheduledAt.UTC(), e.Type}
		if existing[k] {
			continue
		}
		existing[k] = true
		c := *e
		c.ID = uuid.New()
		q.entries[c.ID] = &c
		q.order = append(q.order, c.ID)
		inserted++
	}
	q.inserts += inserted
	return inserted, nil
}

func (q *memQueue) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time, errMsg *string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.markErr != nil {
		return q.markErr
	}
	e, ok := q.entries[id]
	if !ok || e.SentAt != nil {
		return fmt.Errorf("pending queue entry %s: %w", id, db.ErrNotFound)
	}
	at := sentAt
	e.SentAt = &at
	e.Error = errMsg
	if e.Type == db.NotificationReminder {
		e.AdvancedAt = &at
	}
	return nil
}

func (q *memQueue) MarkAdvanced(ctx context.Context, id uuid.UUID, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[id]; ok && e.AdvancedAt == nil {
		t := at
		e.AdvancedAt = &t
	}
	return nil
}

// scheduledFor returns the pending entries of a medicine at an instant.
func (q *memQueue) scheduledFor(medicineID uuid.UUID, at time.Time) []db.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []db.QueueEntry
	for _, id := range q.order {
		e := q.entries[id]
		if e.MedicineID == medicineID && e.ScheduledAt.Equal(at) {
			out = append(out, *e)
		}
	}
	return out
}

type memSubs struct {
	mu      sync.Mutex
	subs    []*db.Subscription
	listErr error
	deleted []string
}

func (s *memSubs) ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]*db.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*db.Subscription
	for _, sub := range s.subs {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *memSubs) DeleteSubscription(ctx context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, endpoint)
	kept := s.subs[:0]
	for _, sub := range s.subs {
		if sub.Endpoint != endpoint {
			kept = append(kept, sub)
		}
	}
	s.subs = kept
	return nil
}

// fakeTransport fails per endpoint as configured and records payloads.
type fakeTransport struct {
	mu       sync.Mutex
	errs     map[string]error
	sent     []string
	payloads [][]byte
}

func (t *fakeTransport) Send(ctx context.Context, sub *db.Subscription, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sub.Endpoint)
	t.payloads = append(t.payloads, payload)
	return t.errs[sub.Endpoint]
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string, time.Duration) (Lease, error) {
	return nil, ErrLockHeld
}

type brokenLocker struct{}

func (brokenLocker) Acquire(context.Context, string, time.Duration) (Lease, error) {
	return nil, errors.New("redis unavailable")
}
