package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/medreminder/internal/db"
)

type confirmationKey struct {
	user, medicine uuid.UUID
	at             int64
}

// memStore is an in-memory Store. Transactions are serialized by a mutex and
// roll back by restoring a snapshot.
type memStore struct {
	mu            sync.Mutex
	medicines     map[uuid.UUID]db.Medicine
	items         map[uuid.UUID]db.PharmacyItem
	confirmations map[confirmationKey]db.Confirmation
	history       []db.StockHistoryEntry

	failAppend bool
}

func newMemStore() *memStore {
	return &memStore{
		medicines:     map[uuid.UUID]db.Medicine{},
		items:         map[uuid.UUID]db.PharmacyItem{},
		confirmations: map[confirmationKey]db.Confirmation{},
	}
}

type memTx struct{ s *memStore }

func (m *memStore) InTx(ctx context.Context, fn func(tx TxStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := make(map[uuid.UUID]db.PharmacyItem, len(m.items))
	for k, v := range m.items {
		items[k] = v
	}
	confirmations := make(map[confirmationKey]db.Confirmation, len(m.confirmations))
	for k, v := range m.confirmations {
		confirmations[k] = v
	}
	history := append([]db.StockHistoryEntry(nil), m.history...)

	if err := fn(memTx{m}); err != nil {
		m.items, m.confirmations, m.history = items, confirmations, history
		return err
	}
	return nil
}

func (m *memStore) GetItem(ctx context.Context, userID, id uuid.UUID) (*db.PharmacyItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.UserID != userID {
		return nil, fmt.Errorf("item: %w", db.ErrNotFound)
	}
	return &it, nil
}

func (m *memStore) ListHistory(ctx context.Context, userID, itemID uuid.UUID, limit int) ([]*db.StockHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.StockHistoryEntry
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		h := m.history[i]
		if h.PharmacyItemID == itemID && h.UserID == userID {
			out = append(out, &h)
		}
	}
	return out, nil
}

func (m *memStore) ListConfirmations(ctx context.Context, f db.ConfirmationFilter) ([]*db.Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.Confirmation
	for _, c := range m.confirmations {
		if c.UserID == f.UserID {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	return out, nil
}

func (t memTx) GetMedicine(ctx context.Context, userID, id uuid.UUID) (*db.Medicine, error) {
	m, ok := t.s.medicines[id]
	if !ok || m.UserID != userID {
		return nil, fmt.Errorf("medicine: %w", db.ErrNotFound)
	}
	return &m, nil
}

func (t memTx) LockConfirmation(ctx context.Context, userID, medicineID uuid.UUID, at time.Time) error {
	return nil
}

func (t memTx) GetExistingConfirmation(ctx context.Context, userID, medicineID uuid.UUID, at time.Time) (*db.Confirmation, error) {
	c, ok := t.s.confirmations[confirmationKey{userID, medicineID, at.Unix()}]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (t memTx) UpsertConfirmation(ctx context.Context, c *db.Confirmation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	t.s.confirmations[confirmationKey{c.UserID, c.MedicineID, c.ScheduledAt.Unix()}] = *c
	return nil
}

func (t memTx) CreateItem(ctx context.Context, it *db.PharmacyItem) error {
	if it.ID == uuid.Nil {
		it.ID = uuid.New()
	}
	t.s.items[it.ID] = *it
	return nil
}

func (t memTx) GetStockForUpdate(ctx context.Context, userID, id uuid.UUID) (*db.PharmacyItem, error) {
	it, ok := t.s.items[id]
	if !ok || it.UserID != userID {
		return nil, fmt.Errorf("item: %w", db.ErrNotFound)
	}
	return &it, nil
}

func (t memTx) SetStock(ctx context.Context, id uuid.UUID, stock decimal.Decimal) error {
	it := t.s.items[id]
	it.Stock = stock
	t.s.items[id] = it
	return nil
}

func (t memTx) AppendStockHistory(ctx context.Context, h *db.StockHistoryEntry) error {
	if t.s.failAppend {
		return errors.New("disk full")
	}
	h.ID = uuid.New()
	t.s.history = append(t.s.history, *h)
	return nil
}

type fixture struct {
	store   *memStore
	svc     *Service
	user    uuid.UUID
	med     db.Medicine
	itemID  uuid.UUID
	dose    time.Time
	confirm func(taken bool) (*ConfirmOutcome, error)
}

func newFixture(t *testing.T, stock string) *fixture {
	t.Helper()

	store := newMemStore()
	user := uuid.New()
	itemID := uuid.New()
	store.items[itemID] = db.PharmacyItem{ID: itemID, UserID: user, Name: "Paracetamol", Stock: d(stock), StockUnit: "tablet"}

	med := db.Medicine{ID: uuid.New(), UserID: user, Name: "Paracetamol", DoseAmount: d("1"), PharmacyItemID: &itemID}
	store.medicines[med.ID] = med

	svc := NewService(store, zap.NewNop())
	svc.now = func() time.Time { return time.Date(2024, 1, 1, 9, 1, 0, 0, time.UTC) }

	f := &fixture{store: store, svc: svc, user: user, med: med, itemID: itemID, dose: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	f.confirm = func(taken bool) (*ConfirmOutcome, error) {
		return svc.Confirm(context.Background(), ConfirmInput{
			UserID:      user,
			MedicineID:  med.ID,
			ScheduledAt: f.dose,
			Taken:       taken,
			Skipped:     !taken,
		})
	}
	return f
}

func (f *fixture) stock() decimal.Decimal {
	return f.store.items[f.itemID].Stock
}

func TestConfirm_TakenThenReverted(t *testing.T) {
	f := newFixture(t, "10")

	out, err := f.confirm(true)
	require.NoError(t, err)
	require.NotNil(t, out.Stock)
	assert.False(t, out.PreviousTaken)
	assert.True(t, d("-1").Equal(out.Stock.Delta))
	assert.True(t, d("10").Equal(out.Stock.BeforeStock))
	assert.True(t, d("9").Equal(out.Stock.AfterStock))
	assert.Equal(t, db.SourceTaken, out.Stock.Source)
	assert.True(t, d("9").Equal(f.stock()))

	out, err = f.confirm(false)
	require.NoError(t, err)
	require.NotNil(t, out.Stock)
	assert.True(t, out.PreviousTaken)
	assert.True(t, d("1").Equal(out.Stock.Delta))
	assert.True(t, d("9").Equal(out.Stock.BeforeStock))
	assert.True(t, d("10").Equal(out.Stock.AfterStock))
	assert.Equal(t, db.SourceManualAdjustment, out.Stock.Source)
	assert.True(t, d("10").Equal(f.stock()))

	require.Len(t, f.store.history, 2)
	assert.Len(t, f.store.confirmations, 1, "re-confirming updates the same row")
}

func TestConfirm_RepeatedStateIsIdempotent(t *testing.T) {
	f := newFixture(t, "10")

	for i := 0; i < 3; i++ {
		_, err := f.confirm(true)
		require.NoError(t, err)
	}

	assert.True(t, d("9").Equal(f.stock()))
	assert.Len(t, f.store.history, 1)
}

func TestConfirm_ToggleSequenceNetsOneDecrement(t *testing.T) {
	f := newFixture(t, "10")

	for _, taken := range []bool{true, false, true} {
		_, err := f.confirm(taken)
		require.NoError(t, err)
	}

	assert.True(t, d("9").Equal(f.stock()))

	_, history, ok, err := f.svc.History(context.Background(), f.user, f.itemID, 0)
	require.NoError(t, err)
	assert.True(t, ok, "latest history row must match item stock")
	require.Len(t, history, 3)
	for i := 0; i+1 < len(history); i++ {
		assert.True(t, history[i].BeforeStock.Equal(history[i+1].AfterStock), "history chain broken at %d", i)
	}
}

func TestConfirm_ConcurrentTogglesDoNotDrift(t *testing.T) {
	f := newFixture(t, "50")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(taken bool) {
			defer wg.Done()
			_, _ = f.confirm(taken)
		}(i%2 == 0)
	}
	wg.Wait()

	_, err := f.confirm(true)
	require.NoError(t, err)

	assert.True(t, d("49").Equal(f.stock()), "got %s", f.stock())
}

func TestConfirm_StockFailureRollsBackConfirmation(t *testing.T) {
	f := newFixture(t, "10")
	f.store.failAppend = true

	_, err := f.confirm(true)
	require.Error(t, err)

	assert.Empty(t, f.store.confirmations)
	assert.True(t, d("10").Equal(f.stock()))
	assert.Empty(t, f.store.history)
}

func TestConfirm_WithoutPharmacyItem(t *testing.T) {
	f := newFixture(t, "10")
	med := f.med
	med.ID = uuid.New()
	med.PharmacyItemID = nil
	f.store.medicines[med.ID] = med

	out, err := f.svc.Confirm(context.Background(), ConfirmInput{UserID: f.user, MedicineID: med.ID, ScheduledAt: f.dose, Taken: true})
	require.NoError(t, err)
	assert.Nil(t, out.Stock)
	assert.NotNil(t, out.Confirmation)
	assert.True(t, d("10").Equal(f.stock()))
}

func TestConfirm_UnknownMedicine(t *testing.T) {
	f := newFixture(t, "10")

	_, err := f.svc.Confirm(context.Background(), ConfirmInput{UserID: f.user, MedicineID: uuid.New(), ScheduledAt: f.dose, Taken: true})
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestCreateItem_OpeningBalance(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, zap.NewNop())

	syrup := &db.PharmacyItem{UserID: uuid.New(), Name: "Cough syrup", Form: "syrup", Stock: d("200")}
	h, err := svc.CreateItem(context.Background(), syrup)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "ml", syrup.StockUnit)
	assert.Equal(t, db.SourceInitialStock, h.Source)
	assert.True(t, h.BeforeStock.IsZero())
	assert.True(t, d("200").Equal(h.AfterStock))
	assert.True(t, d("200").Equal(h.Delta))

	empty := &db.PharmacyItem{UserID: uuid.New(), Name: "Empty", Stock: decimal.Zero}
	h, err = svc.CreateItem(context.Background(), empty)
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.Equal(t, "tablet", empty.StockUnit)

	_, err = svc.CreateItem(context.Background(), &db.PharmacyItem{Stock: d("-1")})
	assert.ErrorIs(t, err, ErrNegativeStock)
}

func TestRefillAndSetStock(t *testing.T) {
	f := newFixture(t, "10")
	ctx := context.Background()
	note := "pharmacy run"

	it, h, err := f.svc.Refill(ctx, f.user, f.itemID, d("20"), &note)
	require.NoError(t, err)
	assert.True(t, d("30").Equal(it.Stock))
	assert.Equal(t, db.SourceRefill, h.Source)
	assert.True(t, d("20").Equal(h.Delta))
	assert.Equal(t, &note, h.Note)

	it, h, err = f.svc.SetStock(ctx, f.user, f.itemID, d("25"), nil)
	require.NoError(t, err)
	assert.True(t, d("25").Equal(it.Stock))
	assert.Equal(t, db.SourceManualAdjustment, h.Source)
	assert.True(t, d("-5").Equal(h.Delta))
	assert.True(t, d("30").Equal(h.BeforeStock))

	_, h, err = f.svc.SetStock(ctx, f.user, f.itemID, d("25"), nil)
	require.NoError(t, err)
	assert.Nil(t, h, "unchanged count writes no history")
	assert.Len(t, f.store.history, 2)

	_, _, err = f.svc.Refill(ctx, f.user, f.itemID, d("0"), nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, _, err = f.svc.SetStock(ctx, f.user, f.itemID, d("-1"), nil)
	assert.ErrorIs(t, err, ErrNegativeStock)
	_, _, err = f.svc.Refill(ctx, uuid.New(), f.itemID, d("1"), nil)
	assert.ErrorIs(t, err, db.ErrNotFound)
}
