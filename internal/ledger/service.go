package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/medreminder/internal/db"
	"github.com/lalithlochan/medreminder/internal/metrics"
)

// TxStore is the persistence the ledger needs inside one transaction.
type TxStore interface {
	GetMedicine(ctx context.Context, userID, id uuid.UUID) (*db.Medicine, error)
	LockConfirmation(ctx context.Context, userID, medicineID uuid.UUID, scheduledAt time.Time) error
	GetExistingConfirmation(ctx context.Context, userID, medicineID uuid.UUID, scheduledAt time.Time) (*db.Confirmation, error)
	UpsertConfirmation(ctx context.Context, c *db.Confirmation) error
	CreateItem(ctx context.Context, item *db.PharmacyItem) error
	GetStockForUpdate(ctx context.Context, userID, id uuid.UUID) (*db.PharmacyItem, error)
	SetStock(ctx context.Context, id uuid.UUID, stock decimal.Decimal) error
	AppendStockHistory(ctx context.Context, h *db.StockHistoryEntry) error
}

// Store opens transactions and serves the read-only queries.
type Store interface {
	InTx(ctx context.Context, fn func(tx TxStore) error) error
	GetItem(ctx context.Context, userID, id uuid.UUID) (*db.PharmacyItem, error)
	ListHistory(ctx context.Context, userID, itemID uuid.UUID, limit int) ([]*db.StockHistoryEntry, error)
	ListConfirmations(ctx context.Context, f db.ConfirmationFilter) ([]*db.Confirmation, error)
}

// RepositoryStore adapts db.Repository to Store.
type RepositoryStore struct {
	*db.Repository
}

func (s RepositoryStore) InTx(ctx context.Context, fn func(tx TxStore) error) error {
	return s.Repository.WithTx(ctx, func(tx *db.Repository) error {
		return fn(tx)
	})
}

// Service applies stock effects. Every read-modify-write of an item's stock
// happens under a row lock inside a single transaction, so concurrent
// toggles from several devices cannot lose updates.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// ConfirmInput is a user's answer to a confirmation prompt.
type ConfirmInput struct {
	UserID      uuid.UUID
	MedicineID  uuid.UUID
	ScheduledAt time.Time
	Taken       bool
	Skipped     bool
	Notes       *string
}

// ConfirmOutcome reports what Confirm persisted.
type ConfirmOutcome struct {
	Confirmation  *db.Confirmation      `json:"confirmation"`
	PreviousTaken bool                  `json:"previous_taken"`
	Stock         *db.StockHistoryEntry `json:"stock_history,omitempty"`
}

// Confirm upserts the confirmation and applies its stock effect atomically.
// Re-sending the same state is a no-op for stock.
func (s *Service) Confirm(ctx context.Context, in ConfirmInput) (*ConfirmOutcome, error) {
	out := &ConfirmOutcome{}

	err := s.store.InTx(ctx, func(tx TxStore) error {
		med, err := tx.GetMedicine(ctx, in.UserID, in.MedicineID)
		if err != nil {
			return err
		}

		if err := tx.LockConfirmation(ctx, in.UserID, in.MedicineID, in.ScheduledAt); err != nil {
			return err
		}

		existing, err := tx.GetExistingConfirmation(ctx, in.UserID, in.MedicineID, in.ScheduledAt)
		if err != nil {
			return err
		}
		out.PreviousTaken = existing != nil && existing.Taken

		c := &db.Confirmation{
			UserID:      in.UserID,
			MedicineID:  in.MedicineID,
			ScheduledAt: in.ScheduledAt.UTC(),
			Taken:       in.Taken,
			Skipped:     in.Skipped,
			Notes:       in.Notes,
			ConfirmedAt: s.now().UTC(),
		}
		if existing != nil {
			c.ID = existing.ID
		}
		if err := tx.UpsertConfirmation(ctx, c); err != nil {
			return err
		}
		out.Confirmation = c

		if med.PharmacyItemID == nil {
			return nil
		}

		item, err := tx.GetStockForUpdate(ctx, in.UserID, *med.PharmacyItemID)
		if err != nil {
			return fmt.Errorf("read stock: %w", err)
		}

		h := ApplyConfirmationStockEffect(out.PreviousTaken, in.Taken, med.DoseAmount, *item)
		if h == nil {
			return nil
		}
		if err := writeAdjustment(ctx, tx, h); err != nil {
			return err
		}
		out.Stock = h
		return nil
	})
	if err != nil {
		s.logger.Error("confirmation failed",
			zap.Error(err),
			zap.String("user_id", in.UserID.String()),
			zap.String("medicine_id", in.MedicineID.String()),
		)
		return nil, err
	}

	if out.Stock != nil {
		metrics.RecordStockAdjustment(out.Stock.Source)
		s.logger.Info("stock adjusted by confirmation",
			zap.String("item_id", out.Stock.PharmacyItemID.String()),
			zap.String("delta", out.Stock.Delta.String()),
			zap.String("after", out.Stock.AfterStock.String()),
		)
	}

	return out, nil
}

// CreateItem registers an item and records its opening balance.
func (s *Service) CreateItem(ctx context.Context, item *db.PharmacyItem) (*db.StockHistoryEntry, error) {
	if item.Stock.IsNegative() {
		return nil, ErrNegativeStock
	}
	if strings.TrimSpace(item.StockUnit) == "" {
		item.StockUnit = DefaultStockUnit(item.Form)
	}

	var opening *db.StockHistoryEntry
	err := s.store.InTx(ctx, func(tx TxStore) error {
		if err := tx.CreateItem(ctx, item); err != nil {
			return err
		}
		if item.Stock.IsZero() {
			return nil
		}

		opening = &db.StockHistoryEntry{
			UserID:         item.UserID,
			PharmacyItemID: item.ID,
			Delta:          item.Stock,
			BeforeStock:    decimal.Zero,
			AfterStock:     item.Stock,
			StockUnit:      item.StockUnit,
			Source:         db.SourceInitialStock,
		}
		return tx.AppendStockHistory(ctx, opening)
	})
	if err != nil {
		return nil, err
	}

	if opening != nil {
		metrics.RecordStockAdjustment(opening.Source)
	}
	return opening, nil
}

// Refill adds amount to the item.
func (s *Service) Refill(ctx context.Context, userID, itemID uuid.UUID, amount decimal.Decimal, note *string) (*db.PharmacyItem, *db.StockHistoryEntry, error) {
	if !amount.IsPositive() {
		return nil, nil, ErrInvalidAmount
	}
	return s.adjust(ctx, userID, itemID, db.SourceRefill, note, func(before decimal.Decimal) decimal.Decimal {
		return before.Add(amount)
	})
}

// SetStock overwrites the item's stock after a manual count. No history is
// written when the count matches.
func (s *Service) SetStock(ctx context.Context, userID, itemID uuid.UUID, value decimal.Decimal, note *string) (*db.PharmacyItem, *db.StockHistoryEntry, error) {
	if value.IsNegative() {
		return nil, nil, ErrNegativeStock
	}
	return s.adjust(ctx, userID, itemID, db.SourceManualAdjustment, note, func(decimal.Decimal) decimal.Decimal {
		return value
	})
}

func (s *Service) adjust(
	ctx context.Context,
	userID, itemID uuid.UUID,
	source string,
	note *string,
	apply func(before decimal.Decimal) decimal.Decimal,
) (*db.PharmacyItem, *db.StockHistoryEntry, error) {
	var item *db.PharmacyItem
	var h *db.StockHistoryEntry

	err := s.store.InTx(ctx, func(tx TxStore) error {
		var err error
		item, err = tx.GetStockForUpdate(ctx, userID, itemID)
		if err != nil {
			return err
		}

		after := apply(item.Stock)
		delta := after.Sub(item.Stock)
		if delta.IsZero() {
			return nil
		}

		h = &db.StockHistoryEntry{
			UserID:         item.UserID,
			PharmacyItemID: item.ID,
			Delta:          delta,
			BeforeStock:    item.Stock,
			AfterStock:     after,
			StockUnit:      item.StockUnit,
			Source:         source,
			Note:           note,
		}
		if err := writeAdjustment(ctx, tx, h); err != nil {
			return err
		}
		item.Stock = after
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if h != nil {
		metrics.RecordStockAdjustment(source)
	}
	return item, h, nil
}

// History returns the newest ledger rows of an item along with whether they
// reconcile with its current stock.
func (s *Service) History(ctx context.Context, userID, itemID uuid.UUID, limit int) (*db.PharmacyItem, []*db.StockHistoryEntry, bool, error) {
	item, err := s.store.GetItem(ctx, userID, itemID)
	if err != nil {
		return nil, nil, false, err
	}

	history, err := s.store.ListHistory(ctx, userID, itemID, ClampHistoryLimit(limit))
	if err != nil {
		return nil, nil, false, err
	}

	var latest *db.StockHistoryEntry
	if len(history) > 0 {
		latest = history[0]
	}
	return item, history, Reconciles(*item, latest), nil
}

// Confirmations lists a user's confirmations.
func (s *Service) Confirmations(ctx context.Context, f db.ConfirmationFilter) ([]*db.Confirmation, error) {
	return s.store.ListConfirmations(ctx, f)
}

// writeAdjustment stores the new running total, then the audit row.
func writeAdjustment(ctx context.Context, tx TxStore, h *db.StockHistoryEntry) error {
	if err := tx.SetStock(ctx, h.PharmacyItemID, h.AfterStock); err != nil {
		return fmt.Errorf("write stock: %w", err)
	}
	if err := tx.AppendStockHistory(ctx, h); err != nil {
		return fmt.Errorf("append stock history: %w", err)
	}
	return nil
}
