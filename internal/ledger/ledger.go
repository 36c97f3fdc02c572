// Package ledger keeps pharmacy stock in step with dose confirmations and
// records every change as an append-only history row.
package ledger

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/lalithlochan/medreminder/internal/db"
)

const noteRevertedTaken = "reverted_taken"

var (
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrNegativeStock = errors.New("stock cannot be negative")
)

// ApplyConfirmationStockEffect computes the ledger row for a change in a
// dose's taken state, or nil when the state did not change. Marking a dose
// taken decrements by dose, never below zero; reverting it adds dose back.
// The item is not modified.
func ApplyConfirmationStockEffect(prevTaken, newTaken bool, dose decimal.Decimal, item db.PharmacyItem) *db.StockHistoryEntry {
	if prevTaken == newTaken || !dose.IsPositive() {
		return nil
	}

	h := &db.StockHistoryEntry{
		UserID:         item.UserID,
		PharmacyItemID: item.ID,
		BeforeStock:    item.Stock,
		StockUnit:      item.StockUnit,
	}

	if newTaken {
		h.Delta = dose.Neg()
		h.AfterStock = decimal.Max(decimal.Zero, item.Stock.Sub(dose))
		h.Source = db.SourceTaken
		return h
	}

	note := noteRevertedTaken
	h.Delta = dose
	h.AfterStock = item.Stock.Add(dose)
	h.Source = db.SourceManualAdjustment
	h.Note = &note
	return h
}

// Reconciles reports whether the newest history row agrees with the item's
// current stock. An item without history reconciles trivially.
func Reconciles(item db.PharmacyItem, latest *db.StockHistoryEntry) bool {
	if latest == nil {
		return true
	}
	return latest.AfterStock.Equal(item.Stock)
}

// DefaultStockUnit picks the unit for a new item when the caller gave none.
func DefaultStockUnit(form string) string {
	if strings.EqualFold(strings.TrimSpace(form), "syrup") {
		return "ml"
	}
	return "tablet"
}

// ClampHistoryLimit bounds a requested page size to [1, 200], defaulting to 100.
func ClampHistoryLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 200:
		return 200
	default:
		return limit
	}
}
