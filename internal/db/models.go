package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NotificationType distinguishes the pre-dose alert from the at-dose prompt.
type NotificationType string

const (
	NotificationReminder     NotificationType = "reminder"
	NotificationConfirmation NotificationType = "confirmation"
)

// Meal timing values stored on user_medicines.meal_timing.
const (
	MealBefore = "before"
	MealAfter  = "after"
)

// Stock history sources.
const (
	SourceInitialStock     = "initial_stock"
	SourceRefill           = "refill"
	SourceTaken            = "taken"
	SourceManualAdjustment = "manual_adjustment"
)

// QueueEntry is one scheduled notification job.
type QueueEntry struct {
	ID            uuid.UUID        `json:"id"`
	UserID        uuid.UUID        `json:"user_id"`
	MedicineID    uuid.UUID        `json:"medicine_id"`
	ScheduledAt   time.Time        `json:"scheduled_datetime"`
	Type          NotificationType `json:"notification_type"`
	MinutesBefore int              `json:"minutes_before"`
	SentAt        *time.Time       `json:"sent_at,omitempty"`
	Error         *string          `json:"error,omitempty"`
	AdvancedAt    *time.Time       `json:"advanced_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`

	// Medicine is populated by queries that join user_medicines.
	Medicine *Medicine `json:"-"`
}

// Pending reports whether the entry has not reached a terminal state.
func (e QueueEntry) Pending() bool {
	return e.SentAt == nil
}

// Medicine is the subset of a user medicine the scheduler reads.
type Medicine struct {
	ID               uuid.UUID       `json:"id"`
	UserID           uuid.UUID       `json:"user_id"`
	Name             string          `json:"name"`
	Dosage           *string         `json:"dosage,omitempty"`
	MealTiming       string          `json:"meal_timing"`
	Timing           string          `json:"timing"`
	Occurrence       string          `json:"occurrence"`
	CustomOccurrence *string         `json:"custom_occurrence,omitempty"`
	Timezone         string          `json:"timezone"`
	DoseAmount       decimal.Decimal `json:"dose_amount"`
	PharmacyItemID   *uuid.UUID      `json:"pharmacy_medicine_id,omitempty"`
}

// Location resolves the medicine's IANA timezone, falling back when it is
// empty or unknown to the runtime.
func (m Medicine) Location(fallback *time.Location) *time.Location {
	if fallback == nil {
		fallback = time.UTC
	}
	if m.Timezone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return fallback
	}
	return loc
}

// ReminderLead is how far ahead of the dose the reminder fires.
func (m Medicine) ReminderLead() int {
	if m.MealTiming == MealAfter {
		return 30
	}
	return 15
}

// Subscription is a browser push endpoint registered by a user.
type Subscription struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	UserAgent *string   `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PharmacyItem is a unit of household inventory. Stock is the authoritative
// running total; history only audits it.
type PharmacyItem struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Name      string          `json:"name"`
	Form      string          `json:"form"`
	Stock     decimal.Decimal `json:"available_stock"`
	StockUnit string          `json:"stock_unit"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StockHistoryEntry is an immutable ledger row.
type StockHistoryEntry struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"user_id"`
	PharmacyItemID uuid.UUID       `json:"pharmacy_medicine_id"`
	Delta          decimal.Decimal `json:"delta"`
	BeforeStock    decimal.Decimal `json:"before_stock"`
	AfterStock     decimal.Decimal `json:"after_stock"`
	StockUnit      string          `json:"stock_unit"`
	Source         string          `json:"source"`
	Note           *string         `json:"note,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Confirmation records whether a scheduled dose was taken or skipped.
type Confirmation struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	MedicineID  uuid.UUID `json:"medicine_id"`
	ScheduledAt time.Time `json:"scheduled_datetime"`
	Taken       bool      `json:"taken"`
	Skipped     bool      `json:"skipped"`
	Notes       *string   `json:"notes,omitempty"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// ConfirmationFilter narrows ListConfirmations.
type ConfirmationFilter struct {
	UserID     uuid.UUID
	MedicineID *uuid.UUID
	Start      *time.Time
	End        *time.Time
}
