// Package api exposes the scheduler trigger, dose confirmations, push
// subscriptions and pharmacy stock over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/medreminder/internal/circuitbreaker"
	"github.com/lalithlochan/medreminder/internal/db"
	"github.com/lalithlochan/medreminder/internal/dispatch"
	"github.com/lalithlochan/medreminder/internal/ledger"
	"github.com/lalithlochan/medreminder/internal/redis"
)

// SchedulerRunner performs one scheduler invocation.
type SchedulerRunner interface {
	Run(ctx context.Context, now time.Time) (dispatch.Summary, error)
}

// LedgerService covers confirmations and pharmacy stock.
type LedgerService interface {
	Confirm(ctx context.Context, in ledger.ConfirmInput) (*ledger.ConfirmOutcome, error)
	Confirmations(ctx context.Context, f db.ConfirmationFilter) ([]*db.Confirmation, error)
	CreateItem(ctx context.Context, item *db.PharmacyItem) (*db.StockHistoryEntry, error)
	Refill(ctx context.Context, userID, itemID uuid.UUID, amount decimal.Decimal, note *string) (*db.PharmacyItem, *db.StockHistoryEntry, error)
	SetStock(ctx context.Context, userID, itemID uuid.UUID, value decimal.Decimal, note *string) (*db.PharmacyItem, *db.StockHistoryEntry, error)
	History(ctx context.Context, userID, itemID uuid.UUID, limit int) (*db.PharmacyItem, []*db.StockHistoryEntry, bool, error)
}

// SubscriptionRepository stores browser push endpoints.
type SubscriptionRepository interface {
	UpsertSubscription(ctx context.Context, sub *db.Subscription) error
	ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]*db.Subscription, error)
	DeleteUserSubscription(ctx context.Context, userID uuid.UUID, endpoint string) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Dependencies wires a Handler. Idempotency is optional.
type Dependencies struct {
	Scheduler      SchedulerRunner
	Ledger         LedgerService
	Subscriptions  SubscriptionRepository
	Idempotency    *redis.IdempotencyService // nil if Redis not configured
	CronSecret     string
	VAPIDPublicKey string
	Breakers       func() []circuitbreaker.Stats // nil hides breaker status
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger         *zap.Logger
	scheduler      SchedulerRunner
	ledger         LedgerService
	subs           SubscriptionRepository
	idempotency    *redis.IdempotencyService
	cronSecret     string
	vapidPublicKey string
	breakers       func() []circuitbreaker.Stats
	now            func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, deps Dependencies) *Handler {
	return &Handler{
		logger:         logger,
		scheduler:      deps.Scheduler,
		ledger:         deps.Ledger,
		subs:           deps.Subscriptions,
		idempotency:    deps.Idempotency,
		cronSecret:     deps.CronSecret,
		vapidPublicKey: deps.VAPIDPublicKey,
		breakers:       deps.Breakers,
		now:            time.Now,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

// writeServiceError maps domain errors to problem responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, title string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", title, "resource not found")
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrNegativeStock):
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, err.Error())
	default:
		h.logger.Error(title, zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}
