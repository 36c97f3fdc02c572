package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/medreminder/internal/db"
	"github.com/lalithlochan/medreminder/internal/ledger"
	"github.com/lalithlochan/medreminder/internal/metrics"
	"github.com/lalithlochan/medreminder/internal/redis"
)

// ConfirmationRequest is the body of POST /v1/confirmations.
type ConfirmationRequest struct {
	MedicineID        string  `json:"medicineId"`
	ScheduledDatetime string  `json:"scheduledDatetime"`
	Taken             bool    `json:"taken"`
	Skipped           bool    `json:"skipped"`
	Notes             *string `json:"notes"`
}

// CreateConfirmation handles POST /v1/confirmations.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateConfirmation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := UserFromContext(ctx)

	var req ConfirmationRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.MedicineID == "" || req.ScheduledDatetime == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"medicineId and scheduledDatetime are required")
		return
	}

	medicineID, err := uuid.Parse(req.MedicineID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid medicineId", "medicineId must be a valid UUID")
		return
	}

	scheduledAt, err := time.Parse(time.RFC3339, req.ScheduledDatetime)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid scheduledDatetime",
			"scheduledDatetime must be an RFC 3339 timestamp")
		return
	}

	if req.Taken && req.Skipped {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Conflicting state",
			"a dose cannot be both taken and skipped")
		return
	}

	// Check idempotency if key provided
	idempotencyKey := r.Header.Get("Idempotency-Key")
	scope := userID.String()
	reserved := false
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, scope, idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		default:
			reserved = true
		}
	}

	outcome, err := h.ledger.Confirm(ctx, ledger.ConfirmInput{
		UserID:      userID,
		MedicineID:  medicineID,
		ScheduledAt: scheduledAt.UTC(),
		Taken:       req.Taken,
		Skipped:     req.Skipped,
		Notes:       req.Notes,
	})
	if err != nil {
		if reserved {
			if relErr := h.idempotency.Release(ctx, scope, idempotencyKey); relErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
		}
		h.writeServiceError(w, err, "Failed to save confirmation")
		return
	}

	h.logger.Info("confirmation saved",
		zap.String("user_id", scope),
		zap.String("medicine_id", medicineID.String()),
		zap.Bool("taken", req.Taken),
		zap.Bool("stock_changed", outcome.Stock != nil),
	)

	var body bytes.Buffer
	_ = json.NewEncoder(&body).Encode(outcome)

	if reserved {
		result := &redis.IdempotencyResult{
			StatusCode: http.StatusOK,
			Body:       json.RawMessage(bytes.TrimSpace(body.Bytes())),
		}
		if err := h.idempotency.Store(ctx, scope, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body.Bytes())
}

// ListConfirmations handles GET /v1/confirmations?medicineId=&startDate=&endDate=
func (h *Handler) ListConfirmations(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	q := r.URL.Query()

	filter := db.ConfirmationFilter{UserID: userID}

	if v := q.Get("medicineId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid medicineId", "medicineId must be a valid UUID")
			return
		}
		filter.MedicineID = &id
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"startDate", &filter.Start},
		{"endDate", &filter.End},
	} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+p.name,
				p.name+" must be an RFC 3339 timestamp")
			return
		}
		*p.dst = &t
	}

	confirmations, err := h.ledger.Confirmations(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list confirmations")
		return
	}
	if confirmations == nil {
		confirmations = []*db.Confirmation{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"confirmations": confirmations,
		"count":         len(confirmations),
	})
}
