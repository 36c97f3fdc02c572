package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lalithlochan/medreminder/internal/db"
)

// CreateItemRequest is the body of POST /v1/pharmacy/items.
type CreateItemRequest struct {
	Name           string           `json:"name"`
	Category       string           `json:"category"`
	AvailableStock *decimal.Decimal `json:"available_stock"`
	StockUnit      string           `json:"stock_unit"`
}

// stockResponse is returned by every stock mutation.
type stockResponse struct {
	Item    *db.PharmacyItem      `json:"item"`
	History *db.StockHistoryEntry `json:"history"`
}

// CreateItem handles POST /v1/pharmacy/items.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())

	var req CreateItemRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" || req.Category == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "name and category are required")
		return
	}

	item := &db.PharmacyItem{
		UserID:    userID,
		Name:      strings.TrimSpace(req.Name),
		Form:      req.Category,
		StockUnit: req.StockUnit,
	}
	if req.AvailableStock != nil {
		item.Stock = *req.AvailableStock
	}

	opening, err := h.ledger.CreateItem(r.Context(), item)
	if err != nil {
		h.writeServiceError(w, err, "Failed to create item")
		return
	}

	h.writeJSON(w, http.StatusCreated, stockResponse{Item: item, History: opening})
}

// RefillItem handles POST /v1/pharmacy/items/{id}/refill.
func (h *Handler) RefillItem(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	itemID, ok := h.itemID(w, r)
	if !ok {
		return
	}

	var req struct {
		RefillAmount *decimal.Decimal `json:"refill_amount"`
		Note         *string          `json:"note"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.RefillAmount == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing refill_amount", "refill_amount is required")
		return
	}

	item, entry, err := h.ledger.Refill(r.Context(), userID, itemID, *req.RefillAmount, req.Note)
	if err != nil {
		h.writeServiceError(w, err, "Failed to refill item")
		return
	}

	h.writeJSON(w, http.StatusOK, stockResponse{Item: item, History: entry})
}

// SetItemStock handles PUT /v1/pharmacy/items/{id}/stock after a manual count.
func (h *Handler) SetItemStock(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	itemID, ok := h.itemID(w, r)
	if !ok {
		return
	}

	var req struct {
		AvailableStock *decimal.Decimal `json:"available_stock"`
		Note           *string          `json:"note"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.AvailableStock == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing available_stock", "available_stock is required")
		return
	}

	item, entry, err := h.ledger.SetStock(r.Context(), userID, itemID, *req.AvailableStock, req.Note)
	if err != nil {
		h.writeServiceError(w, err, "Failed to update stock")
		return
	}

	h.writeJSON(w, http.StatusOK, stockResponse{Item: item, History: entry})
}

// ItemHistory handles GET /v1/pharmacy/items/{id}/history?limit=
func (h *Handler) ItemHistory(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	itemID, ok := h.itemID(w, r)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit", "limit must be an integer")
			return
		}
		limit = l
	}

	item, history, reconciles, err := h.ledger.History(r.Context(), userID, itemID, limit)
	if err != nil {
		h.writeServiceError(w, err, "Failed to fetch stock history")
		return
	}
	if history == nil {
		history = []*db.StockHistoryEntry{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"item":       item,
		"history":    history,
		"reconciles": reconciles,
	})
}

func (h *Handler) itemID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid item ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
