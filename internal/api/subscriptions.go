package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/medreminder/internal/db"
	"github.com/lalithlochan/medreminder/internal/push"
)

// SubscribeRequest wraps a browser PushSubscription as serialized by
// PushSubscription.toJSON().
type SubscribeRequest struct {
	Subscription *struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	} `json:"subscription"`
}

// Subscribe handles POST /v1/push/subscriptions.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())

	var req SubscribeRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Subscription == nil || req.Subscription.Endpoint == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid subscription data", "subscription.endpoint is required")
		return
	}
	if req.Subscription.Keys.P256dh == "" || req.Subscription.Keys.Auth == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing subscription keys", "keys.p256dh and keys.auth are required")
		return
	}

	sub := &db.Subscription{
		UserID:   userID,
		Endpoint: req.Subscription.Endpoint,
		P256dh:   req.Subscription.Keys.P256dh,
		Auth:     req.Subscription.Keys.Auth,
	}
	if ua := r.UserAgent(); ua != "" {
		sub.UserAgent = &ua
	}

	if err := h.subs.UpsertSubscription(r.Context(), sub); err != nil {
		h.writeServiceError(w, err, "Failed to save subscription")
		return
	}

	h.logger.Info("push subscription saved",
		zap.String("user_id", userID.String()),
		zap.String("host", push.Host(sub.Endpoint)),
	)

	h.writeJSON(w, http.StatusCreated, map[string]any{"subscription": sub})
}

// ListSubscriptions handles GET /v1/push/subscriptions.
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())

	subs, err := h.subs.ListSubscriptions(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to fetch subscriptions")
		return
	}
	if subs == nil {
		subs = []*db.Subscription{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

// Unsubscribe handles DELETE /v1/push/subscriptions with {"endpoint": ...}.
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())

	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Endpoint == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Endpoint required", "endpoint is required")
		return
	}

	if err := h.subs.DeleteUserSubscription(r.Context(), userID, req.Endpoint); err != nil {
		h.writeServiceError(w, err, "Failed to delete subscription")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// VAPIDPublicKey handles GET /v1/push/vapid-public-key for the browser's
// pushManager.subscribe call.
func (h *Handler) VAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	if h.vapidPublicKey == "" {
		h.writeError(w, http.StatusNotFound, "not_configured", "Push not configured", "no VAPID key is configured")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"publicKey": h.vapidPublicKey})
}
