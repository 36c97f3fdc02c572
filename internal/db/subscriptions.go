package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ListSubscriptions returns every push endpoint registered by userID.
func (r *Repository) ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]*Subscription, error) {
	query := `
		SELECT id, user_id, endpoint, p256dh, auth, user_agent, created_at
		FROM push_subscriptions
		WHERE user_id = $1
		ORDER BY created_at
	`

	rows, err := r.q.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		var s Subscription
		if err := rows.Scan(&s.ID, &s.UserID, &s.Endpoint, &s.P256dh, &s.Auth, &s.UserAgent, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}

	return subs, nil
}

// DeleteSubscription removes an endpoint the push service reported as gone.
// The endpoint URL is globally unique, so no owner is required.
func (r *Repository) DeleteSubscription(ctx context.Context, endpoint string) error {
	result, err := r.q.Exec(ctx, `DELETE FROM push_subscriptions WHERE endpoint = $1`, endpoint)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}

	r.logger.Info("push subscription deleted",
		zap.Int64("rows", result.RowsAffected()),
	)
	return nil
}

// DeleteUserSubscription unsubscribes one endpoint on behalf of its owner.
func (r *Repository) DeleteUserSubscription(ctx context.Context, userID uuid.UUID, endpoint string) error {
	result, err := r.q.Exec(ctx,
		`DELETE FROM push_subscriptions WHERE user_id = $1 AND endpoint = $2`,
		userID, endpoint,
	)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("subscription: %w", ErrNotFound)
	}
	return nil
}

// UpsertSubscription registers an endpoint, refreshing its keys if the same
// user subscribes again from the same browser.
func (r *Repository) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}

	query := `
		INSERT INTO push_subscriptions (id, user_id, endpoint, p256dh, auth, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, endpoint) DO UPDATE
		SET p256dh = EXCLUDED.p256dh,
		    auth = EXCLUDED.auth,
		    user_agent = EXCLUDED.user_agent
		RETURNING id, created_at
	`

	err := r.q.QueryRow(ctx, query,
		sub.ID, sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth, sub.UserAgent,
	).Scan(&sub.ID, &sub.CreatedAt)
	if err != nil {
		r.logger.Error("failed to upsert subscription",
			zap.Error(err),
			zap.String("user_id", sub.UserID.String()),
		)
		return fmt.Errorf("upsert subscription: %w", err)
	}

	return nil
}
