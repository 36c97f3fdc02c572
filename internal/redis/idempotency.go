package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a completed response is replayed.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds how long a crashed request can block its key.
	processingTTL = 2 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest means the same key is still being processed.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key in progress")

// IdempotencyResult is the cached response for a completed request.
type IdempotencyResult struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
	CreatedAt  int64           `json:"created_at"`
}

// IdempotencyService replays responses for client-supplied Idempotency-Key
// headers, scoped per user.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(scope, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", scope, idempotencyKey)
}

// Check returns the cached result, nil when the key is unused, or
// ErrDuplicateRequest while another request holds it.
func (s *IdempotencyService) Check(ctx context.Context, scope, idempotencyKey string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(scope, idempotencyKey)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}
	return &result, nil
}

// Reserve marks the key as in progress. It returns false when the key exists.
func (s *IdempotencyService) Reserve(ctx context.Context, scope, idempotencyKey string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(scope, idempotencyKey), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// CheckOrReserve returns a cached result if there is one, otherwise reserves
// the key for the caller.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, scope, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, scope, idempotencyKey)
	if err != nil || result != nil {
		return result, err
	}

	reserved, err := s.Reserve(ctx, scope, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !reserved {
		// Lost the race to a concurrent request; it may have finished already.
		result, err := s.Check(ctx, scope, idempotencyKey)
		if err != nil || result != nil {
			return result, err
		}
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}

// Store replaces the reservation with the final response.
func (s *IdempotencyService) Store(ctx context.Context, scope, idempotencyKey string, result *IdempotencyResult, ttl time.Duration) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(scope, idempotencyKey), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops a reservation so a failed request can be retried.
func (s *IdempotencyService) Release(ctx context.Context, scope, idempotencyKey string) error {
	key := s.buildKey(scope, idempotencyKey)
	val, err := s.client.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get failed: %w", err)
	}
	if val != processingMarker {
		return nil
	}
	if err := s.client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
