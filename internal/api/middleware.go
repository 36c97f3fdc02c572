package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/medreminder/internal/metrics"
	"github.com/lalithlochan/medreminder/internal/redis"
)

type ctxKey int

const userIDKey ctxKey = iota

// UserIDHeader carries the authenticated user, set by the upstream gateway.
const UserIDHeader = "X-User-ID"

// RequireUser rejects requests without a valid X-User-ID and stores the
// parsed ID in the request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get(UserIDHeader))
		if err != nil {
			writeProblem(w, http.StatusUnauthorized, "unauthorized", "Unauthorized",
				"X-User-ID header must carry a valid user UUID")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, id)))
	})
}

// UserFromContext returns the user set by RequireUser.
func UserFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// RequireCronSecret guards the scheduler trigger with a bearer token. An
// empty secret disables the check.
func RequireCronSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				writeProblem(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", "invalid cron secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware creates an HTTP middleware that enforces rate limits.
// The keyFunc extracts the rate limit key from the request.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection()
				retryAfter := max(1, int(time.Until(result.ResetAt).Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeProblem(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests",
					"Rate limit exceeded. Please retry after the specified time.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// UserKeyFunc rate limits per X-User-ID.
func UserKeyFunc(r *http.Request) string {
	if userID := r.Header.Get(UserIDHeader); userID != "" {
		return "user:" + userID
	}
	return ""
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
