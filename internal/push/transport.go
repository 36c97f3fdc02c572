package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/medreminder/internal/db"
)

// ErrGone is returned when the push service reports that the subscription
// no longer exists (404/410). Such endpoints must not be retried.
var ErrGone = errors.New("push subscription gone")

// StatusError is a non-success response from the push service other than gone.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("push service returned %d: %s", e.StatusCode, e.Body)
}

// Transport delivers an encoded payload to one subscription.
type Transport interface {
	Send(ctx context.Context, sub *db.Subscription, payload []byte) error
}

// Config holds VAPID and delivery settings.
type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int
	Timeout         time.Duration
	Urgency         webpush.Urgency
}

// WebPushTransport sends RFC 8030 push messages with VAPID authentication.
type WebPushTransport struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

// NewWebPushTransport creates a transport. Zero values fall back to a 24h TTL
// and a 10 second per-send timeout.
func NewWebPushTransport(cfg Config, logger *zap.Logger) (*WebPushTransport, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, errors.New("VAPID keys are required")
	}
	if cfg.Subscriber == "" {
		cfg.Subscriber = "mailto:support@medreminder.app"
	}
	if cfg.TTL == 0 {
		cfg.TTL = 86400
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Urgency == "" {
		cfg.Urgency = webpush.UrgencyHigh
	}

	return &WebPushTransport{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// PublicKey is handed to browsers when they subscribe.
func (t *WebPushTransport) PublicKey() string {
	return t.config.VAPIDPublicKey
}

func (t *WebPushTransport) Send(ctx context.Context, sub *db.Subscription, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      t.client,
		Subscriber:      t.config.Subscriber,
		TTL:             t.config.TTL,
		Urgency:         t.config.Urgency,
		VAPIDPublicKey:  t.config.VAPIDPublicKey,
		VAPIDPrivateKey: t.config.VAPIDPrivateKey,
	})
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return ErrGone
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	t.logger.Debug("push delivered",
		zap.String("host", Host(sub.Endpoint)),
		zap.Int("status", resp.StatusCode),
	)
	return nil
}

// LogTransport logs instead of sending. It is used when no VAPID keys are
// configured.
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(ctx context.Context, sub *db.Subscription, payload []byte) error {
	t.logger.Info("push notification (log only)",
		zap.String("user_id", sub.UserID.String()),
		zap.String("host", Host(sub.Endpoint)),
		zap.ByteString("payload", payload),
	)
	return nil
}

// Host returns the push service host of an endpoint, or the raw endpoint if
// it does not parse.
func Host(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Host
}

// GenerateVAPIDKeys creates a new VAPID key pair encoded for configuration.
func GenerateVAPIDKeys() (privateKey, publicKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generate VAPID keys: %w", err)
	}
	return privateKey, publicKey, nil
}
