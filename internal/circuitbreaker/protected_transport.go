package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/medreminder/internal/db"
	"github.com/lalithlochan/medreminder/internal/push"
)

// Registry lazily creates one breaker per push-service host, so an outage at
// one vendor does not block delivery to browsers on another.
type Registry struct {
	mu       sync.Mutex
	template Config
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

// NewRegistry uses template for every breaker, overriding only the name.
func NewRegistry(template Config, logger *zap.Logger) *Registry {
	return &Registry{
		template: template,
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

// For returns the breaker for host, creating it on first use.
func (r *Registry) For(host string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[host]; ok {
		return cb
	}
	cfg := r.template
	cfg.Name = host
	cb := New(cfg, r.logger)
	r.breakers[host] = cb
	return cb
}

// Stats returns a snapshot of every breaker, ordered by host.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	hosts := make([]string, 0, len(r.breakers))
	for h := range r.breakers {
		hosts = append(hosts, h)
	}
	r.mu.Unlock()

	sort.Strings(hosts)
	out := make([]Stats, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, r.For(h).Stats())
	}
	return out
}

// ProtectedTransport consults the host's breaker before every send.
type ProtectedTransport struct {
	next     push.Transport
	registry *Registry
	logger   *zap.Logger
}

func NewProtectedTransport(next push.Transport, registry *Registry, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		next:     next,
		registry: registry,
		logger:   logger,
	}
}

// Send fails fast with ErrCircuitOpen while the host's breaker is open. A
// gone response proves the host is healthy and counts as a success.
func (p *ProtectedTransport) Send(ctx context.Context, sub *db.Subscription, payload []byte) error {
	host := push.Host(sub.Endpoint)
	cb := p.registry.For(host)

	if !cb.Allow() {
		p.logger.Debug("push host circuit open, skipping",
			zap.String("host", host),
			zap.String("user_id", sub.UserID.String()),
		)
		return fmt.Errorf("%w: %s", ErrCircuitOpen, host)
	}

	err := p.next.Send(ctx, sub, payload)
	if err != nil && !errors.Is(err, push.ErrGone) {
		cb.RecordFailure()
		return err
	}

	cb.RecordSuccess()
	return err
}

// Registry exposes the breakers for health reporting.
func (p *ProtectedTransport) Registry() *Registry {
	return p.registry
}
