// Package circuitbreaker stops the dispatcher from hammering a push service
// that is failing. Breakers are kept per push-service host.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
//
//	Closed -> Open:      consecutive failures reach MaxFailures
//	Open -> HalfOpen:    RecoveryTimeout elapsed since the last failure
//	HalfOpen -> Closed:  a probe succeeds
//	HalfOpen -> Open:    a probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned instead of calling a host whose breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config for a single breaker.
type Config struct {
	Name            string
	MaxFailures     int
	RecoveryTimeout time.Duration
	ProbeRequests   int

	// OnStateChange, when set, is called with the lock held after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig trips after five consecutive failures and probes again after 30s.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		MaxFailures:     5,
		RecoveryTimeout: 30 * time.Second,
		ProbeRequests:   1,
	}
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state           State
	failures        int
	probes          int
	lastFailure     time.Time
	lastStateChange time.Time

	requests  int64
	successes int64
	rejected  int64
	failed    int64
}

// New creates a closed breaker. Non-positive limits fall back to DefaultConfig.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.ProbeRequests <= 0 {
		cfg.ProbeRequests = def.ProbeRequests
	}

	return &CircuitBreaker{
		config:          cfg,
		logger:          logger,
		now:             time.Now,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether a call may proceed. Every true must be followed by
// RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requests++

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.config.RecoveryTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.probes = 1
			return true
		}
	case StateHalfOpen:
		if cb.probes < cb.config.ProbeRequests {
			cb.probes++
			return true
		}
	}

	cb.rejected++
	return false
}

// RecordSuccess resets the failure streak and closes a half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.transitionTo(StateClosed)
		cb.logger.Info("push host recovered", zap.String("host", cb.config.Name))
	}
}

// RecordFailure extends the failure streak, opening the breaker when it
// reaches MaxFailures or when a probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failed++
	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.transitionTo(StateOpen)
			cb.logger.Warn("push host circuit opened",
				zap.String("host", cb.config.Name),
				zap.Int("failures", cb.failures),
			)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
		cb.logger.Warn("push host probe failed, circuit re-opened",
			zap.String("host", cb.config.Name),
		)
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a point-in-time snapshot for the health endpoint.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	Failures        int    `json:"consecutive_failures"`
	Requests        int64  `json:"requests"`
	Successes       int64  `json:"successes"`
	Failed          int64  `json:"failed"`
	Rejected        int64  `json:"rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		Failures:        cb.failures,
		Requests:        cb.requests,
		Successes:       cb.successes,
		Failed:          cb.failed,
		Rejected:        cb.rejected,
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
	}
	if !cb.lastFailure.IsZero() {
		s.LastFailure = cb.lastFailure.Format(time.RFC3339)
	}
	return s
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.failures = 0
}

// must be called with cb.mu held
func (cb *CircuitBreaker) transitionTo(to State) {
	if cb.state == to {
		return
	}

	from := cb.state
	cb.state = to
	cb.probes = 0
	cb.lastStateChange = cb.now()

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.failures, cb.config.MaxFailures)
}
