// Package circuitbreaker wraps sony/gobreaker for the gateway's outbound
// calls: identity provider fetches and tokenization exchanges.
package circuitbreaker

import (
	"sync"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
)

// State is the breaker state.
type State = gobreaker.State

// States
const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// Open-circuit errors callers classify on.
var (
	ErrOpenState       = gobreaker.ErrOpenState
	ErrTooManyRequests = gobreaker.ErrTooManyRequests
)

// Manager holds one breaker per outbound target, created on first use. All
// breakers share the configured thresholds. A disabled manager executes
// calls directly.
type Manager struct {
	cfg config.CircuitBreakerConfig
	log *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

// NewManager creates a circuit breaker manager.
func NewManager(cfg config.CircuitBreakerConfig, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}

	return &Manager{
		cfg:      cfg,
		log:      log.Named("circuit-breaker"),
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

// Enabled reports whether calls actually pass through breakers.
func (m *Manager) Enabled() bool {
	return m != nil && m.cfg.Enabled
}

// Get returns or creates the breaker for the given target name.
func (m *Manager) Get(name string) *gobreaker.CircuitBreaker[any] {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists = m.breakers[name]; exists {
		return cb
	}

	cb = m.createBreaker(name)
	m.breakers[name] = cb
	return cb
}

func (m *Manager) createBreaker(name string) *gobreaker.CircuitBreaker[any] {
	threshold := m.cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: m.cfg.MaxRequests,
		Interval:    m.cfg.Interval,
		Timeout:     m.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.log.Warn("circuit breaker state changed",
				zap.String("target", name),
				zap.String("from", stateToString(from)),
				zap.String("to", stateToString(to)),
			)
		},
	})
}

// Execute runs fn behind the named breaker. With breakers disabled fn runs
// directly.
func Execute[T any](m *Manager, name string, fn func() (T, error)) (T, error) {
	if !m.Enabled() {
		return fn()
	}

	cb := m.Get(name)
	result, err := cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

// State returns the current state of a breaker.
func (m *Manager) State(name string) gobreaker.State {
	return m.Get(name).State()
}

// Counts returns the current counts of a breaker.
func (m *Manager) Counts(name string) gobreaker.Counts {
	return m.Get(name).Counts()
}

// States returns the state of every breaker created so far, keyed by
// target name. Exposed on the management listener.
func (m *Manager) States() map[string]string {
	if m == nil {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]string, len(m.breakers))
	for name, cb := range m.breakers {
		states[name] = stateToString(cb.State())
	}
	return states
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
