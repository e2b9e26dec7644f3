package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
)

func TestNewManager(t *testing.T) {
	cfg := config.CircuitBreakerConfig{
		Enabled:          true,
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}

	manager := NewManager(cfg, zap.NewNop())

	require.NotNil(t, manager)
	assert.Equal(t, cfg, manager.cfg)
	assert.NotNil(t, manager.breakers)
}

func TestManager_Enabled(t *testing.T) {
	enabled := NewManager(config.CircuitBreakerConfig{Enabled: true}, zap.NewNop())
	assert.True(t, enabled.Enabled())

	disabled := NewManager(config.CircuitBreakerConfig{}, zap.NewNop())
	assert.False(t, disabled.Enabled())

	var nilManager *Manager
	assert.False(t, nilManager.Enabled())
}

func TestManager_Get(t *testing.T) {
	manager := NewManager(config.CircuitBreakerConfig{
		Enabled:          true,
		MaxRequests:      3,
		FailureThreshold: 5,
	}, zap.NewNop())

	cb := manager.Get("tokenization:cards")

	require.NotNil(t, cb)
	assert.Equal(t, "tokenization:cards", cb.Name())
	assert.Len(t, manager.breakers, 1)

	// Getting again should return same instance
	cb2 := manager.Get("tokenization:cards")
	assert.Same(t, cb, cb2)
}

func TestManager_Get_Concurrent(t *testing.T) {
	manager := NewManager(config.CircuitBreakerConfig{
		Enabled:          true,
		MaxRequests:      3,
		FailureThreshold: 5,
	}, zap.NewNop())

	var wg sync.WaitGroup
	breakers := make([]*gobreaker.CircuitBreaker[any], 100)

	// Concurrently get the same breaker
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			breakers[idx] = manager.Get("iam:core-apps")
		}(i)
	}

	wg.Wait()

	// All should be the same instance
	first := breakers[0]
	for i := 1; i < 100; i++ {
		assert.Same(t, first, breakers[i], "breaker at index %d should be same instance", i)
	}

	// Only one breaker should be created
	assert.Len(t, manager.breakers, 1)
}

func TestExecute_Success(t *testing.T) {
	manager := NewManager(config.CircuitBreakerConfig{
		Enabled:          true,
		MaxRequests:      3,
		FailureThreshold: 5,
	}, zap.NewNop())

	result, err := Execute(manager, "tokenization:cards", func() (string, error) {
		return "success", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "success", result)
}

func TestExecute_Error(t *testing.T) {
	manager := NewManager(config.CircuitBreakerConfig{
		Enabled:          true,
		MaxRequests:      3,
		FailureThreshold: 5,
	}, zap.NewNop())

	expectedErr := errors.New("test error")
	result, err := Execute(manager, "tokenization:cards", func() (*string, error) {
		return nil, expectedErr
	})

	assert.Error(t, err)
	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestExecute_Disabled(t *testing.T) {
	manager := NewManager(config.CircuitBreakerConfig{}, zap.NewNop())

	result, err := Execute(manager, "tokenization:cards", func() (string, error) {
		return "direct", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "direct", result)

	// Disabled managers never create breakers
	assert.Empty(t, manager.breakers)
}

func TestExecute_CircuitOpen(t *testing.T) {
	manager := NewManager(config.CircuitBreakerConfig{
		Enabled:          true,
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          5 * time.Second,
		FailureThreshold: 2, // Open after 2 consecutive failures
	}, zap.NewNop())

	testErr := errors.New("service unavailable")

	// Cause failures to trip the circuit
	for i := 0; i < 3; i++ {
		Execute(manager, "failing-target", func() (any, error) {
			return nil, testErr
		})
	}

	// Circuit should be open now
	assert.Equal(t, gobreaker.StateOpen, manager.State("failing-target"))

	// Next call should fail fast without invoking fn
	called := false
	_, err := Execute(manager, "failing-target", func() (any, error) {
		called = true
		return "should not be called", nil
	})

	assert.Equal(t, gobreaker.ErrOpenState, err)
	assert.False(t, called)
}

func TestManager_State(t *testing.T) {
	manager := NewManager(config.CircuitBreakerConfig{
		Enabled:          true,
		MaxRequests:      3,
		FailureThreshold: 5,
	}, zap.NewNop())

	// Initial state should be closed
	assert.Equal(t, gobreaker.StateClosed, manager.State("tokenization:cards"))
}

func TestManager_Counts(t *testing.T) {
	manager := NewManager(config.CircuitBreakerConfig{
		Enabled:          true,
		MaxRequests:      3,
		FailureThreshold: 5,
	}, zap.NewNop())

	// Execute some successful calls
	for i := 0; i < 3; i++ {
		Execute(manager, "count-target", func() (string, error) {
			return "ok", nil
		})
	}

	// Execute some failures
	for i := 0; i < 2; i++ {
		Execute(manager, "count-target", func() (any, error) {
			return nil, errors.New("fail")
		})
	}

	counts := manager.Counts("count-target")
	assert.Equal(t, uint32(5), counts.Requests)
	assert.Equal(t, uint32(3), counts.TotalSuccesses)
	assert.Equal(t, uint32(2), counts.TotalFailures)
	assert.Equal(t, uint32(2), counts.ConsecutiveFailures)
}

func TestManager_States(t *testing.T) {
	manager := NewManager(config.CircuitBreakerConfig{
		Enabled:          true,
		MaxRequests:      1,
		Timeout:          5 * time.Second,
		FailureThreshold: 1,
	}, zap.NewNop())

	// Trip one target, leave the other healthy
	Execute(manager, "tokenization:cards", func() (any, error) {
		return nil, errors.New("fail")
	})
	Execute(manager, "iam:core-apps", func() (string, error) {
		return "ok", nil
	})

	states := manager.States()

	assert.Len(t, states, 2)
	assert.Equal(t, "open", states["tokenization:cards"])
	assert.Equal(t, "closed", states["iam:core-apps"])
}

func TestManager_States_Nil(t *testing.T) {
	var nilManager *Manager
	assert.Nil(t, nilManager.States())
}

func TestStateToString(t *testing.T) {
	tests := []struct {
		state    gobreaker.State
		expected string
	}{
		{gobreaker.StateClosed, "closed"},
		{gobreaker.StateHalfOpen, "half-open"},
		{gobreaker.StateOpen, "open"},
		{gobreaker.State(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, stateToString(tt.state))
		})
	}
}

func TestManager_CircuitBreakerLifecycle(t *testing.T) {
	manager := NewManager(config.CircuitBreakerConfig{
		Enabled:          true,
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          100 * time.Millisecond, // Short timeout for testing
		FailureThreshold: 2,
	}, zap.NewNop())

	// 1. Initial state should be closed
	assert.Equal(t, gobreaker.StateClosed, manager.State("lifecycle-target"))

	// 2. Cause failures to trip the circuit
	for i := 0; i < 3; i++ {
		Execute(manager, "lifecycle-target", func() (any, error) {
			return nil, errors.New("failure")
		})
	}

	// 3. Circuit should be open
	assert.Equal(t, gobreaker.StateOpen, manager.State("lifecycle-target"))

	// 4. Wait for timeout to transition to half-open
	time.Sleep(150 * time.Millisecond)

	// 5. A successful request in half-open state should close the circuit
	_, err := Execute(manager, "lifecycle-target", func() (string, error) {
		return "success", nil
	})
	require.NoError(t, err)

	// 6. Circuit should be closed again
	assert.Equal(t, gobreaker.StateClosed, manager.State("lifecycle-target"))
}

func BenchmarkManager_Get(b *testing.B) {
	manager := NewManager(config.CircuitBreakerConfig{
		Enabled:          true,
		MaxRequests:      3,
		FailureThreshold: 5,
	}, zap.NewNop())

	// Pre-create the breaker
	manager.Get("benchmark-target")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		manager.Get("benchmark-target")
	}
}

func BenchmarkExecute_Success(b *testing.B) {
	manager := NewManager(config.CircuitBreakerConfig{
		Enabled:          true,
		MaxRequests:      3,
		FailureThreshold: 5,
	}, zap.NewNop())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Execute(manager, "benchmark-target", func() (string, error) {
			return "result", nil
		})
	}
}

func BenchmarkManager_Get_Concurrent(b *testing.B) {
	manager := NewManager(config.CircuitBreakerConfig{
		Enabled:          true,
		MaxRequests:      3,
		FailureThreshold: 5,
	}, zap.NewNop())
	manager.Get("benchmark-target")

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			manager.Get("benchmark-target")
		}
	})
}
