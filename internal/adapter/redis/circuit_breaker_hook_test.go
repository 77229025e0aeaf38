package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/wsrelay/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runProcess(hook *CircuitBreakerHook, result error) (called bool, err error) {
	ctx := context.Background()
	process := hook.ProcessHook(func(context.Context, goredis.Cmder) error {
		called = true
		return result
	})
	err = process(ctx, goredis.NewIntCmd(ctx, "publish", "wsrelay:messages", "{}"))
	return called, err
}

func TestCircuitBreakerHook_StaysClosedOnSuccess(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)

	for range 10 {
		_, err := runProcess(hook, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_TransientFailuresBelowThreshold(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)

	for range breakerFailureThreshold - 1 {
		_, err := runProcess(hook, errors.New("connection refused"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, circuitbreaker.ErrOpen)
	}

	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_OpensAndFailsFast(t *testing.T) {
	m := metrics.NewRedisMetrics(prometheus.NewRegistry())
	hook := NewCircuitBreakerHook(m)

	for range breakerFailureThreshold {
		_, _ = runProcess(hook, errors.New("i/o timeout"))
	}
	require.Equal(t, circuitbreaker.OpenState, hook.State())
	assert.InDelta(t, 2, testutil.ToFloat64(m.CircuitBreakerState), 0)

	called, err := runProcess(hook, nil)
	assert.False(t, called, "open breaker must not reach Redis")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestCircuitBreakerHook_RedisRepliesAreNotFailures(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)

	for range 2 * breakerFailureThreshold {
		_, err := runProcess(hook, goredis.Nil)
		require.ErrorIs(t, err, goredis.Nil)
	}

	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_ClosesAfterDelay(t *testing.T) {
	hook := newCircuitBreakerHook(nil, 20*time.Millisecond)

	for range breakerFailureThreshold {
		_, _ = runProcess(hook, errors.New("connection reset by peer"))
	}
	require.Equal(t, circuitbreaker.OpenState, hook.State())

	time.Sleep(40 * time.Millisecond)

	called, err := runProcess(hook, nil)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_Pipeline(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)
	failing := hook.ProcessPipelineHook(func(context.Context, []goredis.Cmder) error {
		return errors.New("broken pipe")
	})

	for range breakerFailureThreshold {
		_ = failing(context.Background(), nil)
	}

	err := failing(context.Background(), nil)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}
