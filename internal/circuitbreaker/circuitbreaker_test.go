package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fail(ctx context.Context) error { return errBoom }
func ok(ctx context.Context) error   { return nil }

func TestOpensAfterFailureThreshold(t *testing.T) {
	cb := New(&Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute, MaxHalfOpenRequests: 1})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(ctx, ok)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := New(&Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute, MaxHalfOpenRequests: 1})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail))
	require.Error(t, cb.Execute(ctx, fail))
	require.NoError(t, cb.Execute(ctx, ok))
	require.Error(t, cb.Execute(ctx, fail))
	require.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenProbeClosesOnSuccess(t *testing.T) {
	cb := New(&Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Millisecond, MaxHalfOpenRequests: 1})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail))
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenProbeReopensOnFailure(t *testing.T) {
	cb := New(&Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Millisecond, MaxHalfOpenRequests: 1})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail))
	time.Sleep(2 * time.Millisecond)
	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestOnStateChangeFires(t *testing.T) {
	var transitions []string
	cb := New(&Config{
		FailureThreshold:    1,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		MaxHalfOpenRequests: 1,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	require.Error(t, cb.Execute(context.Background(), fail))
	assert.Equal(t, []string{"closed->open"}, transitions)
}

func TestResetClosesCircuit(t *testing.T) {
	cb := New(&Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour, MaxHalfOpenRequests: 1})
	require.Error(t, cb.Execute(context.Background(), fail))
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(context.Background(), ok))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
