package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexflow/config"
)

func fast(attempts int) Policy {
	return Policy{Attempts: attempts, Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	var retried []int
	err := Do(context.Background(), fast(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(attempt int, _ time.Duration, _ error) { retried = append(retried, attempt) })

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoExhausts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), fast(2), func(context.Context) error {
		calls++
		return boom
	}, nil)

	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, boom)
}

func TestDoStopsOnPermanent(t *testing.T) {
	bad := errors.New("bad payload")
	calls := 0
	err := Do(context.Background(), fast(5), func(context.Context) error {
		calls++
		return Permanent(bad)
	}, nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, bad, err)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 10, Min: time.Hour, Max: time.Hour, Factor: 2}
	err := Do(ctx, p, func(context.Context) error {
		cancel()
		return errors.New("down")
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestFromConfigDefaults(t *testing.T) {
	p := FromConfig(config.RetryConfig{})
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, 100*time.Millisecond, p.Min)
	assert.Equal(t, 5*time.Second, p.Max)
	assert.Equal(t, 2.0, p.Factor)

	p = FromConfig(config.RetryConfig{MaxAttempts: 7, BaseDelay: time.Second, MaxDelay: 10 * time.Second, BackoffMultiplier: 1.5})
	assert.Equal(t, 7, p.Attempts)
	assert.Equal(t, 10*time.Second, p.Max)
	assert.Equal(t, 1.5, p.Factor)
}
