package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_AllAttemptsFail(t *testing.T) {
	cfg := Config{MaxAttempts: 2, InitialDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 1}

	attempts := 0
	sentinel := errors.New("webhook down")
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return sentinel
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "failed after 2 attempts")
	assert.Equal(t, 2, attempts)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Quick(), func() error {
		attempts++
		return NonRetryable(errors.New("bad request"))
	})

	require.Error(t, err)
	assert.True(t, IsNonRetryable(err))
	assert.Equal(t, 1, attempts)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, attempts, 5)
}

func TestDo_DelayFuncOverridesBackoff(t *testing.T) {
	timeoutErr := errors.New("timeout")
	var seen []error
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: time.Hour,
		MaxDelay:     time.Hour,
		Delay: func(_ int, err error) time.Duration {
			seen = append(seen, err)
			return time.Millisecond
		},
	}

	start := time.Now()
	err := Do(context.Background(), cfg, func() error { return timeoutErr })

	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []error{timeoutErr, timeoutErr}, seen)
}

func TestDo_InvalidConfig(t *testing.T) {
	err := Do(context.Background(), Config{InitialDelay: -time.Second}, func() error { return nil })
	assert.Error(t, err)

	err = Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}, func() error { return nil })
	assert.Error(t, err)
}

func TestDo_QuickRecovers(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Quick(), func() error {
		attempts++
		if attempts == 1 {
			return errors.New("first fails")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
