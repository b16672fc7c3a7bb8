package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessOnRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_AllAttemptsExhausted(t *testing.T) {
	sentinel := errors.New("always fails")
	var calls int
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestBackoff_PermanentErrorStopsRetry(t *testing.T) {
	sentinel := errors.New("permanent failure")
	var calls int
	err := Backoff{MaxAttempts: 5, BaseDelay: time.Millisecond}.Do(context.Background(), func(int) error {
		calls++
		return Permanent(sentinel)
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)

	var pe *PermanentError
	assert.False(t, errors.As(err, &pe), "permanent wrapper should be removed")
}

func TestBackoff_RetryableFilter(t *testing.T) {
	retryable := errors.New("conflict")
	other := errors.New("boom")
	var calls int
	err := Backoff{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return errors.Is(err, retryable) },
	}.Do(context.Background(), func(attempt int) error {
		calls++
		if attempt == 1 {
			return retryable
		}
		return other
	})
	assert.ErrorIs(t, err, other)
	assert.Equal(t, 2, calls)
}

func TestBackoff_OnRetryAndAttemptNumbers(t *testing.T) {
	var seen []int
	var retried []int
	_ = Backoff{
		MaxAttempts: 3,
		OnRetry:     func(attempt int, _ error) { retried = append(retried, attempt) },
	}.Do(context.Background(), func(attempt int) error {
		seen = append(seen, attempt)
		return errors.New("again")
	})
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Backoff{MaxAttempts: 3, BaseDelay: time.Second}.Do(ctx, func(int) error {
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff_MaxDelayCaps(t *testing.T) {
	start := time.Now()
	_ = Backoff{MaxAttempts: 4, BaseDelay: 2 * time.Millisecond, MaxDelay: 3 * time.Millisecond}.
		Do(context.Background(), func(int) error { return errors.New("x") })
	assert.Less(t, time.Since(start), time.Second)
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}
