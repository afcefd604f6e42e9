package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsRecoverable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("invalid question"), false},
		{NewRecoverableError(errors.New("invalid question")), true},
		{NewNonRecoverableError(errors.New("gateway timeout")), false},
		{context.Canceled, false},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{errors.New("provider said: Too Many Requests"), true},
		{errors.New("dial tcp: connection refused"), true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, IsRecoverable(tc.err), "%v", tc.err)
	}
}

func TestRetryableCondition(t *testing.T) {
	require.True(t, Retryable(errors.New("upstream unavailable")))
	require.True(t, Retryable(NewRecoverableError(errors.New("rate limit"))))
	require.False(t, Retryable(NewNonRecoverableError(errors.New("bad input"))))
	require.False(t, Retryable(fmt.Errorf("wrapped: %w", NewNonRecoverableError(errors.New("bad input")))))
	require.False(t, Retryable(context.Canceled))
	require.False(t, Retryable(nil))
}

func TestFromStatus(t *testing.T) {
	err := FromStatus(http.StatusServiceUnavailable, " down for maintenance\n")
	require.Equal(t, "upstream returned 503: down for maintenance", err.Error())
	require.True(t, IsRecoverable(err))
	require.True(t, IsRecoverable(FromStatus(http.StatusTooManyRequests, "")))
	require.True(t, IsMarkedNonRecoverable(FromStatus(http.StatusUnauthorized, "")))
	require.True(t, IsMarkedNonRecoverable(FromStatus(http.StatusNotFound, "")))
}

func TestRetry(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(3), WithBaseWait(time.Millisecond))
	require.EqualError(t, err, "test error")
	require.Equal(t, 4, count)
}

func TestRetryZeroMaxRetries(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(0), WithBaseWait(time.Millisecond))
	require.EqualError(t, err, "test error")
	require.Equal(t, 1, count)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		if count < 3 {
			return errors.New("service unavailable")
		}
		return nil
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestRetryStopsOnNonRecoverable(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		return NewNonRecoverableError(errors.New("bad request"))
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond), WithRetryIf(Retryable))
	require.Error(t, err)
	require.Equal(t, 1, count)
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	err := Do(ctx, func() error {
		count++
		cancel()
		return NewRecoverableError(errors.New("timeout"))
	}, WithMaxRetries(5), WithBaseWait(time.Second))
	require.EqualError(t, err, "timeout")
	require.Equal(t, 1, count)
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, BackoffRate: 2, MaxDelay: 300 * time.Millisecond}
	require.Equal(t, 100*time.Millisecond, p.Delay(1))
	require.Equal(t, 200*time.Millisecond, p.Delay(2))
	require.Equal(t, 300*time.Millisecond, p.Delay(3))

	p.JitterStrategy = JitterFull
	for i := 1; i <= 5; i++ {
		require.LessOrEqual(t, p.Delay(i), 300*time.Millisecond)
	}
}

func TestRetryOnRetryHook(t *testing.T) {
	var attempts []int
	_ = Do(context.Background(), func() error {
		return NewRecoverableError(errors.New("try again"))
	}, WithMaxRetries(2), WithBaseWait(time.Millisecond), WithOnRetry(func(attempt int, _ time.Duration, _ error) {
		attempts = append(attempts, attempt)
	}))
	require.Equal(t, []int{1, 2}, attempts)
}
