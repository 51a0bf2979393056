package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRetrier(cfg *RetryConfig) (*Retrier, *[]time.Duration) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	slept := []time.Duration{}
	r := NewRetrier(cfg, logger).WithSleep(func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	})
	r.jitter = func() float64 { return 0 }
	return r, &slept
}

func TestExecute_SucceedsAfterRetries(t *testing.T) {
	r, slept := newTestRetrier(ChainRetryConfig)

	calls := 0
	attempts, err := r.Execute(context.Background(), "test", func(attempt int) error {
		calls++
		if calls < 3 {
			return NewRetryableError(errors.New("HTTP 503"), true)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestExecute_Exhausted(t *testing.T) {
	r, slept := newTestRetrier(PriceRetryConfig)

	last := errors.New("connection reset by peer")
	attempts, err := r.Execute(context.Background(), "test", func(int) error { return last })

	assert.ErrorIs(t, err, last)
	assert.Equal(t, 4, attempts)
	assert.Len(t, *slept, 3) // 最后一次失败后不再等待
}

func TestExecute_NonRetryable(t *testing.T) {
	r, slept := newTestRetrier(ChainRetryConfig)

	attempts, err := r.Execute(context.Background(), "test", func(int) error {
		return NewRetryableError(errors.New("HTTP 404"), false)
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, *slept)
}

func TestExecute_RateLimitDelays(t *testing.T) {
	tests := []struct {
		name     string
		hint     time.Duration
		expected []time.Duration
	}{
		{"服务端提示", 7 * time.Second, []time.Duration{7 * time.Second, 7 * time.Second}},
		{"无提示", 0, []time.Duration{1500 * time.Millisecond, 3 * time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, slept := newTestRetrier(ChainRetryConfig)
			_, err := r.Execute(context.Background(), "test", func(int) error {
				return &RateLimitError{Err: errors.New("HTTP 429"), RetryAfter: tt.hint}
			})
			assert.Error(t, err)
			assert.Equal(t, tt.expected, *slept)
		})
	}
}

func TestCalculateDelay_Jitter(t *testing.T) {
	r, _ := newTestRetrier(ChainRetryConfig)
	r.jitter = func() float64 { return 1 }

	assert.Equal(t, 1200*time.Millisecond, r.calculateDelay(0, errors.New("timeout")))
	assert.Equal(t, 4800*time.Millisecond, r.calculateDelay(2, errors.New("timeout")))
}

func TestExecute_Cancelled(t *testing.T) {
	r, _ := newTestRetrier(ChainRetryConfig)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts, err := r.Execute(ctx, "test", func(int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, attempts)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err      error
		expected bool
	}{
		{nil, false},
		{context.Canceled, false},
		{errors.New("i/o timeout"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("invalid argument"), false},
		{&RateLimitError{Err: errors.New("429")}, true},
		{NewRetryableError(errors.New("x"), false), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, IsRetryableError(tt.err), "err=%v", tt.err)
	}
}
