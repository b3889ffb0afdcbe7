package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestChecksumAddress(t *testing.T) {
	vectors := []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
	}
	for _, want := range vectors {
		require.Equal(t, want, ChecksumAddress(strings.ToLower(want)))
		require.Equal(t, want, ChecksumAddress(strings.TrimPrefix(strings.ToUpper(want), "0X")))
	}
}

func TestChecksumAddressLeavesNonAddressesAlone(t *testing.T) {
	assert.Equal(t, "Relay", ChecksumAddress(" Relay "))
	assert.Equal(t, "0x1234", ChecksumAddress("0x1234"))
	assert.False(t, IsHexAddress("0xzz5aeb6053f3e94c9b9a09f33669435e7ef1beae"))
	assert.True(t, IsHexAddress("5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"))
}

func TestSendWithBackpressure(t *testing.T) {
	ch := make(chan int, 1)
	var m BackpressureMetrics

	require.True(t, SendWithBackpressure(context.Background(), ch, 1, DefaultBackpressureConfig(), &m))
	require.False(t, SendWithBackpressure(context.Background(), ch, 2, BackpressureConfig{Timeout: 10 * time.Millisecond}, &m))
	require.False(t, SendWithBackpressure(context.Background(), ch, 3, BackpressureConfig{DropOnOverflow: true}, &m))

	overflows, timeouts, dropped := m.Stats()
	assert.Equal(t, int64(2), overflows)
	assert.Equal(t, int64(1), timeouts)
	assert.Equal(t, int64(2), dropped)

	<-ch
	require.True(t, TrySend(ch, 4, &m))
	require.False(t, TrySend(ch, 5, &m))
}

func TestSendWithBackpressureHonoursContext(t *testing.T) {
	ch := make(chan int)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, SendWithBackpressure(ctx, ch, 1, BackpressureConfig{Timeout: time.Minute}, nil))
}

func TestWithBackoffStopsOnSuccess(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	attempts := 0
	err := WithBackoff(context.Background(), cfg, zaptest.NewLogger(t), "flaky", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithBackoffGivesUp(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 1}
	err := WithBackoff(context.Background(), cfg, zaptest.NewLogger(t), "broken", func() error {
		return errors.New("connection refused")
	})
	require.ErrorContains(t, err, "broken failed after 2 attempts")
}

func TestWithBackoffStopsOnPermanentError(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Millisecond, Multiplier: 1}
	permanent := NewAppError(ErrorTypeGraphQL, "QUERY_ERRORS", "field not found", "GRAPHQL")
	attempts := 0
	err := WithBackoff(context.Background(), cfg, zaptest.NewLogger(t), "seed", func() error {
		attempts++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, "QUERY_ERRORS", GetErrorCode(err))
}

func TestBackoffIsCapped(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, Backoff(cfg, 1))
	assert.Equal(t, 4*time.Second, Backoff(cfg, 3))
	assert.Equal(t, 5*time.Second, Backoff(cfg, 10))
}

func TestAppErrorClassification(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := WrapError(cause, ErrorTypeNetwork, "FEED_DIAL", "dial upstream", "FEED").AsRetryable()
	wrapped := fmt.Errorf("subscribe: %w", err)

	assert.True(t, IsRetryableError(wrapped))
	assert.Equal(t, ErrorTypeNetwork, GetErrorType(wrapped))
	assert.Equal(t, "FEED_DIAL", GetErrorCode(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, err.Error(), "[NETWORK:FEED_DIAL] dial upstream")

	assert.True(t, IsRetryableError(errors.New("i/o timeout")))
	assert.False(t, IsRetryableError(errors.New("bad request")))
	assert.Equal(t, ErrorTypeInternal, GetErrorType(errors.New("x")))
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("RFB_TEST_INT", "42")
	t.Setenv("RFB_TEST_DUR", "1500")
	t.Setenv("RFB_TEST_DUR2", "2s")
	t.Setenv("RFB_TEST_BOOL", "true")

	assert.Equal(t, 42, EnvInt("RFB_TEST_INT", 1))
	assert.Equal(t, 1500*time.Millisecond, EnvDuration("RFB_TEST_DUR", time.Second))
	assert.Equal(t, 2*time.Second, EnvDuration("RFB_TEST_DUR2", time.Second))
	assert.True(t, EnvBool("RFB_TEST_BOOL", false))
	assert.Equal(t, "fallback", Env("RFB_TEST_MISSING", "fallback"))
}
