package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-poloniex-sync/internal/config"
)

func fastPolicy(attempts int) config.RetryPolicyConfig {
	return config.RetryPolicyConfig{
		MaxAttempts:     attempts,
		InitialDelay:    "1ms",
		MaxDelay:        "2ms",
		BackoffStrategy: "fixed",
	}
}

func TestClassifyType(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"rate limited", &CommunicationError{StatusCode: http.StatusTooManyRequests}, ErrorTypeRateLimit},
		{"server error", &CommunicationError{StatusCode: http.StatusBadGateway}, ErrorTypeServerError},
		{"forbidden", &CommunicationError{StatusCode: http.StatusForbidden}, ErrorTypeAuthentication},
		{"bad request", &CommunicationError{StatusCode: http.StatusBadRequest}, ErrorTypeBadRequest},
		{"exchange error payload", &CommunicationError{Message: "Invalid currency pair."}, ErrorTypeBadRequest},
		{"exchange throttling payload", &CommunicationError{Message: "Please do not make more than 6 API calls per second."}, ErrorTypeRateLimit},
		{"bad signature payload", &CommunicationError{Message: "Invalid API key/secret pair."}, ErrorTypeAuthentication},
		{"configuration", &ConfigurationError{Field: "api_key", Message: "missing"}, ErrorTypeConfiguration},
		{"wrapped configuration", fmt.Errorf("buy: %w", &ConfigurationError{Field: "api_key"}), ErrorTypeConfiguration},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, ErrorTypeNetwork},
		{"deadline", context.DeadlineExceeded, ErrorTypeTimeout},
		{"canceled", fmt.Errorf("fetch: %w", context.Canceled), ErrorTypeCanceled},
		{"decode failure", &CommunicationError{Err: errors.New("invalid character '<' looking for beginning of value")}, ErrorTypeMalformed},
		{"unknown", errors.New("something odd"), ErrorTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyType(tt.err))
		})
	}
}

func TestCommunicationError(t *testing.T) {
	inner := errors.New("boom")
	err := fmt.Errorf("fetch window: %w", &CommunicationError{
		Command:    "returnChartData",
		Method:     http.MethodGet,
		StatusCode: 502,
		Err:        inner,
	})

	assert.True(t, IsCommunication(err))
	assert.False(t, IsConfiguration(err))
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "GET returnChartData (status 502): boom")
}

func TestClassifier_Classify(t *testing.T) {
	ec := NewErrorClassifier(config.DefaultConfig().ErrorHandling, slog.Default())

	ce := ec.Classify(&CommunicationError{StatusCode: 503}, "poloniex", "returnTicker")
	require.NotNil(t, ce)
	assert.Equal(t, ErrorTypeServerError, ce.Type)
	assert.True(t, ce.Retryable)

	ce = ec.Classify(&ConfigurationError{Field: "api_key"}, "poloniex", "buy")
	assert.False(t, ce.Retryable)
	assert.Equal(t, SeverityHigh, ce.Severity)

	// already classified errors pass through
	assert.Same(t, ce, ec.Classify(fmt.Errorf("wrapped: %w", ce), "other", "op"))
	assert.Nil(t, ec.Classify(nil, "x", "y"))

	stats := ec.GetStats()
	assert.Equal(t, int64(1), stats[ErrorTypeServerError].Count)
	assert.Equal(t, int64(1), stats[ErrorTypeConfiguration].Count)
}

func TestClassifier_ConfiguredRetryableTypes(t *testing.T) {
	cfg := config.DefaultConfig().ErrorHandling
	cfg.GlobalRetryPolicy.RetryableErrors = []string{string(ErrorTypeBadRequest)}
	ec := NewErrorClassifier(cfg, slog.Default())

	assert.True(t, ec.Classify(&CommunicationError{StatusCode: 400}, "c", "o").Retryable)
}

func TestClassifier_Retry(t *testing.T) {
	cfg := config.ErrorHandlingConfig{GlobalRetryPolicy: fastPolicy(3)}
	ec := NewErrorClassifier(cfg, slog.Default())

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := ec.Retry(context.Background(), "storage", "ping", func() error {
			calls++
			if calls < 3 {
				return &CommunicationError{StatusCode: 503}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := ec.Retry(context.Background(), "storage", "ping", func() error {
			calls++
			return &CommunicationError{StatusCode: 503}
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.Contains(t, err.Error(), "after 3 attempts")
	})

	t.Run("stops on non-retryable errors", func(t *testing.T) {
		calls := 0
		err := ec.Retry(context.Background(), "poloniex", "buy", func() error {
			calls++
			return &ConfigurationError{Field: "api_key", Message: "missing"}
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.True(t, IsConfiguration(err))
	})
}

func TestNewBackOff(t *testing.T) {
	t.Run("max attempts bounds retries", func(t *testing.T) {
		b := NewBackOff(fastPolicy(3))
		assert.NotEqual(t, backoff.Stop, b.NextBackOff())
		assert.NotEqual(t, backoff.Stop, b.NextBackOff())
		assert.Equal(t, backoff.Stop, b.NextBackOff())
	})

	t.Run("linear grows to max", func(t *testing.T) {
		b := NewBackOff(config.RetryPolicyConfig{InitialDelay: "10ms", MaxDelay: "25ms", BackoffStrategy: "linear"})
		assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
		assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
		assert.Equal(t, 25*time.Millisecond, b.NextBackOff())
		b.Reset()
		assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	})

	t.Run("jittered fixed delay stays within ten percent", func(t *testing.T) {
		b := NewBackOff(config.RetryPolicyConfig{InitialDelay: "100ms", BackoffStrategy: "fixed", Jitter: true})
		require.IsType(t, &JitteredBackoff{}, b)
		for i := 0; i < 20; i++ {
			d := b.NextBackOff()
			assert.GreaterOrEqual(t, d, 90*time.Millisecond)
			assert.LessOrEqual(t, d, 110*time.Millisecond)
		}
	})

	t.Run("exponential without jitter is deterministic", func(t *testing.T) {
		b := NewBackOff(config.RetryPolicyConfig{InitialDelay: "100ms", MaxDelay: "1s", BackoffStrategy: "exponential"})
		assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
		assert.Equal(t, 150*time.Millisecond, b.NextBackOff())
	})
}
