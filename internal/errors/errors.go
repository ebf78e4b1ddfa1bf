// Package errors provides the error taxonomy shared by the exchange client,
// the sync engine and the pollers: communication and configuration errors,
// retry classification, and backoff strategies built from configuration.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johnayoung/go-poloniex-sync/internal/config"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Retryable error types
	ErrorTypeNetwork     ErrorType = "network"      // Network connectivity issues
	ErrorTypeTimeout     ErrorType = "timeout"      // Request timeout
	ErrorTypeRateLimit   ErrorType = "rate_limit"   // HTTP 429 or exchange throttling
	ErrorTypeServerError ErrorType = "server_error" // HTTP 5xx errors
	ErrorTypeMalformed   ErrorType = "malformed"    // Undecodable response body

	// Non-retryable error types
	ErrorTypeAuthentication ErrorType = "authentication" // Rejected key or signature
	ErrorTypeBadRequest     ErrorType = "bad_request"    // HTTP 4xx or exchange error payload
	ErrorTypeValidation     ErrorType = "validation"     // Data validation errors
	ErrorTypeConfiguration  ErrorType = "configuration"  // Missing credentials or settings
	ErrorTypeCanceled       ErrorType = "canceled"       // Context canceled by the caller

	ErrorTypeUnknown ErrorType = "unknown" // Unclassified errors
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// CommunicationError reports a failed exchange call: the request could not
// be sent, the server answered with a non-2xx status, the body could not be
// decoded, or the exchange returned an {"error": ...} payload.
type CommunicationError struct {
	Command    string // exchange command, e.g. returnChartData
	Method     string // HTTP method
	URL        string // request URL without secrets
	StatusCode int    // 0 when no response was received
	Message    string // exchange error message, if any
	Err        error
}

func (e *CommunicationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "communication error: %s %s", e.Method, e.Command)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// ConfigurationError reports a missing or invalid setting detected before
// any I/O, such as a trading call without credentials.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

// IsCommunication reports whether err wraps a CommunicationError.
func IsCommunication(err error) bool {
	var ce *CommunicationError
	return errors.As(err, &ce)
}

// IsConfiguration reports whether err wraps a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error     `json:"error"`
	Type      ErrorType `json:"type"`
	Severity  Severity  `json:"severity"`
	Retryable bool      `json:"retryable"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
	Attempts  int       `json:"attempts"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is matches another ClassifiedError by type, otherwise defers to the
// wrapped error.
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return errors.Is(ce.Err, target)
}

// ErrorClassifier handles error classification and retry logic
type ErrorClassifier struct {
	config config.ErrorHandlingConfig
	logger *slog.Logger
	mu     sync.RWMutex
	stats  map[ErrorType]ErrorStats
}

// ErrorStats tracks error statistics for monitoring
type ErrorStats struct {
	Count     int64     `json:"count"`
	LastSeen  time.Time `json:"last_seen"`
	FirstSeen time.Time `json:"first_seen"`
}

// NewErrorClassifier creates a new error classifier with the given configuration
func NewErrorClassifier(cfg config.ErrorHandlingConfig, logger *slog.Logger) *ErrorClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorClassifier{
		config: cfg,
		logger: logger,
		stats:  make(map[ErrorType]ErrorStats),
	}
}

// Classify wraps err with its type, severity and retryability. Errors that
// are already classified are returned unchanged.
func (ec *ErrorClassifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var already *ClassifiedError
	if errors.As(err, &already) {
		return already
	}

	errorType := ClassifyType(err)
	classified := &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  severityOf(errorType),
		Retryable: ec.isRetryable(errorType),
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}

	ec.updateStats(errorType)

	ec.logger.Debug("error classified",
		"type", errorType,
		"severity", classified.Severity.String(),
		"retryable", classified.Retryable,
		"component", component,
		"operation", operation,
		"error", err.Error())

	return classified
}

// ClassifyType determines the error type, preferring structured information
// (status codes, net.Error) over message patterns.
func ClassifyType(err error) ErrorType {
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}

	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return ErrorTypeConfiguration
	}

	var commErr *CommunicationError
	if errors.As(err, &commErr) {
		switch {
		case commErr.StatusCode == http.StatusTooManyRequests:
			return ErrorTypeRateLimit
		case commErr.StatusCode == http.StatusUnauthorized || commErr.StatusCode == http.StatusForbidden:
			return ErrorTypeAuthentication
		case commErr.StatusCode >= 500:
			return ErrorTypeServerError
		case commErr.StatusCode >= 400:
			return ErrorTypeBadRequest
		case commErr.Message != "":
			return classifyMessage(strings.ToLower(commErr.Message), ErrorTypeBadRequest)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}

	return classifyMessage(strings.ToLower(err.Error()), ErrorTypeUnknown)
}

func classifyMessage(msg string, fallback ErrorType) ErrorType {
	switch {
	case containsAny(msg, "rate limit", "too many requests", "please do not make more than"):
		return ErrorTypeRateLimit
	case containsAny(msg, "invalid api key", "invalid signature", "unauthorized", "forbidden", "nonce must be greater"):
		return ErrorTypeAuthentication
	case containsAny(msg, "connection refused", "connection reset", "no route to host", "host unreachable", "network unreachable", "no such host"):
		return ErrorTypeNetwork
	case containsAny(msg, "timeout", "deadline exceeded"):
		return ErrorTypeTimeout
	case containsAny(msg, "cannot unmarshal", "invalid character", "unexpected end of json", "malformed"):
		return ErrorTypeMalformed
	case containsAny(msg, "validation"):
		return ErrorTypeValidation
	case containsAny(msg, "internal server", "service unavailable", "bad gateway"):
		return ErrorTypeServerError
	}
	return fallback
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func severityOf(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypeAuthentication, ErrorTypeConfiguration:
		return SeverityHigh
	case ErrorTypeValidation, ErrorTypeBadRequest, ErrorTypeMalformed:
		return SeverityMedium
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeCanceled:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// isRetryable determines if an error type should be retried
func (ec *ErrorClassifier) isRetryable(errorType ErrorType) bool {
	for _, retryableType := range ec.config.GlobalRetryPolicy.RetryableErrors {
		if string(errorType) == retryableType {
			return true
		}
	}

	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeServerError, ErrorTypeMalformed:
		return true
	case ErrorTypeAuthentication, ErrorTypeBadRequest, ErrorTypeValidation,
		ErrorTypeConfiguration, ErrorTypeCanceled:
		return false
	default:
		// Unknown errors are retryable with caution
		return true
	}
}

func (ec *ErrorClassifier) updateStats(errorType ErrorType) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	stats := ec.stats[errorType]
	stats.Count++
	stats.LastSeen = time.Now()
	if stats.FirstSeen.IsZero() {
		stats.FirstSeen = stats.LastSeen
	}
	ec.stats[errorType] = stats
}

// GetStats returns a copy of the per-type error counters.
func (ec *ErrorClassifier) GetStats() map[ErrorType]ErrorStats {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	out := make(map[ErrorType]ErrorStats, len(ec.stats))
	for k, v := range ec.stats {
		out[k] = v
	}
	return out
}

// Retry executes fn until it succeeds, returns a non-retryable error, or the
// component's retry policy is exhausted.
func (ec *ErrorClassifier) Retry(ctx context.Context, component, operation string, fn func() error) error {
	policy := ec.policyFor(component)
	attempts := 0

	op := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		classified := ec.Classify(err, component, operation)
		classified.Attempts = attempts
		if !classified.Retryable {
			return backoff.Permanent(classified)
		}
		return classified
	}

	notify := func(err error, next time.Duration) {
		ec.logger.Warn("operation failed, retrying",
			"component", component,
			"operation", operation,
			"attempt", attempts,
			"max_attempts", policy.MaxAttempts,
			"retry_in", next,
			"error", err.Error())
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(NewBackOff(policy), ctx), notify); err != nil {
		ec.logger.Error("operation failed after all retries",
			"component", component,
			"operation", operation,
			"attempts", attempts,
			"error", err.Error())
		return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
	}
	return nil
}

func (ec *ErrorClassifier) policyFor(component string) config.RetryPolicyConfig {
	if policy, exists := ec.config.ComponentPolicies[component]; exists {
		return policy
	}
	return ec.config.GlobalRetryPolicy
}

// NewBackOff creates a backoff strategy from a retry policy. MaxAttempts
// counts the first attempt, so a policy of 3 allows 2 retries; zero or less
// means unlimited.
func NewBackOff(policy config.RetryPolicyConfig) backoff.BackOff {
	initialDelay := config.Duration(policy.InitialDelay, time.Second)
	maxDelay := config.Duration(policy.MaxDelay, 30*time.Second)

	var strategy backoff.BackOff
	switch policy.BackoffStrategy {
	case "fixed":
		strategy = backoff.NewConstantBackOff(initialDelay)
	case "linear":
		strategy = &LinearBackoff{interval: initialDelay, max: maxDelay}
	default:
		exponential := backoff.NewExponentialBackOff()
		exponential.InitialInterval = initialDelay
		exponential.MaxInterval = maxDelay
		exponential.MaxElapsedTime = 0
		if !policy.Jitter {
			exponential.RandomizationFactor = 0
		}
		exponential.Reset()
		strategy = exponential
	}

	if policy.Jitter && policy.BackoffStrategy != "" && policy.BackoffStrategy != "exponential" {
		strategy = &JitteredBackoff{BackOff: strategy}
	}

	if policy.MaxAttempts > 0 {
		return backoff.WithMaxRetries(strategy, uint64(policy.MaxAttempts-1))
	}
	return strategy
}

// LinearBackoff grows the delay by a fixed interval up to max.
type LinearBackoff struct {
	interval time.Duration
	max      time.Duration
	current  time.Duration
}

// NextBackOff returns the next backoff interval
func (lb *LinearBackoff) NextBackOff() time.Duration {
	lb.current += lb.interval
	if lb.current > lb.max {
		lb.current = lb.max
	}
	return lb.current
}

// Reset resets the backoff to its initial state
func (lb *LinearBackoff) Reset() {
	lb.current = 0
}

// JitteredBackoff adds up to ±10% jitter to another strategy.
type JitteredBackoff struct {
	backoff.BackOff
}

// NextBackOff returns the next backoff interval with jitter
func (jb *JitteredBackoff) NextBackOff() time.Duration {
	next := jb.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	offset := (rand.Float64()*2 - 1) * 0.1 * float64(next)
	return next + time.Duration(offset)
}
