// Package resilience wraps single logical database operations with a
// per-attempt timeout and bounded retry-with-backoff. Only transient backend
// failures are retried; logical errors surface immediately. Operations that
// span multiple statements must already be a single transaction before they
// reach the executor, so a retried attempt re-runs the whole atomic unit.
package resilience

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultAttemptTimeout = 5 * time.Second
	defaultMaxRetries     = 3
	defaultBaseDelay      = 100 * time.Millisecond
)

var noOpLogger = zap.NewNop()

// UnavailableError reports that an operation exhausted its retry budget. It
// wraps the last failure observed.
type UnavailableError struct {
	Operation string
	Err       error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: backend unavailable after retries: %v", e.Operation, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err is a retry-exhaustion failure.
func IsUnavailable(err error) bool {
	var unavailable *UnavailableError
	return errors.As(err, &unavailable)
}

// ExecutorConfig describes the retry policy applied to backend operations.
type ExecutorConfig struct {
	AttemptTimeout time.Duration
	MaxRetries     int
	BaseDelay      time.Duration
	Logger         *zap.Logger
}

// Executor applies a fixed per-attempt timeout and retries transient failures
// with exponential backoff (BaseDelay doubled per attempt).
type Executor struct {
	attemptTimeout time.Duration
	maxRetries     uint64
	baseDelay      time.Duration
	logger         *zap.Logger
}

// NewExecutor constructs an Executor. Non-positive durations and a nil logger
// fall back to defaults. MaxRetries below zero falls back to the default
// budget; an explicit zero disables retries, so each call makes exactly one
// attempt.
func NewExecutor(cfg ExecutorConfig) *Executor {
	attemptTimeout := cfg.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Executor{
		attemptTimeout: attemptTimeout,
		maxRetries:     uint64(maxRetries),
		baseDelay:      baseDelay,
		logger:         logger,
	}
}

// Execute runs fn under the retry policy. fn receives a context bounded by the
// per-attempt timeout. A timed-out attempt is treated as failed, never as
// partially committed; write-path callers must pass a single transaction.
func (e *Executor) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	attempt := 0
	backoff := retry.WithMaxRetries(e.maxRetries, retry.NewExponential(e.baseDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
		defer cancel()

		attempt++
		attemptErr := fn(attemptCtx)
		if attemptErr == nil {
			return nil
		}
		if !Transient(attemptErr) {
			return attemptErr
		}

		e.logger.Warn("transient backend failure",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(attemptErr))
		return retry.RetryableError(attemptErr)
	})
	if err == nil {
		return nil
	}
	if Transient(err) {
		return &UnavailableError{Operation: operation, Err: err}
	}
	return err
}

// Transient classifies err as retryable: timeouts, dropped connections and
// sqlite lock contention. Constraint and logical errors are terminal.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "database table is locked") ||
		strings.Contains(message, "connection refused") ||
		strings.Contains(message, "connection reset")
}
