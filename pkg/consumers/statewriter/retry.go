package statewriter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL SQLSTATE codes for transient errors that should be retried.
const (
	sqlstateDeadlockDetected    = "40P01" // Deadlock detected
	sqlstateSerializationFailed = "40001" // Serialization failure
	sqlstateInternalError       = "XX000" // Internal error
	sqlstateStatementTimeout    = "57014" // Statement timeout
)

// Default configuration for the history write retry logic.
const (
	defaultMaxRetryAttempts  = 3
	defaultDeadlockBackoffMs = 500
	defaultBaseBackoffMs     = 150
	maxRetryAttemptsEnv      = "STATE_WRITER_MAX_RETRY_ATTEMPTS"
	deadlockBackoffMsEnv     = "STATE_WRITER_DEADLOCK_BACKOFF_MS"
)

// Retry counters, kept as atomics for thread-safe access.
//
//nolint:gochecknoglobals // metrics require package-level state
var (
	retryTotal        int64
	retrySuccessTotal int64
)

// classifyPostgresError checks if an error is a transient PostgreSQL error
// that can be retried. Returns the SQLSTATE code and whether it is transient.
func classifyPostgresError(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateDeadlockDetected, sqlstateSerializationFailed,
			sqlstateInternalError, sqlstateStatementTimeout:
			return pgErr.Code, true
		}

		return pgErr.Code, false
	}

	// Fallback to string matching for wrapped errors
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "40p01"), strings.Contains(msg, "deadlock detected"):
		return sqlstateDeadlockDetected, true
	case strings.Contains(msg, "40001"), strings.Contains(msg, "could not serialize access"):
		return sqlstateSerializationFailed, true
	case strings.Contains(msg, "xx000"), strings.Contains(msg, "internal error"):
		return sqlstateInternalError, true
	case strings.Contains(msg, "57014"), strings.Contains(msg, "statement timeout"):
		return sqlstateStatementTimeout, true
	default:
		return "", false
	}
}

// backoffDelay calculates the wait before a retry attempt: exponential with
// randomized jitter to break lock acquisition synchronization.
func backoffDelay(attempt int, sqlstate string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// Deadlocks and serialization failures get a longer base backoff
	var baseBackoff time.Duration

	switch sqlstate {
	case sqlstateDeadlockDetected, sqlstateSerializationFailed:
		baseBackoff = time.Duration(getDeadlockBackoffMs()) * time.Millisecond
	default:
		baseBackoff = time.Duration(defaultBaseBackoffMs) * time.Millisecond
	}

	backoff := baseBackoff * time.Duration(1<<(attempt-1))

	jitterMax := int64(baseBackoff)
	jitterNanos := time.Now().UnixNano() % jitterMax

	return backoff + time.Duration(jitterNanos)
}

// sendBatchWithRetry sends a batch with automatic retry for transient
// errors.
func (p *Processor) sendBatchWithRetry(ctx context.Context, batch *pgx.Batch, name string) error {
	maxAttempts := getMaxRetryAttempts()

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := p.sendBatch(ctx, batch, name)
		if err == nil {
			if attempt > 1 {
				atomic.AddInt64(&retrySuccessTotal, 1)
			}

			return nil
		}

		lastErr = err
		code, transient := classifyPostgresError(err)

		if transient && attempt < maxAttempts {
			atomic.AddInt64(&retryTotal, 1)

			delay := backoffDelay(attempt, code)
			p.logger.Warn().
				Err(err).
				Str("sqlstate", code).
				Str("batch_name", name).
				Int("attempt", attempt).
				Int("max_attempts", maxAttempts).
				Dur("backoff", delay).
				Msg("Transient database error, retrying")
			time.Sleep(delay)

			continue
		}

		p.logger.Error().
			Err(err).
			Str("sqlstate", code).
			Str("batch_name", name).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Msg("History batch failed")

		return err
	}

	return lastErr
}

// sendBatch is the low-level batch sender without retry logic.
func (p *Processor) sendBatch(ctx context.Context, batch *pgx.Batch, name string) (err error) {
	br := p.pool.SendBatch(ctx, batch)

	defer func() {
		if closeErr := br.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("%s batch close: %w", name, closeErr)
		}
	}()

	for i := 0; i < batch.Len(); i++ {
		if _, err = br.Exec(); err != nil {
			return fmt.Errorf("%s insert (command %d): %w", name, i, err)
		}
	}

	return nil
}

// getMaxRetryAttempts returns the configured max retry attempts.
func getMaxRetryAttempts() int {
	val := strings.TrimSpace(os.Getenv(maxRetryAttemptsEnv))
	if val == "" {
		return defaultMaxRetryAttempts
	}

	parsed, err := strconv.Atoi(val)
	if err != nil || parsed <= 0 {
		return defaultMaxRetryAttempts
	}

	return parsed
}

// getDeadlockBackoffMs returns the configured deadlock backoff in
// milliseconds.
func getDeadlockBackoffMs() int {
	val := strings.TrimSpace(os.Getenv(deadlockBackoffMsEnv))
	if val == "" {
		return defaultDeadlockBackoffMs
	}

	parsed, err := strconv.Atoi(val)
	if err != nil || parsed <= 0 {
		return defaultDeadlockBackoffMs
	}

	return parsed
}
