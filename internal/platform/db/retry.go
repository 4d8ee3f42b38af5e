package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy retries storage writes with doubling backoff.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetry makes 3 attempts, sleeping 100ms then 200ms between them.
var DefaultRetry = RetryPolicy{Attempts: 3, Backoff: 100 * time.Millisecond}

// Do runs fn until it succeeds, returns a permanent error, or the attempts
// are exhausted. It returns the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff

	var err error
	for i := 1; i <= attempts; i++ {
		err = fn(ctx)
		if err == nil || !Retryable(err) || i == attempts {
			return i, err
		}
		if backoff > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return i, err
			case <-t.C:
			}
			backoff *= 2
		}
	}
	return attempts, err
}

// Retryable reports whether a failed write may succeed when repeated.
// Context cancellation, missing rows and data or constraint violations
// (SQLSTATE classes 22 and 23) are permanent.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return !strings.HasPrefix(pgErr.Code, "22") && !strings.HasPrefix(pgErr.Code, "23")
	}
	var perm permanentError
	return !errors.As(err, &perm)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do stops retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}
