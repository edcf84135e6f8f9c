package engine

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
	ErrCircuitOpen = errors.New("task skipped: circuit breaker open")
)

// NoRetry marks err as permanent: the task fails on this attempt and the
// circuit breaker ignores it. A thread whose trigger is not ready yet is the
// typical case.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &noRetryError{err: err}
}

// IsNoRetry reports whether err carries a NoRetry mark.
func IsNoRetry(err error) bool {
	var nr *noRetryError
	return errors.As(err, &nr)
}

type noRetryError struct{ err error }

func (e *noRetryError) Error() string { return "no-retry: " + e.err.Error() }
func (e *noRetryError) Unwrap() error { return e.err }

// RetryAfter asks for the next attempt after d (capped by RetryMaxDelay,
// jitter still applied).
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryAfterError{err: err, after: max(d, 0)}
}

// RetryAfterError is implemented by errors that carry their own delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("retry-after(%s): %v", e.after, e.err)
}
func (e *retryAfterError) Unwrap() error             { return e.err }
func (e *retryAfterError) RetryAfter() time.Duration { return e.after }

// outcome classifies a finished attempt.
type outcome int

const (
	attemptOK outcome = iota
	attemptRetry
	attemptPermanent
)

// classify strips a NoRetry mark and reports what the worker should do.
func classify(err error) (outcome, error) {
	var nr *noRetryError
	switch {
	case err == nil:
		return attemptOK, nil
	case errors.As(err, &nr):
		return attemptPermanent, nr.err
	default:
		return attemptRetry, err
	}
}

// backoff is the un-jittered delay before retry n (1-based):
// RetryBase doubled per retry, capped at RetryMaxDelay. A RetryAfter hint
// replaces the exponential step.
func backoff(opt TaskOptions, n int, err error) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return min(ra.RetryAfter(), opt.RetryMaxDelay)
	}
	d := opt.RetryBase
	for i := 1; i < n && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	return min(d, opt.RetryMaxDelay)
}

// retryDelay is backoff with +/- RetryJitter applied.
func retryDelay(opt TaskOptions, n int, err error) time.Duration {
	d := backoff(opt, n, err)
	if opt.RetryJitter > 0 && d > 0 {
		d = time.Duration(float64(d) * (1 + (rand.Float64()*2-1)*opt.RetryJitter))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
