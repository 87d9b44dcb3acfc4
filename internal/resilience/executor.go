// Package resilience runs calls to external capabilities under a bounded
// concurrency limit, a client-side rate limit, a per-attempt timeout and
// jittered exponential retry.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	defaultBaseBackoff = 200 * time.Millisecond
	defaultMaxBackoff  = 5 * time.Second
	defaultJitter      = 50 * time.Millisecond
)

// Policy configures an Executor. Zero values disable the matching limit.
type Policy struct {
	// Timeout bounds each attempt.
	Timeout time.Duration
	// MaxConcurrency bounds in-flight calls.
	MaxConcurrency int
	// RequestsPerSecond bounds the attempt start rate.
	RequestsPerSecond float64
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries  uint64
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Executor applies a Policy. Safe for concurrent use.
type Executor struct {
	policy  Policy
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// New creates an Executor for p.
func New(p Policy) *Executor {
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = defaultBaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	e := &Executor{policy: p}
	if p.MaxConcurrency > 0 {
		e.sem = semaphore.NewWeighted(int64(p.MaxConcurrency))
	}
	if p.RequestsPerSecond > 0 {
		burst := max(1, int(p.RequestsPerSecond))
		e.limiter = rate.NewLimiter(rate.Limit(p.RequestsPerSecond), burst)
	}
	return e
}

// Policy returns the effective policy.
func (e *Executor) Policy() Policy { return e.policy }

// Do runs fn until it succeeds, returns an error that retryable rejects, or
// the retry budget is spent. The last error is returned unwrapped.
func (e *Executor) Do(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer e.sem.Release(1)
	}

	backoff := retry.NewExponential(e.policy.BaseBackoff)
	backoff = retry.WithCappedDuration(e.policy.MaxBackoff, backoff)
	backoff = retry.WithJitter(defaultJitter, backoff)
	backoff = retry.WithMaxRetries(e.policy.MaxRetries, backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		err := e.attempt(ctx, fn)
		if err != nil && retryable != nil && retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (e *Executor) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.policy.Timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, e.policy.Timeout)
	defer cancel()
	err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &AttemptTimeoutError{Timeout: e.policy.Timeout, Err: err}
	}
	return err
}

// AttemptTimeoutError reports that a single attempt exceeded Policy.Timeout
// while the caller's context was still live.
type AttemptTimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *AttemptTimeoutError) Error() string {
	return "attempt timed out after " + e.Timeout.String() + ": " + e.Err.Error()
}

func (e *AttemptTimeoutError) Unwrap() error { return e.Err }

// IsAttemptTimeout reports whether err came from an expired attempt.
func IsAttemptTimeout(err error) bool {
	var te *AttemptTimeoutError
	return errors.As(err, &te)
}
