package unifiedllm

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Verdict is a classifier's decision about a failed attempt: retry after a
// delay, or give up immediately.
type Verdict struct {
	retry bool
	delay time.Duration
}

// RetryAfter retries the operation after d.
func RetryAfter(d time.Duration) Verdict {
	return Verdict{retry: true, delay: d}
}

// FailFast stops retrying and surfaces the error as is.
func FailFast() Verdict {
	return Verdict{}
}

// Retry reports whether the verdict allows another attempt.
func (v Verdict) Retry() bool { return v.retry }

// Delay is the wait before the next attempt.
func (v Verdict) Delay() time.Duration { return v.delay }

// AttemptPolicy configures Attempt.
type AttemptPolicy struct {
	MaxAttempts int // total attempts including the first; values below 1 mean 1
	// Classify decides what to do after a failed attempt. Nil retries
	// everything IsRetryable accepts after one second.
	Classify func(err error, attempt int) Verdict
	// OnRetry is called before each wait with the same 0-based index Classify
	// saw for the failed attempt.
	OnRetry func(err error, attempt int, delay time.Duration)
	// Timer drives the waits between attempts. Nil uses real time.
	Timer backoff.Timer
}

// ExhaustedError is returned when every allowed attempt failed with a
// retryable verdict.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

type attemptKey struct{}

// AttemptFromContext returns the 0-based index of the Attempt call ctx was
// derived from. Outside Attempt it returns 0.
func AttemptFromContext(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}

// verdictBackOff hands the classifier's latest delay to the backoff loop.
// Attempt sets next to backoff.Stop once the attempt budget is spent.
type verdictBackOff struct {
	next time.Duration
}

func (b *verdictBackOff) NextBackOff() time.Duration { return b.next }
func (b *verdictBackOff) Reset()                     { b.next = 0 }

// Attempt runs fn until it succeeds, the classifier fails fast, or
// MaxAttempts is reached. It returns the result, the number of attempts made
// and, on failure, either the fail-fast error, an *ExhaustedError, or the
// context error if ctx ended while waiting.
func Attempt[T any](ctx context.Context, p AttemptPolicy, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	classify := p.Classify
	if classify == nil {
		classify = classifyRetryable
	}

	schedule := &verdictBackOff{}
	b := backoff.WithContext(schedule, ctx)

	var (
		result   T
		attempts int
		attempt  int
		lastErr  error
		stopped  bool
	)
	op := func() error {
		attempt = attempts
		attempts++
		v, err := fn(context.WithValue(ctx, attemptKey{}, attempt), attempt)
		if err == nil {
			result = v
			return nil
		}
		lastErr = err
		verdict := classify(err, attempt)
		if !verdict.Retry() {
			stopped = true
			return backoff.Permanent(err)
		}
		if attempts >= maxAttempts {
			schedule.next = backoff.Stop
		} else {
			schedule.next = verdict.Delay()
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(err, attempt, delay)
		}
	}

	err := backoff.RetryNotifyWithTimer(op, b, notify, p.Timer)
	if err == nil {
		return result, attempts, nil
	}

	var zero T
	switch {
	case stopped:
		return zero, attempts, lastErr
	case attempts >= maxAttempts:
		return zero, attempts, &ExhaustedError{Attempts: attempts, Err: lastErr}
	default:
		return zero, attempts, err
	}
}

func classifyRetryable(err error, _ int) Verdict {
	if IsRetryable(err) {
		return RetryAfter(time.Second)
	}
	return FailFast()
}
