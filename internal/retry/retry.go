// Package retry runs fallible operations with bounded retries,
// exponential backoff and jitter.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

type Policy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
	JitterFactor  float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		Jitter:        true,
		JitterFactor:  0.25,
	}
}

// Delay returns the sleep before retry n (1-based): the nominal
// exponential backoff, jittered when enabled, clamped to non-negative.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	nominal := float64(p.InitialDelay)
	for i := 1; i < n; i++ {
		nominal *= p.BackoffFactor
		if nominal >= float64(p.MaxDelay) {
			break
		}
	}
	if nominal > float64(p.MaxDelay) {
		nominal = float64(p.MaxDelay)
	}
	if !p.Jitter {
		return time.Duration(nominal)
	}
	lo := nominal * (1 - p.JitterFactor)
	hi := nominal * (1 + p.JitterFactor)
	d := lo + rand.Float64()*(hi-lo)
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

type Hooks struct {
	// OnRetry fires before each retry sleep with the 1-based retry number.
	OnRetry func(attempt int, delay time.Duration, err error)
	// OnSuccess reports the total attempts made, including the final one.
	OnSuccess func(attempts int)
	// IsRetryable gates retries per error; nil retries everything.
	IsRetryable func(error) bool
}

// Do runs op until it succeeds, the error is not retryable, the retry
// budget is exhausted, or ctx is cancelled. MaxRetries == 0 means exactly
// one attempt.
func Do[T any](ctx context.Context, p Policy, h Hooks, op func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry: cancelled: %w", err)
		}
		attempts++
		v, err := op(ctx)
		if err == nil {
			if h.OnSuccess != nil {
				h.OnSuccess(attempts)
			}
			return v, nil
		}
		retryNum := attempts // next retry's 1-based number
		if retryNum > p.MaxRetries {
			return zero, err
		}
		if ctx.Err() != nil {
			// cancellation short-circuits the retry path
			return zero, err
		}
		if h.IsRetryable != nil && !h.IsRetryable(err) {
			return zero, err
		}
		delay := p.Delay(retryNum)
		if h.OnRetry != nil {
			h.OnRetry(retryNum, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

// DoAfterFailure resumes retrying after a failure that already happened:
// the first op call is preceded by a full backoff sleep and an OnRetry for
// lastErr. Attempt accounting treats the prior failure as attempt one, so
// OnSuccess on the first successful re-attempt reports 2.
func DoAfterFailure[T any](ctx context.Context, p Policy, h Hooks, lastErr error, op func(context.Context) (T, error)) (T, error) {
	var zero T
	err := lastErr
	for n := 1; n <= p.MaxRetries; n++ {
		if h.IsRetryable != nil && !h.IsRetryable(err) {
			return zero, err
		}
		delay := p.Delay(n)
		if h.OnRetry != nil {
			h.OnRetry(n, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return zero, serr
		}
		var v T
		v, err = op(ctx)
		if err == nil {
			if h.OnSuccess != nil {
				h.OnSuccess(n + 1)
			}
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
	}
	return zero, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry: cancelled during backoff: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
