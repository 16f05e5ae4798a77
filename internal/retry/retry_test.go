package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func quick(maxRetries int) Policy {
	return Policy{
		MaxRetries:    maxRetries,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	attempts := 0
	gotSuccess := 0
	v, err := Do(context.Background(), quick(3), Hooks{
		OnSuccess: func(n int) { gotSuccess = n },
	}, func(context.Context) (int, error) {
		attempts++
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("v=%d err=%v", v, err)
	}
	if attempts != 1 || gotSuccess != 1 {
		t.Fatalf("attempts=%d onSuccess=%d", attempts, gotSuccess)
	}
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	attempts := 0
	var retries []int
	gotSuccess := 0
	v, err := Do(context.Background(), quick(5), Hooks{
		OnRetry:   func(n int, _ time.Duration, _ error) { retries = append(retries, n) },
		OnSuccess: func(n int) { gotSuccess = n },
	}, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("boom")
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("v=%q err=%v", v, err)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Fatalf("retry numbers=%v want [1 2]", retries)
	}
	if gotSuccess != 3 {
		t.Fatalf("onSuccess=%d want 3", gotSuccess)
	}
}

func TestDo_ZeroRetriesSingleAttempt(t *testing.T) {
	attempts := 0
	boom := errors.New("boom")
	_, err := Do(context.Background(), quick(0), Hooks{}, func(context.Context) (int, error) {
		attempts++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v want boom", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts=%d want exactly 1", attempts)
	}
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	attempts := 0
	fatal := errors.New("fatal")
	_, err := Do(context.Background(), quick(5), Hooks{
		IsRetryable: func(err error) bool { return !errors.Is(err, fatal) },
	}, func(context.Context) (int, error) {
		attempts++
		return 0, fatal
	})
	if !errors.Is(err, fatal) || attempts != 1 {
		t.Fatalf("err=%v attempts=%d", err, attempts)
	}
}

func TestDo_BudgetExhaustedReturnsLastError(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), quick(2), Hooks{}, func(context.Context) (int, error) {
		attempts++
		return 0, errors.New("always")
	})
	if err == nil || attempts != 3 {
		t.Fatalf("err=%v attempts=%d want 3", err, attempts)
	}
}

func TestDo_CancelDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxRetries: 3, InitialDelay: 5 * time.Second, MaxDelay: 5 * time.Second, BackoffFactor: 1}
	start := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := Do(ctx, p, Hooks{}, func(context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	if err == nil {
		t.Fatal("want error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled in chain", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancellation during sleep was not prompt")
	}
}

func TestDoAfterFailure_SleepsBeforeFirstAttempt(t *testing.T) {
	var events []string
	attempts := 0
	gotSuccess := 0
	v, err := DoAfterFailure(context.Background(), quick(10), Hooks{
		OnRetry:   func(n int, _ time.Duration, _ error) { events = append(events, "retry") },
		OnSuccess: func(n int) { gotSuccess = n },
	}, errors.New("dropped"), func(context.Context) (int, error) {
		attempts++
		events = append(events, "attempt")
		return 7, nil
	})
	if err != nil || v != 7 {
		t.Fatalf("v=%d err=%v", v, err)
	}
	if len(events) != 2 || events[0] != "retry" || events[1] != "attempt" {
		t.Fatalf("events=%v want retry before attempt", events)
	}
	if gotSuccess != 2 {
		t.Fatalf("onSuccess=%d want 2 (initial failure counts)", gotSuccess)
	}
}

func TestDoAfterFailure_Exhaustion(t *testing.T) {
	attempts := 0
	_, err := DoAfterFailure(context.Background(), quick(3), Hooks{}, errors.New("seed"), func(context.Context) (int, error) {
		attempts++
		return 0, errors.New("still down")
	})
	if err == nil || attempts != 3 {
		t.Fatalf("err=%v attempts=%d want 3", err, attempts)
	}
}

func TestPolicyDelay_Backoff(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w*time.Millisecond {
			t.Fatalf("Delay(%d)=%v want %v", i+1, got, w*time.Millisecond)
		}
	}
}

func TestPolicyDelay_JitterBounds(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2, Jitter: true, JitterFactor: 0.25}
	for range 200 {
		d := p.Delay(1)
		if d < 75*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("jittered delay %v outside [75ms,125ms]", d)
		}
	}
}
