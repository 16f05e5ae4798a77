package stream

import (
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/veltmap/livedata/internal/retry"
)

// recorder captures the full event sequence of a connection.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) attach(c interface {
	On(t EventType, fn Handler) func()
}) {
	for _, t := range []EventType{
		EventConnect, EventDisconnect, EventMessage, EventError,
		EventReconnecting, EventReconnected, EventFailed, EventStateChange,
	} {
		c.On(t, func(ev Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		})
	}
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// trace renders the sequence compactly for order assertions.
func (r *recorder) trace() []string {
	var out []string
	for _, ev := range r.snapshot() {
		switch ev.Type {
		case EventStateChange:
			out = append(out, fmt.Sprintf("sc:%s>%s", ev.From, ev.To))
		case EventReconnecting:
			out = append(out, fmt.Sprintf("reconnecting:%d", ev.Attempt))
		case EventReconnected:
			out = append(out, fmt.Sprintf("reconnected:%d", ev.Attempts))
		default:
			out = append(out, string(ev.Type))
		}
	}
	return out
}

func (r *recorder) count(t EventType) int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func fastPolicy(retries int) retry.Policy {
	return retry.Policy{
		MaxRetries:    retries,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      50 * time.Millisecond,
		BackoffFactor: 2,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func prefixEqual(got, want []string) bool {
	if len(got) < len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// sseFlush writes one SSE frame and flushes.
func sseFlush(w http.ResponseWriter, frame string) {
	_, _ = fmt.Fprint(w, frame)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
