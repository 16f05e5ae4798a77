package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veltmap/livedata/internal/observability"
	"github.com/veltmap/livedata/internal/retry"
)

var (
	ErrAlreadyConnected = errors.New("stream: already connected or connecting")
	ErrNotConnected     = errors.New("stream: not connected")
	ErrClosed           = errors.New("stream: connection closed")
)

// DefaultReconnectPolicy is the reconnection schedule used unless the
// configuration overrides it.
func DefaultReconnectPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:    10,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		Jitter:        true,
		JitterFactor:  0.25,
	}
}

type Config struct {
	URL string
	// Reconnect engages automatic reconnection after a non-manual drop of
	// an established connection.
	Reconnect bool
	// Retry overrides the reconnection schedule; zero uses the default.
	Retry   retry.Policy
	Headers map[string]string
}

// transport is the per-variant surface: establishing the channel (which
// must start its own read loop) and tearing it down. rawFallback selects
// the unparseable-frame behavior (§4.6: WebSocket passes the raw text
// through, SSE reports an error).
type transport interface {
	// dial establishes the channel without consuming it.
	dial(ctx context.Context) error
	// run starts the read loop for the channel dial established. Kept
	// separate so connect/state_change are emitted before any message.
	run()
	closeTransport()
	rawFallback() bool
}

// conn is the shared half of every stream connection: state machine,
// event emission, frame handling and the reconnect driver. Variants
// embed it and provide the transport.
type conn struct {
	emitter

	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	t       transport

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu            sync.Mutex
	state         State
	manual        bool
	everConnected bool
	closed        bool
}

func newConn(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *conn {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = DefaultReconnectPolicy()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		lifeCtx:    ctx,
		lifeCancel: cancel,
		state:      StateDisconnected,
	}
}

func (c *conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState walks one state-machine edge and emits state_change before
// any event that depends on the new state.
func (c *conn) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	c.emit(Event{Type: EventStateChange, From: from, To: to})
}

// Connect performs the initial handshake. An initial failure returns to
// disconnected without any reconnection attempt.
func (c *conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected && c.state != StateFailed {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.manual = false
	c.mu.Unlock()

	c.setState(StateConnecting)
	if err := c.t.dial(ctx); err != nil {
		c.setState(StateDisconnected)
		c.emit(Event{Type: EventError, Err: err})
		return fmt.Errorf("stream: connect %s: %w", c.cfg.URL, err)
	}
	if c.markConnected() {
		c.t.run()
	}
	return nil
}

// markConnected finalizes a successful handshake. It reports false when
// the connection was closed while the handshake was in flight, in which
// case the transport is torn down and the read loop must not start.
func (c *conn) markConnected() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.t.closeTransport()
		return false
	}
	c.everConnected = true
	c.manual = false
	c.mu.Unlock()
	c.setState(StateConnected)
	c.emit(Event{Type: EventConnect})
	return true
}

// Close is the manual disconnect: it suppresses reconnection and tears
// down the transport and any reconnect loop in flight.
func (c *conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.manual = true
	st := c.state
	c.mu.Unlock()

	c.lifeCancel()
	if st == StateConnected {
		c.t.closeTransport()
		return // the read loop finishes the disconnect bookkeeping
	}
	if st != StateDisconnected {
		c.setState(StateDisconnected)
	}
}

// handleFrame parses one transport frame as JSON and emits a message
// event. Unparseable frames fall back per variant: raw text for
// WebSocket, an error event for SSE. The connection stays up either way.
func (c *conn) handleFrame(data []byte) {
	if json.Valid(data) {
		raw := make([]byte, len(data))
		copy(raw, data)
		c.emit(Event{Type: EventMessage, Data: json.RawMessage(raw)})
		return
	}
	if c.t.rawFallback() {
		c.emit(Event{Type: EventMessage, Data: string(data)})
		return
	}
	c.emit(Event{Type: EventError, Err: fmt.Errorf("stream: non-JSON frame (%d bytes)", len(data))})
}

// handleTransportClose runs when the read loop observes the channel
// closing, whether manually or by fault.
func (c *conn) handleTransportClose(cause error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	manual := c.manual
	everConnected := c.everConnected
	c.mu.Unlock()

	c.setState(StateDisconnected)
	reason := "transport closed"
	if manual {
		reason = "manual"
	}
	c.emit(Event{Type: EventDisconnect, Reason: reason})

	if manual || !c.cfg.Reconnect || !everConnected {
		return
	}
	if cause == nil {
		cause = errors.New("stream: transport closed")
	}
	go c.reconnectLoop(cause)
}

// reconnectLoop drives the retry executor through the
// reconnecting→connecting edges until a dial succeeds or the budget is
// exhausted. The triggering failure counts as the first attempt, so the
// backoff sleep precedes the first re-dial.
func (c *conn) reconnectLoop(cause error) {
	c.setState(StateReconnecting)

	lastAttempt := 0
	started := false
	_, err := retry.DoAfterFailure(c.lifeCtx, c.cfg.Retry, retry.Hooks{
		OnRetry: func(n int, delay time.Duration, err error) {
			lastAttempt = n
			c.metrics.StreamReconnect()
			c.logger.Debug("stream reconnecting",
				"url", c.cfg.URL, "attempt", n, "delay", delay, "err", err)
			c.emit(Event{Type: EventReconnecting, Attempt: n, Delay: delay, Err: err})
		},
	}, cause, func(ctx context.Context) (struct{}, error) {
		c.setState(StateConnecting)
		if err := c.t.dial(ctx); err != nil {
			c.setState(StateReconnecting)
			return struct{}{}, err
		}
		// the read loop starts only after reconnected is emitted, so no
		// frame from the new channel can precede it
		started = c.markConnected()
		return struct{}{}, nil
	})
	if err == nil {
		c.emit(Event{Type: EventReconnected, Attempts: lastAttempt + 1})
		if started {
			c.t.run()
		}
		return
	}
	if c.lifeCtx.Err() != nil {
		// manual close while waiting; no failure to report
		c.setState(StateDisconnected)
		return
	}
	c.setState(StateFailed)
	c.logger.Warn("stream reconnect exhausted", "url", c.cfg.URL, "attempts", lastAttempt, "err", err)
	c.emit(Event{Type: EventFailed, Attempts: lastAttempt, Err: err})
}
