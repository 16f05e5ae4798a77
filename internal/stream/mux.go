package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veltmap/livedata/internal/geojson"
	"github.com/veltmap/livedata/internal/observability"
	"github.com/veltmap/livedata/internal/retry"
)

type Transport string

const (
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
)

var (
	ErrDuplicateID  = errors.New("stream: subscription id already exists")
	ErrUnknownID    = errors.New("stream: unknown subscription")
	ErrNotWebSocket = errors.New("stream: subscription is not a websocket")
	ErrBadTransport = errors.New("stream: unknown transport")
	ErrMuxDestroyed = errors.New("stream: multiplexer destroyed")
)

// SubOptions configures one multiplexed subscription.
type SubOptions struct {
	Transport Transport
	URL       string
	Reconnect bool
	Retry     retry.Policy
	Headers   map[string]string

	// EventTypes applies to SSE, Protocols to WebSocket.
	EventTypes []string
	Protocols  []string

	// OnData receives each frame that validates as a FeatureCollection;
	// invalid frames go to OnError. OnStateChange follows the connection
	// state machine.
	OnData        func(*geojson.FeatureCollection)
	OnError       func(error)
	OnStateChange func(from, to State)

	// test seams
	SSEClient *http.Client
	WSDialer  *websocket.Dialer
}

// SubState is the per-subscription bookkeeping exposed to callers.
type SubState struct {
	ConnectionState   State
	MessageCount      int
	LastMessageAt     time.Time
	ReconnectAttempts int
}

type connection interface {
	Connect(ctx context.Context) error
	Close()
	State() State
	On(t EventType, fn Handler) func()
}

type muxEntry struct {
	conn connection
	ws   *WSConn // nil for SSE

	mu    sync.Mutex
	state SubState
}

// Mux owns a named collection of stream connections, validating every
// frame as a FeatureCollection before it reaches the subscriber.
type Mux struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	subs      map[string]*muxEntry
	destroyed bool

	now func() time.Time // for tests
}

func NewMux(logger *slog.Logger, metrics *observability.Metrics) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		logger:  logger,
		metrics: metrics,
		subs:    map[string]*muxEntry{},
		now:     time.Now,
	}
}

// Connect registers id and establishes its connection. The id is freed
// again when the initial handshake fails.
func (m *Mux) Connect(ctx context.Context, id string, opts SubOptions) error {
	base := Config{URL: opts.URL, Reconnect: opts.Reconnect, Retry: opts.Retry, Headers: opts.Headers}

	var entry *muxEntry
	switch opts.Transport {
	case TransportSSE:
		c := NewSSE(SSEConfig{Config: base, EventTypes: opts.EventTypes, Client: opts.SSEClient}, m.logger, m.metrics)
		entry = &muxEntry{conn: c}
	case TransportWebSocket:
		c := NewWebSocket(WSConfig{Config: base, Protocols: opts.Protocols, Dialer: opts.WSDialer}, m.logger, m.metrics)
		entry = &muxEntry{conn: c, ws: c}
	default:
		return fmt.Errorf("%w: %q", ErrBadTransport, opts.Transport)
	}
	entry.state.ConnectionState = StateDisconnected

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		entry.conn.Close()
		return ErrMuxDestroyed
	}
	if _, exists := m.subs[id]; exists {
		m.mu.Unlock()
		entry.conn.Close()
		return fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}
	m.subs[id] = entry
	m.mu.Unlock()

	m.wire(id, entry, opts)

	if err := entry.conn.Connect(ctx); err != nil {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		entry.conn.Close()
		return err
	}
	m.logger.Debug("stream subscription connected", "id", id, "transport", string(opts.Transport), "url", opts.URL)
	return nil
}

// wire attaches the validation and bookkeeping handlers.
func (m *Mux) wire(id string, e *muxEntry, opts SubOptions) {
	e.conn.On(EventMessage, func(ev Event) {
		e.mu.Lock()
		e.state.MessageCount++
		e.state.LastMessageAt = m.now()
		e.mu.Unlock()

		fc, err := geojson.DecodeValue(ev.Data)
		if err != nil {
			m.metrics.StreamMessage(false)
			m.logger.Debug("stream frame rejected", "id", id, "err", err)
			if opts.OnError != nil {
				opts.OnError(err)
			}
			return
		}
		m.metrics.StreamMessage(true)
		if opts.OnData != nil {
			opts.OnData(fc)
		}
	})
	e.conn.On(EventError, func(ev Event) {
		if opts.OnError != nil {
			opts.OnError(ev.Err)
		}
	})
	e.conn.On(EventStateChange, func(ev Event) {
		e.mu.Lock()
		e.state.ConnectionState = ev.To
		e.mu.Unlock()
		if opts.OnStateChange != nil {
			opts.OnStateChange(ev.From, ev.To)
		}
	})
	e.conn.On(EventReconnecting, func(Event) {
		e.mu.Lock()
		e.state.ReconnectAttempts++
		e.mu.Unlock()
	})
	e.conn.On(EventReconnected, func(Event) {
		e.mu.Lock()
		e.state.ReconnectAttempts = 0
		e.mu.Unlock()
	})
}

// Send transmits on a websocket subscription.
func (m *Mux) Send(id string, v any) error {
	m.mu.Lock()
	e, ok := m.subs[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownID, id)
	}
	if e.ws == nil {
		return fmt.Errorf("%w: %q", ErrNotWebSocket, id)
	}
	return e.ws.Send(v)
}

func (m *Mux) Disconnect(id string) {
	m.mu.Lock()
	e, ok := m.subs[id]
	delete(m.subs, id)
	m.mu.Unlock()
	if ok {
		e.conn.Close()
		m.logger.Debug("stream subscription disconnected", "id", id)
	}
}

func (m *Mux) DisconnectAll() {
	m.mu.Lock()
	entries := make([]*muxEntry, 0, len(m.subs))
	for _, e := range m.subs {
		entries = append(entries, e)
	}
	m.subs = map[string]*muxEntry{}
	m.mu.Unlock()
	for _, e := range entries {
		e.conn.Close()
	}
}

func (m *Mux) Destroy() {
	m.mu.Lock()
	m.destroyed = true
	m.mu.Unlock()
	m.DisconnectAll()
}

func (m *Mux) State(id string) (State, bool) {
	m.mu.Lock()
	e, ok := m.subs[id]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	return e.conn.State(), true
}

func (m *Mux) IsConnected(id string) bool {
	st, ok := m.State(id)
	return ok && st == StateConnected
}

func (m *Mux) Stats(id string) (SubState, bool) {
	m.mu.Lock()
	e, ok := m.subs[id]
	m.mu.Unlock()
	if !ok {
		return SubState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state
	st.ConnectionState = e.conn.State()
	return st, true
}

func (m *Mux) ActiveIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
