package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veltmap/livedata/internal/observability"
)

type WSConfig struct {
	Config
	// Protocols are the WebSocket subprotocols offered during the
	// handshake.
	Protocols []string
	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer
}

// WSConn is the bidirectional variant: it adds Send on top of the shared
// connection machinery.
type WSConn struct {
	*conn
	dialer    *websocket.Dialer
	protocols []string

	mu sync.Mutex
	ws *websocket.Conn
}

func NewWebSocket(cfg WSConfig, logger *slog.Logger, metrics *observability.Metrics) *WSConn {
	d := cfg.Dialer
	if d == nil {
		base := *websocket.DefaultDialer
		d = &base
		d.HandshakeTimeout = 30 * time.Second
	}
	w := &WSConn{
		conn:      newConn(cfg.Config, logger, metrics),
		dialer:    d,
		protocols: cfg.Protocols,
	}
	w.conn.t = w
	return w
}

func (w *WSConn) rawFallback() bool { return true }

func (w *WSConn) dial(ctx context.Context) error {
	d := *w.dialer
	d.Subprotocols = w.protocols

	hdr := http.Header{}
	for k, v := range w.cfg.Headers {
		hdr.Set(k, v)
	}

	ws, resp, err := d.DialContext(ctx, w.cfg.URL, hdr)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket: handshake status %d: %w", resp.StatusCode, err)
		}
		return err
	}

	w.mu.Lock()
	w.ws = ws
	w.mu.Unlock()
	return nil
}

func (w *WSConn) run() {
	w.mu.Lock()
	ws := w.ws
	w.mu.Unlock()
	if ws != nil {
		go w.readLoop(ws)
	}
}

func (w *WSConn) closeTransport() {
	w.mu.Lock()
	ws := w.ws
	w.ws = nil
	w.mu.Unlock()
	if ws == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = ws.Close()
}

func (w *WSConn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			_ = ws.Close()
			w.handleTransportClose(err)
			return
		}
		w.handleFrame(data)
	}
}

// Send serializes v to JSON and transmits it. Fails synchronously when
// the connection is not established.
func (w *WSConn) Send(v any) error {
	if w.State() != StateConnected {
		return ErrNotConnected
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ws == nil {
		return ErrNotConnected
	}
	return w.ws.WriteJSON(v)
}
