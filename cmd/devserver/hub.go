package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// hub fans the origin's updates out to SSE and WebSocket clients.
// Slow clients are dropped rather than allowed to block the broadcast.
type hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	seq     uint64
	sse     map[chan sseFrame]struct{}
	sockets map[*websocket.Conn]struct{}
}

type sseFrame struct {
	id   uint64
	body []byte
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		logger:  logger,
		sse:     map[chan sseFrame]struct{}{},
		sockets: map[*websocket.Conn]struct{}{},
	}
}

func (h *hub) broadcast(body []byte) {
	h.mu.Lock()
	h.seq++
	frame := sseFrame{id: h.seq, body: body}
	var dropped []chan sseFrame
	for ch := range h.sse {
		select {
		case ch <- frame:
		default:
			dropped = append(dropped, ch)
		}
	}
	for _, ch := range dropped {
		delete(h.sse, ch)
		close(ch)
	}
	sockets := make([]*websocket.Conn, 0, len(h.sockets))
	for ws := range h.sockets {
		sockets = append(sockets, ws)
	}
	h.mu.Unlock()

	for _, ws := range sockets {
		_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := ws.WriteMessage(websocket.TextMessage, body); err != nil {
			h.removeSocket(ws)
		}
	}
}

func (h *hub) subscribeSSE() chan sseFrame {
	ch := make(chan sseFrame, 8)
	h.mu.Lock()
	h.sse[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribeSSE(ch chan sseFrame) {
	h.mu.Lock()
	if _, ok := h.sse[ch]; ok {
		delete(h.sse, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *hub) addSocket(ws *websocket.Conn) {
	h.mu.Lock()
	h.sockets[ws] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) removeSocket(ws *websocket.Conn) {
	h.mu.Lock()
	delete(h.sockets, ws)
	h.mu.Unlock()
	_ = ws.Close()
}

// handleSSE streams updates as "update" events until the client leaves.
func (h *hub) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ch := h.subscribeSSE()
	defer h.unsubscribeSSE(ch)

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case frame, open := <-ch:
			if !open {
				return
			}
			_, _ = fmt.Fprintf(w, "id: %d\nevent: update\ndata: %s\n\n", frame.id, frame.body)
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWS upgrades and keeps the socket registered until it closes.
func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	h.addSocket(ws)
	go func() {
		defer h.removeSocket(ws)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
