package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/veltmap/livedata/internal/httpclient"
	"github.com/veltmap/livedata/internal/observability"
)

type SSEConfig struct {
	Config
	// EventTypes filters which named events dispatch messages.
	// Default ["message"], the unnamed-event type.
	EventTypes []string
	// Client overrides the streaming HTTP client, mainly for tests.
	Client *http.Client
}

// SSEConn subscribes to a server-sent event stream. The wire grammar is
// parsed by hand; reconnection and the state machine live in the shared
// conn so both variants behave identically.
type SSEConn struct {
	*conn
	client *http.Client
	types  map[string]struct{}

	mu          sync.Mutex
	body        io.ReadCloser
	lastEventID string
}

func NewSSE(cfg SSEConfig, logger *slog.Logger, metrics *observability.Metrics) *SSEConn {
	client := cfg.Client
	if client == nil {
		client = httpclient.NewStreaming()
	}
	if len(cfg.EventTypes) == 0 {
		cfg.EventTypes = []string{"message"}
	}
	types := make(map[string]struct{}, len(cfg.EventTypes))
	for _, t := range cfg.EventTypes {
		types[t] = struct{}{}
	}
	s := &SSEConn{
		conn:   newConn(cfg.Config, logger, metrics),
		client: client,
		types:  types,
	}
	s.conn.t = s
	return s
}

// LastEventID reports the most recent event id observed on the stream.
func (s *SSEConn) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

func (s *SSEConn) rawFallback() bool { return false }

// dial opens the event stream. The response body is read under the
// connection's lifetime context so a manual close unblocks it; ctx only
// bounds the handshake.
func (s *SSEConn) dial(ctx context.Context) error {
	req, err := http.NewRequestWithContext(s.lifeCtx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	s.mu.Lock()
	if s.lastEventID != "" {
		req.Header.Set("Last-Event-ID", s.lastEventID)
	}
	s.mu.Unlock()
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	type dialResult struct {
		resp *http.Response
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		resp, err := s.client.Do(req)
		ch <- dialResult{resp, err}
	}()

	var resp *http.Response
	select {
	case <-ctx.Done():
		// abandon the handshake; the response, if any, is drained below
		go func() {
			if r := <-ch; r.resp != nil {
				_ = r.resp.Body.Close()
			}
		}()
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		resp = r.resp
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return fmt.Errorf("sse: http status %d", resp.StatusCode)
	}

	s.mu.Lock()
	s.body = resp.Body
	s.mu.Unlock()
	return nil
}

func (s *SSEConn) run() {
	s.mu.Lock()
	body := s.body
	s.mu.Unlock()
	if body != nil {
		go s.readLoop(body)
	}
}

func (s *SSEConn) closeTransport() {
	s.mu.Lock()
	body := s.body
	s.body = nil
	s.mu.Unlock()
	if body != nil {
		_ = body.Close()
	}
}

// readLoop parses the event-stream grammar: "field: value" lines
// accumulate into an event that a blank line dispatches.
func (s *SSEConn) readLoop(body io.ReadCloser) {
	defer func() { _ = body.Close() }()

	rd := bufio.NewReader(body)
	eventName := ""
	var data []string

	dispatch := func() {
		if len(data) > 0 {
			name := eventName
			if name == "" {
				name = "message"
			}
			if _, want := s.types[name]; want {
				s.handleFrame([]byte(strings.Join(data, "\n")))
			}
		}
		eventName = ""
		data = data[:0]
	}

	for {
		line, err := rd.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				dispatch()
			case strings.HasPrefix(line, ":"):
				// comment; servers use these as keep-alives
			default:
				field, value, _ := strings.Cut(line, ":")
				value = strings.TrimPrefix(value, " ")
				switch field {
				case "event":
					eventName = value
				case "data":
					data = append(data, value)
				case "id":
					if !strings.Contains(value, "\x00") {
						s.mu.Lock()
						s.lastEventID = value
						s.mu.Unlock()
					}
				case "retry":
					// server-suggested delay; our policy governs instead
				}
			}
		}
		if err != nil {
			s.handleTransportClose(err)
			return
		}
	}
}
