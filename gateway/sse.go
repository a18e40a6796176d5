package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/panyam/eventgw/bus"
)

// DefaultStreamPingInterval matches the original service's 10s SSE ping
// cadence, tight enough to keep proxies from idling the stream out.
const DefaultStreamPingInterval = 10 * time.Second

// SSEHandler serves the streaming transport: one request declares its whole
// binding set in the "bindings" query parameter and receives a
// text/event-stream of ready, ping, message and error events. Validation and
// bus setup failures are rejected at the HTTP level, before any stream bytes
// are written.
type SSEHandler struct {
	Connector bus.Connector
	Reporter  Reporter
	Tokens    *StreamTokens

	Component    string
	PingInterval time.Duration
	Logger       *slog.Logger
}

func NewSSEHandler(connector bus.Connector, reporter Reporter, tokens *StreamTokens, logger *slog.Logger) *SSEHandler {
	return &SSEHandler{
		Connector:    connector,
		Reporter:     reporter,
		Tokens:       tokens,
		PingInterval: DefaultStreamPingInterval,
		Logger:       logger,
	}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Stream resumption is not supported: a client presenting one of our own
	// stream ids gets 204 (make a fresh request); anything else is garbage.
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		if h.Tokens != nil && h.Tokens.Verify(id) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		SendJSONError(w, http.StatusBadRequest, "Unknown last-event-id", nil)
		return
	}

	bindings, verr := ValidateBindingQuery(r.URL.Query().Get("bindings"))
	if verr != nil {
		SendJSONError(w, http.StatusBadRequest, verr.Message, verr.Details())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		SendJSONError(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}
	sub, err := h.Connector.Subscribe(r.Context())
	if err != nil {
		SendJSONError(w, http.StatusServiceUnavailable, "Failed to reach message bus", nil)
		return
	}

	transport := &sseTransport{w: w, flusher: flusher}
	sess := NewSession(transport, sub, SessionConfig{
		Component: h.Component,
		Reporter:  h.Reporter,
		Logger:    h.Logger,
	})
	defer sess.Close(nil)

	// The transport stays unopened through Start, so a connect/bind/resume
	// failure surfaces as this HTTP rejection and never as stream bytes.
	if err := sess.Start(r.Context(), bindings); err != nil {
		SendJSONError(w, http.StatusBadGateway, "Failed to set up message bus listener",
			map[string]any{"reason": err.Error()})
		return
	}

	transport.Open()
	streamID := ""
	if h.Tokens != nil {
		streamID = h.Tokens.Mint()
	}
	sess.Announce(streamID)

	interval := h.PingInterval
	if interval <= 0 {
		interval = DefaultStreamPingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Client went away.
			sess.Close(nil)
			return
		case <-sess.Done():
			return
		case <-ticker.C:
			sess.SendPing()
		}
	}
}

// sseTransport writes frames as text/event-stream blocks. It drops frames
// until Open commits the 200 response, so failures during session setup stay
// HTTP-level.
type sseTransport struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	open    bool
	closed  bool
}

var _ Transport = (*sseTransport)(nil)

// Open writes the stream headers and starts delivering frames.
func (t *sseTransport) Open() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open || t.closed {
		return
	}
	h := t.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	t.w.WriteHeader(http.StatusOK)
	t.flusher.Flush()
	t.open = true
}

func (t *sseTransport) WriteFrame(f Frame) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open || t.closed {
		return false, nil
	}
	if err := f.WriteSSE(t.w); err != nil {
		return false, err
	}
	t.flusher.Flush()
	return true, nil
}

func (t *sseTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
