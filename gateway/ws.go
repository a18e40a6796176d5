package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	conc "github.com/panyam/gocurrent"

	"github.com/panyam/eventgw/bus"
)

// WSHandler serves the duplex transport: it upgrades HTTP requests to
// WebSocket connections and runs one Session per connection until it closes.
type WSHandler struct {
	Connector bus.Connector
	Sessions  *Registry
	Reporter  Reporter

	// Component names this gateway in stats records.
	Component string

	// AllowedExchanges restricts duplex binds; empty defers to the bus.
	AllowedExchanges []string

	// MaxMissedPongs is the keepalive eviction threshold; zero means the
	// session default.
	MaxMissedPongs int

	Logger   *slog.Logger
	Upgrader websocket.Upgrader
}

// NewWSHandler returns a handler with 1KB upgrader buffers and an origin
// check that admits everyone; tighten CheckOrigin for production
// deployments.
func NewWSHandler(connector bus.Connector, sessions *Registry, reporter Reporter, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		Connector: connector,
		Sessions:  sessions,
		Reporter:  reporter,
		Logger:    logger,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub, err := h.Connector.Subscribe(r.Context())
	if err != nil {
		SendJSONError(w, http.StatusServiceUnavailable, "Failed to reach message bus", nil)
		return
	}
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		if h.Logger != nil {
			h.Logger.Warn("websocket upgrade failed", "err", err)
		}
		sub.Close()
		return
	}

	sess := NewSession(&wsTransport{conn: conn}, sub, SessionConfig{
		Component:        h.Component,
		AllowedExchanges: h.AllowedExchanges,
		MaxMissedPongs:   h.MaxMissedPongs,
		Registry:         h.Sessions,
		Reporter:         h.Reporter,
		Logger:           h.Logger,
	})
	defer sess.Close(nil)

	// Browsers answer protocol-level pings automatically; accept those pongs
	// as heartbeats alongside the JSON pong method.
	conn.SetPongHandler(func(appData string) error {
		sess.Pong(appData)
		return nil
	})

	if err := sess.Start(r.Context(), nil); err != nil {
		return
	}
	sess.Announce("")

	h.readLoop(conn, sess)
}

// readLoop feeds inbound frames to the session until the client goes away or
// the session closes from another trigger.
func (h *WSHandler) readLoop(conn *websocket.Conn, sess *Session) {
	reader := conc.NewReader(func() ([]byte, error) {
		_, data, err := conn.ReadMessage()
		if websocket.IsUnexpectedCloseError(err,
			websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived,
			websocket.CloseAbnormalClosure) {
			return data, net.ErrClosed
		}
		return data, err
	})
	defer reader.Stop()

	for {
		select {
		case <-sess.Done():
			return
		case result := <-reader.OutputChan():
			if result.Error != nil {
				if _, ok := result.Error.(*websocket.CloseError); ok {
					// Client-initiated close.
					sess.Close(nil)
				} else {
					sess.Close(result.Error)
				}
				return
			}
			sess.HandleFrame(result.Value)
		}
	}
}

// wsTransport adapts a gorilla connection to the session's Transport. All
// writes arrive from the session's single writer goroutine.
type wsTransport struct {
	conn *websocket.Conn
}

var _ Transport = (*wsTransport)(nil)

func (t *wsTransport) WriteFrame(f Frame) (bool, error) {
	data, err := f.Encode()
	if err != nil {
		return false, err
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false, err
	}
	return true, nil
}

func (t *wsTransport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	// Best effort; the peer may already be gone.
	t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}
