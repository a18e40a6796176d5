package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// EventKind discriminates the frames the gateway sends to clients.
type EventKind string

const (
	EventReady   EventKind = "ready"
	EventBound   EventKind = "bound"
	EventMessage EventKind = "message"
	EventError   EventKind = "error"
	EventPing    EventKind = "ping"
	EventPong    EventKind = "pong"
)

// Frame is the wire unit exchanged gateway -> client. ID correlates a reply
// to the request that caused it; for unsolicited frames (message, ping) it is
// a freshly generated token.
type Frame struct {
	Event   EventKind       `json:"event"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame builds a frame, marshaling payload to JSON. A nil payload is
// omitted. An empty id gets a fresh token.
func NewFrame(event EventKind, id string, payload any) (Frame, error) {
	f := Frame{Event: event, ID: id}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
		}
		f.Payload = data
	}
	return f, nil
}

// Encode renders the frame as a JSON text message for the duplex transport.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// WriteSSE renders the frame as one text/event-stream event. The frame id is
// carried on the SSE id line so clients can present it on reconnect. The
// payload is compacted onto a single data line; a multi-line payload would
// leak unprefixed lines that SSE parsers silently drop.
func (f Frame) WriteSSE(w io.Writer) error {
	payload := []byte("{}")
	if f.Payload != nil {
		var buf bytes.Buffer
		if err := json.Compact(&buf, f.Payload); err != nil {
			return fmt.Errorf("encode %s event: %w", f.Event, err)
		}
		payload = buf.Bytes()
	}
	_, err := fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", f.Event, f.ID, payload)
	return err
}

// ErrorDetails travels in an error frame's payload. Reconnect tells the
// client whether the session is about to die (true) or remains usable
// (false). Extra carries context about the offending input.
type ErrorDetails struct {
	Reconnect bool
	Extra     map[string]any
}

func (d ErrorDetails) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+1)
	for k, v := range d.Extra {
		out[k] = v
	}
	out["reconnect"] = d.Reconnect
	return json.Marshal(out)
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Message string       `json:"message"`
	Details ErrorDetails `json:"details"`
}

// NewErrorFrame builds an error frame. id may be empty for errors not tied
// to a client request.
func NewErrorFrame(id, message string, details ErrorDetails) Frame {
	f, err := NewFrame(EventError, id, ErrorPayload{Message: message, Details: details})
	if err != nil {
		// An ErrorPayload always marshals; this is unreachable in practice.
		f = Frame{Event: EventError, ID: id}
	}
	return f
}

// PingPayload is the payload of ping frames. The token is opaque to clients
// and must be echoed back in the pong.
type PingPayload struct {
	Token string `json:"token"`
}

// BoundPayload acknowledges a successful bind, echoing the normalized
// binding under "options" as the request carried it.
type BoundPayload struct {
	Options any `json:"options"`
}

// ClientRequest is the wire unit client -> gateway on the duplex transport:
// {method, options, id}.
type ClientRequest struct {
	Method  string          `json:"method"`
	ID      string          `json:"id"`
	Options json.RawMessage `json:"options"`
}

// DecodeClientRequest parses a raw inbound text frame.
func DecodeClientRequest(data []byte) (ClientRequest, error) {
	var req ClientRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return ClientRequest{}, err
	}
	return req, nil
}
