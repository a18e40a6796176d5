package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panyam/eventgw/bus"
	"github.com/panyam/eventgw/bus/bustest"
)

type sseTestEnv struct {
	server    *httptest.Server
	connector *bustest.FakeConnector
	reporter  *recordingReporter
	tokens    *StreamTokens
}

func newSSETestEnv(t *testing.T) *sseTestEnv {
	t.Helper()
	tokens, err := NewStreamTokens("")
	require.NoError(t, err)
	env := &sseTestEnv{
		connector: bustest.NewFakeConnector(),
		reporter:  &recordingReporter{},
		tokens:    tokens,
	}
	handler := NewSSEHandler(env.connector, env.reporter, tokens, nil)
	handler.Component = "eventgw-test"
	handler.PingInterval = 50 * time.Millisecond
	env.server = httptest.NewServer(handler)
	t.Cleanup(env.server.Close)
	return env
}

func (e *sseTestEnv) streamURL(bindings string) string {
	q := url.Values{}
	if bindings != "" {
		q.Set("bindings", bindings)
	}
	return e.server.URL + "?" + q.Encode()
}

type sseEvent struct {
	Event string
	ID    string
	Data  string
}

// readSSEEvent reads one event:/id:/data: block from the stream.
func readSSEEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" {
			return ev
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			ev.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = strings.TrimPrefix(line, "data: ")
		}
	}
}

// readSSEEventOfKind skips interleaved pings.
func readSSEEventOfKind(t *testing.T, r *bufio.Reader, kind string) sseEvent {
	t.Helper()
	for i := 0; i < 10; i++ {
		ev := readSSEEvent(t, r)
		if ev.Event == kind {
			return ev
		}
	}
	t.Fatalf("no %s event received", kind)
	return sseEvent{}
}

func TestSSEStreamDeliversReadyAndMessages(t *testing.T) {
	env := newSSETestEnv(t)

	resp, err := http.Get(env.streamURL(`{"bindings":[{"exchange":"exchange/foo/v1/bar","routingKey":"a.#"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	ready := readSSEEventOfKind(t, reader, "ready")
	assert.True(t, env.tokens.Verify(ready.ID), "ready id is a signed stream id")
	assert.Equal(t, "{}", ready.Data)

	sub := env.connector.Last()
	require.NotNil(t, sub)
	assert.Equal(t, []bus.Binding{{Exchange: "exchange/foo/v1/bar", RoutingKeyPattern: "a.#"}},
		sub.Bound())
	assert.True(t, sub.Resumed())

	sub.Deliver(bus.Delivery{
		Exchange:   "exchange/foo/v1/bar",
		RoutingKey: "a.b",
		Payload:    json.RawMessage(`{"state":"completed"}`),
	})
	msg := readSSEEventOfKind(t, reader, "message")
	var d bus.Delivery
	require.NoError(t, json.Unmarshal([]byte(msg.Data), &d))
	assert.Equal(t, "a.b", d.RoutingKey)
	assert.JSONEq(t, `{"state":"completed"}`, string(d.Payload))
}

func TestSSEStreamSendsPings(t *testing.T) {
	env := newSSETestEnv(t)

	resp, err := http.Get(env.streamURL(`{"bindings":[]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	readSSEEventOfKind(t, reader, "ready")
	ping := readSSEEventOfKind(t, reader, "ping")
	var p PingPayload
	require.NoError(t, json.Unmarshal([]byte(ping.Data), &p))
	assert.NotEmpty(t, p.Token)
}

func TestSSEMalformedBindingsRejectedBeforeStream(t *testing.T) {
	env := newSSETestEnv(t)
	tests := []struct {
		name     string
		bindings string
		wantMsg  string
	}{
		{"missing parameter", "", "bindings query parameter is required"},
		{"not json", "{{{", "Failed to parse bindings"},
		{"multiple keys", `{"bindings":[],"foo":1}`, "The json query should have only one key"},
		{"bad element", `{"bindings":[{"exchange":"e"}]}`, "Bindings must be an array of {exchange, routingKey}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(env.streamURL(tt.bindings))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEqual(t, "text/event-stream", resp.Header.Get("Content-Type"))

			var payload struct {
				Message string `json:"message"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
			assert.Contains(t, payload.Message, tt.wantMsg)
		})
	}
}

func TestSSELastEventIDResume(t *testing.T) {
	env := newSSETestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.streamURL(`{"bindings":[]}`), nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", env.tokens.Mint())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "our own ids get a clean refusal")

	req, err = http.NewRequest(http.MethodGet, env.streamURL(`{"bindings":[]}`), nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "not-a-stream-id")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var payload struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "Unknown last-event-id", payload.Message)
}

func TestSSEBusSetupFailureIsHTTPError(t *testing.T) {
	env := newSSETestEnv(t)
	env.connector.Script = func(s *bustest.FakeSubscription) {
		s.ConnectErr = assert.AnError
	}

	resp, err := http.Get(env.streamURL(`{"bindings":[]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "event:", "no stream bytes on setup failure")

	var payload struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "Failed to set up message bus listener", payload.Message)
}

func TestSSESubscribeFailureIsHTTPError(t *testing.T) {
	env := newSSETestEnv(t)
	env.connector.SubscribeErr = assert.AnError

	resp, err := http.Get(env.streamURL(`{"bindings":[]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSSETransportDropsFramesUntilOpen(t *testing.T) {
	rec := httptest.NewRecorder()
	transport := &sseTransport{w: rec, flusher: rec}
	f, err := NewFrame(EventMessage, "m1", map[string]int{"n": 1})
	require.NoError(t, err)

	written, err := transport.WriteFrame(f)
	require.NoError(t, err)
	assert.False(t, written, "frames before Open are reported undelivered")
	assert.Empty(t, rec.Body.String())

	transport.Open()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	written, err = transport.WriteFrame(f)
	require.NoError(t, err)
	assert.True(t, written)
	assert.Contains(t, rec.Body.String(), "event: message\nid: m1\n")

	require.NoError(t, transport.Close())
	written, err = transport.WriteFrame(f)
	require.NoError(t, err)
	assert.False(t, written, "no writes after close")
}

func TestSSEClientDisconnectReportsStats(t *testing.T) {
	env := newSSETestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		env.streamURL(`{"bindings":[{"exchange":"e","routingKey":"#"}]}`), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	readSSEEventOfKind(t, reader, "ready")
	cancel()

	require.Eventually(t, func() bool { return len(env.reporter.Reports()) == 1 },
		2*time.Second, 10*time.Millisecond)
	stats := env.reporter.Reports()[0]
	assert.Equal(t, "eventgw-test", stats.Component)
	assert.Equal(t, int64(1), stats.Bindings)
	require.Eventually(t, func() bool { return env.connector.Last().CloseCount() == 1 },
		2*time.Second, 10*time.Millisecond)
}
