package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	conc "github.com/panyam/gocurrent"
	gut "github.com/panyam/goutils/utils"

	"github.com/panyam/eventgw/bus"
)

// State is the session lifecycle position. Transitions only move forward;
// Closing and Closed are entered at most once no matter how many triggers
// fire concurrently.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrMissedHeartbeat is the close cause when a duplex client fails to answer
// pings for MaxMissedPongs consecutive keepalive cycles.
var ErrMissedHeartbeat = errors.New("missed heartbeat")

// Transport is the session's exclusively-owned handle on the client
// connection. The session is the only writer; WriteFrame calls are issued
// from a single goroutine. WriteFrame reports whether the frame actually
// reached the client, so delivery counts stay honest on transports that drop
// frames while not yet committed to a response.
type Transport interface {
	WriteFrame(f Frame) (written bool, err error)
	Close() error
}

// SessionConfig carries the collaborators and policy for one session.
type SessionConfig struct {
	// Component names this gateway in stats records.
	Component string

	// AllowedExchanges, when non-empty, rejects duplex binds to any exchange
	// not listed, before the bus sees them. Empty defers to the bus.
	AllowedExchanges []string

	// MaxMissedPongs is the keepalive eviction threshold.
	MaxMissedPongs int

	// Registry, when non-nil, tracks this session for the keepalive sweep.
	// Streaming sessions pass nil; their transport has no pong path.
	Registry *Registry

	Reporter Reporter
	Logger   *slog.Logger
}

// Session bridges one client connection to one bus subscription. It
// validates bind requests, forwards bus messages, answers the keepalive
// sweep, and tears everything down exactly once on the first close trigger.
type Session struct {
	id        string
	component string
	transport Transport
	sub       bus.Subscription
	registry  *Registry
	reporter  Reporter
	logger    *slog.Logger
	allowed   map[string]struct{}
	maxMissed int32

	ctx    context.Context
	cancel context.CancelFunc

	writer    *conc.Writer[Frame]
	writeMu   sync.Mutex
	writeDone bool

	state     atomic.Int32
	closeOnce sync.Once
	done      chan struct{}

	startTime time.Time
	bindings  atomic.Int64
	messages  atomic.Int64

	missedPongs atomic.Int32
	pendingPing atomic.Value // string: token of the most recent ping
}

// NewSession wires a session around an owned transport and an unstarted bus
// subscription. Call Start to bring it to Ready.
func NewSession(transport Transport, sub bus.Subscription, cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = NewLogReporter(logger)
	}
	maxMissed := cfg.MaxMissedPongs
	if maxMissed <= 0 {
		maxMissed = 2
	}
	var allowed map[string]struct{}
	if len(cfg.AllowedExchanges) > 0 {
		allowed = make(map[string]struct{}, len(cfg.AllowedExchanges))
		for _, e := range cfg.AllowedExchanges {
			allowed[e] = struct{}{}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        gut.RandString(10, ""),
		component: cfg.Component,
		transport: transport,
		sub:       sub,
		registry:  cfg.Registry,
		reporter:  reporter,
		allowed:   allowed,
		maxMissed: int32(maxMissed),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		startTime: time.Now(),
	}
	s.logger = logger.With("session", s.id)
	s.writer = conc.NewWriter(func(f Frame) error {
		written, err := transport.WriteFrame(f)
		if err != nil {
			// A dead transport is a close trigger, never a retry. The error
			// is swallowed so the writer keeps running until Close stops it;
			// a writer that exits on its own can no longer be stopped.
			go s.Close(err)
			return nil
		}
		if written && f.Event == EventMessage {
			s.messages.Add(1)
		}
		return nil
	})
	return s
}

func (s *Session) ID() string            { return s.id }
func (s *Session) State() State          { return State(s.state.Load()) }
func (s *Session) Done() <-chan struct{} { return s.done }

// MessageCount reports bus messages delivered to the client so far.
func (s *Session) MessageCount() int64 { return s.messages.Load() }

// BindingCount reports successful binds so far.
func (s *Session) BindingCount() int64 { return s.bindings.Load() }

// Start establishes the bus subscription: connect, apply any initial
// bindings (streaming mode declares its whole set up front), then resume
// delivery. On success the session is Ready and the forwarding loop runs; on
// failure the session is fatally closed and the error returned so transports
// that have not committed their response yet can reject at the HTTP level.
func (s *Session) Start(ctx context.Context, initial []bus.Binding) error {
	if err := s.sub.Connect(ctx); err != nil {
		s.fatal("AMQP channel setup failed", err)
		return err
	}
	for _, b := range initial {
		if err := s.sub.Bind(ctx, b); err != nil {
			s.fatal("Failed to bind w. requested binding", err)
			return err
		}
		s.bindings.Add(1)
	}
	if err := s.sub.Resume(ctx); err != nil {
		s.fatal("AMQP channel setup failed", err)
		return err
	}
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateReady)) {
		// A concurrent trigger closed us while connecting.
		return s.ctx.Err()
	}
	if s.registry != nil {
		s.registry.Add(s)
	}
	go s.pump()
	return nil
}

// Announce sends the ready frame confirming the session is live. id becomes
// the frame id (streaming mode passes its resume token); empty means a fresh
// token.
func (s *Session) Announce(id string) {
	f, _ := NewFrame(EventReady, id, nil)
	s.send(f)
}

// pump forwards bus messages and surfaces asynchronous bus errors until the
// session closes.
func (s *Session) pump() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case d, ok := <-s.sub.Messages():
			if !ok {
				s.Close(nil)
				return
			}
			s.forward(d)
		case err, ok := <-s.sub.Errors():
			if !ok {
				s.Close(nil)
				return
			}
			s.logger.Warn("subscription error", "err", err)
			s.sendError("", "PulseListener Error", ErrorDetails{
				Reconnect: true,
				Extra:     map[string]any{"reason": err.Error()},
			})
			s.Close(err)
			return
		}
	}
}

// forward multiplexes one bus delivery onto the client transport. The
// delivery is counted by the writer once the transport confirms it went out.
func (s *Session) forward(d bus.Delivery) {
	if s.State() != StateReady {
		return
	}
	f, err := NewFrame(EventMessage, "", d)
	if err != nil {
		s.logger.Warn("dropping undeliverable message", "err", err)
		return
	}
	s.send(f)
}

// HandleFrame dispatches one raw inbound client frame. Malformed input gets
// an error frame; the session stays alive.
func (s *Session) HandleFrame(data []byte) {
	req, err := DecodeClientRequest(data)
	if err != nil {
		s.sendError("", "Failed to parse message", ErrorDetails{
			Extra: map[string]any{"data": string(data)},
		})
		return
	}
	if req.ID == "" {
		s.sendError("", "Message doesn't have an id", ErrorDetails{})
		return
	}
	switch req.Method {
	case "bind":
		s.handleBind(req)
	case "pong":
		s.handlePong(req)
	default:
		s.sendError(req.ID, "Unknown method", ErrorDetails{
			Extra: map[string]any{"method": req.Method},
		})
	}
}

func (s *Session) handleBind(req ClientRequest) {
	b, verr := ValidateBindOptions(req.Options, s.allowed)
	if verr != nil {
		s.sendError(req.ID, verr.Message, ErrorDetails{Extra: verr.Details()})
		return
	}
	// Bind asynchronously so a slow bus never stalls the read loop; replies
	// correlate by id, not arrival order.
	go s.completeBind(req.ID, b)
}

func (s *Session) completeBind(id string, b bus.Binding) {
	err := s.sub.Bind(s.ctx, b)
	if s.State() != StateReady {
		// Closed while the bind was in flight; drop the result.
		return
	}
	if err != nil {
		s.logger.Warn("bind rejected", "exchange", b.Exchange, "err", err)
		s.sendError(id, "bind: Failed to bind w. requested binding", ErrorDetails{
			Extra: map[string]any{"options": b},
		})
		return
	}
	s.bindings.Add(1)
	f, _ := NewFrame(EventBound, id, BoundPayload{Options: b})
	s.send(f)
}

func (s *Session) handlePong(req ClientRequest) {
	var p PingPayload
	if len(req.Options) > 0 {
		_ = json.Unmarshal(req.Options, &p)
	}
	s.Pong(p.Token)
}

// Pong validates a heartbeat answer. Only a token matching the most recent
// ping resets liveness; a late pong from an earlier cycle is ignored.
func (s *Session) Pong(token string) {
	pending, _ := s.pendingPing.Load().(string)
	if pending == "" || token != pending {
		return
	}
	s.missedPongs.Store(0)
}

// SendPing emits a heartbeat frame without liveness accounting; the
// streaming transport uses it to keep intermediaries from idling out.
func (s *Session) SendPing() {
	s.sendPing(uuid.NewString())
}

func (s *Session) sendPing(token string) {
	f, _ := NewFrame(EventPing, "", PingPayload{Token: token})
	s.send(f)
}

// KeepAlive runs one liveness cycle for this session, driven by the
// scheduler sweep. A session at the miss threshold is evicted; otherwise the
// miss counter advances and a fresh ping goes out.
func (s *Session) KeepAlive() {
	if s.State() != StateReady {
		return
	}
	missed := s.missedPongs.Load()
	if missed >= s.maxMissed {
		s.sendError("", "Closing due to missing pongs", ErrorDetails{
			Reconnect: true,
			Extra:     map[string]any{"missingPongs": missed},
		})
		s.Close(ErrMissedHeartbeat)
		return
	}
	s.missedPongs.Add(1)
	token := uuid.NewString()
	s.pendingPing.Store(token)
	s.sendPing(token)
}

// fatal reports an unrecoverable condition to the client if the transport is
// still writable and closes the session.
func (s *Session) fatal(message string, cause error) {
	details := ErrorDetails{Reconnect: true}
	if cause != nil {
		details.Extra = map[string]any{"reason": cause.Error()}
	}
	s.sendError("", message, details)
	s.Close(cause)
}

func (s *Session) sendError(id, message string, details ErrorDetails) {
	s.send(NewErrorFrame(id, message, details))
}

// send queues a frame on the serialized writer. Frames enqueued by the same
// goroutine reach the transport in order.
func (s *Session) send(f Frame) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeDone {
		return
	}
	s.writer.Send(f)
}

func (s *Session) stopWriter() {
	s.writeMu.Lock()
	s.writeDone = true
	s.writeMu.Unlock()
	s.writer.Stop()
}

// Close runs the single idempotent close transition. Every trigger funnels
// here: client close, transport error, bus error, keepalive eviction,
// protocol failure, server shutdown. Each cleanup step is isolated and
// best-effort; exactly one stats report and at most one subscription close
// happen per session no matter how many triggers race.
func (s *Session) Close(cause error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		if cause != nil {
			s.logger.Info("closing session", "cause", cause)
		}
		s.cancel()

		s.stopWriter()

		if err := s.sub.Close(); err != nil {
			s.logger.Warn("failed to close subscription", "err", err)
		}
		if s.registry != nil {
			s.registry.Remove(s)
		}
		s.reporter.Report(Stats{
			Component: s.component,
			Duration:  time.Since(s.startTime),
			Messages:  s.messages.Load(),
			Bindings:  s.bindings.Load(),
		})
		if err := s.transport.Close(); err != nil {
			s.logger.Debug("transport close", "err", err)
		}

		s.state.Store(int32(StateClosed))
		close(s.done)
	})
}
