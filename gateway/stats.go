package gateway

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is the per-session record produced exactly once, at close.
type Stats struct {
	Component string
	Duration  time.Duration
	Messages  int64
	Bindings  int64
}

// Reporter is the stats sink. Implementations must be safe for concurrent
// invocation; many sessions close independently.
type Reporter interface {
	Report(s Stats)
}

// Reporters fans one report out to several sinks.
type Reporters []Reporter

func (r Reporters) Report(s Stats) {
	for _, rep := range r {
		rep.Report(s)
	}
}

// LogReporter writes one structured log line per closed session.
type LogReporter struct {
	Logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{Logger: logger}
}

func (r *LogReporter) Report(s Stats) {
	r.Logger.Info("session closed",
		"component", s.Component,
		"duration_ms", s.Duration.Milliseconds(),
		"messages", s.Messages,
		"bindings", s.Bindings)
}

// Metrics is the prometheus-backed stats sink. A nil *Metrics is a valid
// no-op reporter, so metrics can be disabled by passing a nil registry.
type Metrics struct {
	sessionsTotal   prometheus.Counter
	sessionDuration prometheus.Histogram
	messagesSent    prometheus.Counter
	bindingsTotal   prometheus.Counter
}

var _ Reporter = (*Metrics)(nil)

// NewMetrics creates and registers the gateway metrics. sessions, when
// non-nil, is exported as the live-session gauge.
func NewMetrics(registry prometheus.Registerer, sessions func() int) *Metrics {
	if registry == nil {
		return nil
	}
	m := &Metrics{
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventgw",
			Name:      "sessions_total",
			Help:      "Total client sessions, counted at close",
		}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "eventgw",
			Name:      "session_duration_seconds",
			Help:      "Session lifetime from accept to close",
			Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 14400},
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventgw",
			Name:      "messages_sent_total",
			Help:      "Bus messages forwarded to clients",
		}),
		bindingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventgw",
			Name:      "bindings_total",
			Help:      "Successful exchange bindings across all sessions",
		}),
	}
	registry.MustRegister(
		m.sessionsTotal,
		m.sessionDuration,
		m.messagesSent,
		m.bindingsTotal,
	)
	if sessions != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "eventgw",
			Name:      "sessions_active",
			Help:      "Currently registered duplex sessions",
		}, func() float64 { return float64(sessions()) }))
	}
	return m
}

func (m *Metrics) Report(s Stats) {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionDuration.Observe(s.Duration.Seconds())
	m.messagesSent.Add(float64(s.Messages))
	m.bindingsTotal.Add(float64(s.Bindings))
}
