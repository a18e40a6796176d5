package gateway

import (
	"log/slog"
	"time"
)

// DefaultKeepaliveInterval is the reference sweep period for duplex
// sessions.
const DefaultKeepaliveInterval = 30 * time.Second

// Keepalive sweeps the session registry on a fixed period, pinging every
// ready session and evicting the ones that stopped answering. It is owned by
// the server lifecycle: started once, stopped explicitly at shutdown.
type Keepalive struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger

	stop chan struct{}
	done chan struct{}
}

func NewKeepalive(registry *Registry, interval time.Duration, logger *slog.Logger) *Keepalive {
	if interval <= 0 {
		interval = DefaultKeepaliveInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keepalive{
		registry: registry,
		interval: interval,
		logger:   logger.With("component", "keepalive"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (k *Keepalive) Start() {
	go k.run()
}

// Stop halts the loop and waits for the current sweep to finish.
func (k *Keepalive) Stop() {
	close(k.stop)
	<-k.done
}

func (k *Keepalive) run() {
	defer close(k.done)
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
			k.sweep()
		}
	}
}

// sweep runs one cycle over a snapshot of the registry, so sessions closing
// concurrently are simply visited one last time as no-ops. A panic from one
// session must not kill the scheduler; the next cycle always runs.
func (k *Keepalive) sweep() {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("keepalive sweep panicked", "panic", r)
		}
	}()
	for _, s := range k.registry.Snapshot() {
		s.KeepAlive()
	}
}
