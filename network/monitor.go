// Package network tracks whether the process is online.
//
// Raw connectivity reports (transport status callbacks, probes, explicit
// Report calls) are debounced before the monitored value changes, so a link
// that flaps for a few hundred milliseconds does not trigger queue flushes.
package network

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/dossiersync/live"
	"github.com/c360studio/dossiersync/transport"
)

// DefaultDebounce is how long a raw state must hold before it is published.
const DefaultDebounce = 500 * time.Millisecond

// Monitor exposes a debounced online/offline value.
type Monitor struct {
	debounce time.Duration
	logger   *slog.Logger
	online   *live.Value[bool]

	mu      sync.Mutex
	raw     bool
	gen     uint64
	timer   *time.Timer
	closed  bool
	stopFns []context.CancelFunc
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(m *Monitor) {
		m.debounce = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// NewMonitor creates a monitor whose initial state is online.
func NewMonitor(online bool, opts ...Option) *Monitor {
	m := &Monitor{
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		online:   live.NewValue(online),
		raw:      online,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online returns the debounced state.
func (m *Monitor) Online() bool {
	return m.online.Get()
}

// Subscribe returns a channel that receives the current state followed by
// every debounced change.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	return m.online.Subscribe()
}

// Report records a raw connectivity observation. The published state follows
// only once the observation has held for the debounce interval.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	m.raw = online
	m.gen++
	gen := m.gen
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, func() { m.settle(gen) })
}

// settle publishes the raw state if no newer report arrived since gen.
func (m *Monitor) settle(gen uint64) {
	m.mu.Lock()
	if m.closed || m.gen != gen {
		m.mu.Unlock()
		return
	}
	raw := m.raw
	m.timer = nil
	m.mu.Unlock()

	if m.online.Get() == raw {
		return
	}
	m.online.Set(raw)
	m.logger.Info("Network state changed", "online", raw)
}

// Attach follows the connection status of a transport that reports it.
func (m *Monitor) Attach(n transport.StatusNotifier) {
	n.NotifyStatus(m.Report)
}

// Watch polls probe every interval and reports the result until ctx is done
// or the monitor is closed.
func (m *Monitor) Watch(ctx context.Context, probe Probe, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	m.stopFns = append(m.stopFns, cancel)
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.Report(probe(ctx))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Report(probe(ctx))
			}
		}
	}()
}

// Close stops pending timers and probes and closes all subscriptions.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	stops := m.stopFns
	m.stopFns = nil
	m.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	m.online.Close()
}
