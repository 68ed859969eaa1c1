// Package netmon tracks backend reachability. Connectivity is judged
// by probing the backend's health endpoint, not by OS interface state:
// a machine can hold a LAN address while the backend is unreachable.
package netmon

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kimhsiao/practicesync/backend/internal/logging"
)

// Prober performs one side-effect-free reachability check.
type Prober interface {
	Probe(ctx context.Context) error
}

// Listener is notified on every online/offline transition.
type Listener func(online bool)

// Monitor polls the backend and publishes connectivity transitions.
// Until the first probe completes the state reports offline, so
// startup writes queue instead of failing.
type Monitor struct {
	prober   Prober
	interval time.Duration
	// limiter caps on-demand probes so chatty callers cannot hammer
	// the backend health endpoint.
	limiter *rate.Limiter
	log     *logging.Logger

	mu        sync.RWMutex
	online    bool
	probed    bool
	lastProbe time.Time
	listeners []Listener
}

// New creates a monitor that probes at the given interval.
func New(prober Prober, interval time.Duration) *Monitor {
	return &Monitor{
		prober:   prober,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
		log:      logging.Get().Component("netmon"),
	}
}

// Online reports the last known connectivity state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// LastProbe returns when connectivity was last checked.
func (m *Monitor) LastProbe() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastProbe
}

// Subscribe registers a transition listener. Listeners run on the
// probing goroutine and must not block.
func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// CheckNow probes immediately, subject to rate limiting, and returns
// the resulting state. When the limiter denies the probe the last
// known state is returned unchanged.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	if !m.limiter.Allow() {
		return m.Online()
	}
	return m.probe(ctx)
}

// ReportOutcome lets the sync engine feed delivery results back into
// the monitor: a network failure flips to offline without waiting for
// the next poll, a success confirms online.
func (m *Monitor) ReportOutcome(reachable bool) {
	m.setOnline(reachable)
}

// Start runs the poll loop until ctx is cancelled. The first probe
// fires immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	err := m.prober.Probe(ctx)

	m.mu.Lock()
	m.lastProbe = time.Now()
	m.mu.Unlock()

	online := err == nil
	if err != nil {
		m.log.Debug("reachability probe failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	m.setOnline(online)
	return online
}

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	changed := !m.probed || m.online != online
	m.online = online
	m.probed = true
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if !changed {
		return
	}
	if online {
		m.log.Info("backend reachable")
	} else {
		m.log.Warn("backend unreachable, queueing writes")
	}
	for _, l := range listeners {
		l(online)
	}
}
