// Package connectivity maintains the station's reachability signal for
// the central system. It deliberately requires stability before
// declaring an outage so transient flapping does not trigger sync
// churn; it carries no retry logic of its own.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Prober checks the uplink once. The remote client's Health method
// satisfies it.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a plain function to a Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Change is a reachability transition.
type Change struct {
	Online bool
	At     time.Time
}

// Monitor probes periodically and notifies subscribers on transitions.
type Monitor struct {
	prober        Prober
	interval      time.Duration
	probeTimeout  time.Duration
	failThreshold int
	log           *zap.Logger

	mu       sync.Mutex
	online   bool
	failures int
	subs     []chan Change
}

// New builds a monitor. failThreshold consecutive probe failures are
// required before an outage is treated as real; a single success
// restores online.
func New(prober Prober, interval, probeTimeout time.Duration, failThreshold int, log *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	if failThreshold <= 0 {
		failThreshold = 2
	}
	return &Monitor{
		prober:        prober,
		interval:      interval,
		probeTimeout:  probeTimeout,
		failThreshold: failThreshold,
		log:           log,
	}
}

// Online reports the current reachability signal.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel receiving transitions. Notifications are
// best-effort: a slow subscriber misses intermediate transitions
// rather than blocking the monitor.
func (m *Monitor) Subscribe() <-chan Change {
	ch := make(chan Change, 4)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Run probes until ctx is cancelled. The first probe happens
// immediately so the engine starts with a real signal.
func (m *Monitor) Run(ctx context.Context) {
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

func (m *Monitor) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := m.prober.Probe(pctx)
	cancel()
	if err != nil {
		m.observeFailure(err)
		return
	}
	m.observeSuccess()
}

func (m *Monitor) observeSuccess() {
	m.mu.Lock()
	m.failures = 0
	changed := !m.online
	m.online = true
	m.mu.Unlock()
	if changed {
		m.log.Info("uplink reachable")
		m.notify(Change{Online: true, At: time.Now().UTC()})
	}
}

func (m *Monitor) observeFailure(err error) {
	m.mu.Lock()
	m.failures++
	changed := m.online && m.failures >= m.failThreshold
	if changed {
		m.online = false
	}
	failures := m.failures
	m.mu.Unlock()
	if changed {
		m.log.Warn("uplink lost", zap.Int("consecutive_failures", failures), zap.Error(err))
		m.notify(Change{Online: false, At: time.Now().UTC()})
	}
}

func (m *Monitor) notify(c Change) {
	m.mu.Lock()
	subs := make([]chan Change, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- c:
		default:
		}
	}
}
