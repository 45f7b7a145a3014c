package ticketstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triaged/internal/logging"
)

const (
	defaultProbeInterval = 15 * time.Second
	probeTimeout         = 5 * time.Second
)

// Pinger is the probe surface the monitor watches. Every Store satisfies it.
type Pinger interface {
	Health(ctx context.Context) error
}

// HealthMonitor probes a backend on an interval and tracks its liveness.
// Callbacks registered with OnChange fire once per state transition, outside
// the monitor's lock.
type HealthMonitor struct {
	pinger   Pinger
	interval time.Duration
	logger   *logging.Logger

	healthy atomic.Bool

	mu        sync.Mutex
	callbacks []func(healthy bool)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewHealthMonitor builds a monitor over pinger. The initial state is
// healthy until the first probe says otherwise.
func NewHealthMonitor(pinger Pinger, interval time.Duration, logger *logging.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	m := &HealthMonitor{
		pinger:   pinger,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.healthy.Store(true)
	return m
}

// OnChange registers a callback for state transitions.
func (m *HealthMonitor) OnChange(fn func(healthy bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Healthy reports the last observed state.
func (m *HealthMonitor) Healthy() bool {
	return m.healthy.Load()
}

// Start probes once synchronously to settle the initial state, then keeps
// probing on the interval until Stop is called or ctx ends.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.probe(ctx)
	go m.run(ctx)
}

// Stop halts the probe loop. Safe to call more than once.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
}

func (m *HealthMonitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *HealthMonitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	err := m.pinger.Health(probeCtx)
	cancel()

	healthy := err == nil
	if !m.healthy.CompareAndSwap(!healthy, healthy) {
		return
	}

	if healthy {
		m.logger.Info(ctx, "ticket backend recovered")
	} else {
		m.logger.Warn(ctx, "ticket backend unhealthy", zap.Error(err))
	}

	m.mu.Lock()
	callbacks := make([]func(bool), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(healthy)
	}
}
