// Package connectivity tracks whether the remote API is reachable and
// publishes online/offline transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/sitesafe/fieldsync/internal/logging"
	"github.com/sitesafe/fieldsync/internal/pubsub"
)

// DefaultProbeInterval is how often the reachability probe runs.
const DefaultProbeInterval = 10 * time.Second

// Transition is a change of connectivity state.
type Transition struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// ProbeFunc checks reachability; a nil error means online.
type ProbeFunc func(ctx context.Context) error

// Monitor holds the current online state. Sources are a periodic probe and
// explicit SetOnline calls from the platform's network signal.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration

	mu     sync.RWMutex
	online bool

	hub *pubsub.Hub[Transition]

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	runMu   sync.Mutex
}

// NewMonitor creates a Monitor starting in the given state. probe may be nil,
// in which case only SetOnline changes the state.
func NewMonitor(probe ProbeFunc, interval time.Duration, initial bool) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		timeout:  interval,
		online:   initial,
		hub:      pubsub.NewHub[Transition](),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records a platform network signal. Subscribers are notified only
// when the state actually changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	// Publish under the lock so concurrent transitions reach subscribers in
	// the order they were applied.
	m.hub.Publish(Transition{Online: online, At: time.Now()})
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})
}

// Subscribe returns a channel of transitions and a cancel function.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	return m.hub.Subscribe()
}

// Check runs the probe once and applies the result.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.probe == nil {
		return m.Online()
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.probe(ctx)
	if err != nil {
		logging.Debug("Reachability probe failed", map[string]interface{}{"error": err.Error()})
	}
	m.SetOnline(err == nil)
	return err == nil
}

// Start begins periodic probing. It is a no-op without a probe or when
// already running.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running || m.probe == nil {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.run(ctx, m.stopCh)
}

// Stop halts probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.runMu.Unlock()

	m.wg.Wait()
}

// Close stops probing and closes every subscription.
func (m *Monitor) Close() {
	m.Stop()
	m.hub.Close()
}

func (m *Monitor) run(ctx context.Context, stopCh chan struct{}) {
	defer m.wg.Done()

	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
