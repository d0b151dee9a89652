// Package heartbeat detects unresponsive admins. A fixed-interval probe goes
// out to every admin connection; each tracked admin has exactly one
// outstanding expiry timer, re-armed atomically when that admin's
// acknowledgment arrives. An expired timer is the only automatic
// room-teardown path in the engine.
package heartbeat

import (
	"log/slog"
	"sync"
	"time"
)

// Monitor probes admin liveness and fires the expire callback for any admin
// that stays silent past the timeout. Safe for concurrent use.
type Monitor struct {
	interval time.Duration
	timeout  time.Duration
	probe    func()
	expire   func(adminID string)

	mu     sync.Mutex
	timers map[string]*time.Timer
	done   chan struct{}
	once   sync.Once
}

// NewMonitor creates a stopped monitor. probe is invoked every interval
// while the monitor runs; expire is invoked (on a timer goroutine) when a
// tracked admin misses its timeout.
func NewMonitor(interval, timeout time.Duration, probe func(), expire func(adminID string)) *Monitor {
	return &Monitor{
		interval: interval,
		timeout:  timeout,
		probe:    probe,
		expire:   expire,
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
}

// Start launches the probe loop. Must be called at most once.
func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.probe()
			case <-m.done:
				return
			}
		}
	}()
}

// Stop halts the probe loop and cancels every outstanding timer.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.done) })

	m.mu.Lock()
	defer m.mu.Unlock()
	for adminID, t := range m.timers {
		t.Stop()
		delete(m.timers, adminID)
	}
}

// Track arms the expiry timer for adminID, replacing (and cancelling) any
// prior one. Also used to re-arm on acknowledgment.
func (m *Monitor) Track(adminID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.timers[adminID]; ok {
		prev.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(m.timeout, func() {
		m.mu.Lock()
		// The admin may have been untracked, or an ack may have replaced
		// this timer while it was firing. Expire only if the map still holds
		// this exact handle.
		if cur, live := m.timers[adminID]; !live || cur != t {
			m.mu.Unlock()
			return
		}
		delete(m.timers, adminID)
		m.mu.Unlock()

		slog.Warn("admin heartbeat timed out", "admin", adminID)
		m.expire(adminID)
	})
	m.timers[adminID] = t
}

// Ack re-arms the timer for a tracked admin. Acks for unknown admins are
// ignored rather than starting tracking.
func (m *Monitor) Ack(adminID string) {
	m.mu.Lock()
	_, tracked := m.timers[adminID]
	m.mu.Unlock()
	if tracked {
		m.Track(adminID)
	}
}

// Untrack cancels adminID's timer, if any. Called when a room is closed
// explicitly so the timer cannot fire afterwards.
func (m *Monitor) Untrack(adminID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[adminID]; ok {
		t.Stop()
		delete(m.timers, adminID)
	}
}

// Tracked reports whether adminID currently has an outstanding timer.
func (m *Monitor) Tracked(adminID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[adminID]
	return ok
}
