// Package netmon tracks whether the clinic backend is reachable.
//
// The monitor is purely event driven. It never probes the network on
// its own; state changes come from platform connectivity signals
// relayed through the local API and from the observed outcome of real
// backend calls. Each offline to online transition fires the
// registered callback exactly once.
package netmon

import (
	"log"
	"os"
	"sync"
	"sync/atomic"
)

// Monitor holds the connectivity state and the sync-pass latch.
type Monitor struct {
	mu       sync.Mutex
	online   bool
	onOnline func()

	syncing atomic.Bool

	logger *log.Logger
}

// New creates a monitor with the given starting state. Devices boot
// assuming connectivity; the first failed call corrects that. If
// logger is nil, logs go to stderr.
func New(initialOnline bool, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}
	return &Monitor{online: initialOnline, logger: logger}
}

// OnOnline registers the callback fired on each offline to online
// transition. The callback runs on the caller's goroutine and must
// not block; kick long work off to a goroutine.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = fn
}

// IsOnline reports the last known connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// IsSyncing reports whether a sync pass currently holds the latch.
func (m *Monitor) IsSyncing() bool {
	return m.syncing.Load()
}

// SetOnline records a platform connectivity signal.
func (m *Monitor) SetOnline(online bool) {
	m.transition(online)
}

// ReportSuccess records that a backend call completed at the transport
// level.
func (m *Monitor) ReportSuccess() {
	m.transition(true)
}

// ReportFailure records that a backend call failed before reaching the
// server.
func (m *Monitor) ReportFailure() {
	m.transition(false)
}

// TryBeginSync claims the sync latch. It returns false while another
// pass is running, making overlapping triggers a no-op.
func (m *Monitor) TryBeginSync() bool {
	return m.syncing.CompareAndSwap(false, true)
}

// EndSync releases the sync latch.
func (m *Monitor) EndSync() {
	m.syncing.Store(false)
}

func (m *Monitor) transition(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online
	var fire func()
	if online && !wasOnline {
		fire = m.onOnline
	}
	m.mu.Unlock()

	if online != wasOnline {
		if online {
			m.logger.Printf("backend reachable")
		} else {
			m.logger.Printf("backend unreachable, queuing writes locally")
		}
	}
	if fire != nil {
		fire()
	}
}
