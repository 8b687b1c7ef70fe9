// Package notify fans data-changed signals out to registered
// listeners.
//
// Listeners take no arguments: the signal means "local data changed,
// re-read what you display". They run synchronously after the change
// committed, in registration order. A panicking listener is recovered
// and logged so the remaining listeners still run and the engine
// itself never crashes on consumer code.
package notify

import (
	"log"
	"os"
	"sync"

	"github.com/omrozmn/x-ear-sub010/internal/metrics"
)

type listener struct {
	id int
	fn func()
}

// Notifier is a registry of zero-argument change listeners.
type Notifier struct {
	mu        sync.Mutex
	listeners []listener
	nextID    int

	metrics *metrics.Metrics
	logger  *log.Logger
}

// New creates an empty notifier. Nil metrics get an unexported
// registry; a nil logger logs to stderr.
func New(m *metrics.Metrics, logger *log.Logger) *Notifier {
	if m == nil {
		m = metrics.New(nil)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	return &Notifier{metrics: m, logger: logger}
}

// Add registers fn and returns a handle for Remove.
func (n *Notifier) Add(fn func()) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	n.listeners = append(n.listeners, listener{id: n.nextID, fn: fn})
	return n.nextID
}

// Remove drops the listener registered under id. Unknown ids are a
// no-op so double removal is safe.
func (n *Notifier) Remove(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, l := range n.listeners {
		if l.id == id {
			n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
			return
		}
	}
}

// Len reports how many listeners are registered.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.listeners)
}

// Notify invokes every listener registered at the time of the call.
// Listeners added or removed by a running listener take effect on the
// next Notify.
func (n *Notifier) Notify() {
	n.mu.Lock()
	snapshot := make([]listener, len(n.listeners))
	copy(snapshot, n.listeners)
	n.mu.Unlock()

	n.metrics.Notifications.Inc()
	for _, l := range snapshot {
		n.invoke(l)
	}
}

func (n *Notifier) invoke(l listener) {
	defer func() {
		if r := recover(); r != nil {
			n.metrics.ListenerPanics.Inc()
			n.logger.Printf("Warning: change listener %d panicked: %v", l.id, r)
		}
	}()
	l.fn()
}
