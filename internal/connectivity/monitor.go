package connectivity

import (
	"sync"

	"github.com/sandwichfarm/syncr/internal/ops"
)

// Monitor tracks reachability across named transports (wifi, cellular,
// ethernet). The engine is online when any transport is up.
type Monitor struct {
	mu         sync.Mutex
	transports map[string]bool

	nextID      int
	subscribers map[int]func(online bool)

	log *ops.Logger
}

// NewMonitor creates a monitor with no transports registered. A monitor
// with no transports reports offline.
func NewMonitor(logger *ops.Logger) *Monitor {
	return &Monitor{
		transports:  make(map[string]bool),
		subscribers: make(map[int]func(online bool)),
		log:         logger.WithComponent("connectivity"),
	}
}

// Online reports whether at least one transport is up
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onlineLocked()
}

func (m *Monitor) onlineLocked() bool {
	for _, up := range m.transports {
		if up {
			return true
		}
	}
	return false
}

// SetTransport records a transport's reachability. Subscribers are notified
// only when the aggregate online state flips.
func (m *Monitor) SetTransport(name string, up bool) {
	m.mu.Lock()
	before := m.onlineLocked()
	m.transports[name] = up
	after := m.onlineLocked()

	var notify []func(online bool)
	if before != after {
		notify = make([]func(online bool), 0, len(m.subscribers))
		for _, fn := range m.subscribers {
			notify = append(notify, fn)
		}
	}
	m.mu.Unlock()

	if before != after {
		m.log.Info("connectivity changed", "online", after, "transport", name)
		for _, fn := range notify {
			fn(after)
		}
	}
}

// Subscribe registers a callback for online-state transitions and returns an
// unsubscribe func. Callbacks run synchronously on the goroutine that
// reported the transport change.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}
