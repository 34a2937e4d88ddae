package room

import "sync"

// ConnState is the transport lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Monitor tracks the broadcast transport lifecycle and exposes it as a
// boolean signal for the UI. It never gates any mutation path: the
// persistence service is reached independently of the broadcast channel,
// so token edits keep working while the transport is down.
type Monitor struct {
	mu    sync.Mutex
	state ConnState
	subs  map[int]func(bool)
	next  int
}

// NewMonitor starts in the disconnected state.
func NewMonitor() *Monitor {
	return &Monitor{subs: make(map[int]func(bool))}
}

// SetState records a transport transition and notifies subscribers when
// the boolean signal flips.
func (m *Monitor) SetState(state ConnState) {
	m.mu.Lock()
	prev := m.state
	m.state = state
	var subs []func(bool)
	connected := state == StateConnected
	if (prev == StateConnected) != connected {
		for _, cb := range m.subs {
			subs = append(subs, cb)
		}
	}
	m.mu.Unlock()

	for _, cb := range subs {
		cb(connected)
	}
}

// State returns the current lifecycle state.
func (m *Monitor) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the transport is currently connected.
func (m *Monitor) IsConnected() bool {
	return m.State() == StateConnected
}

// OnChange registers a callback for flips of the connected signal. The
// returned function unsubscribes.
func (m *Monitor) OnChange(cb func(connected bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.subs[id] = cb
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}
