package fins

import (
	"sync"
	"time"
)

const DEFAULT_WATCHDOG_EVENT_BUFFER = 16

// LinkEventType describes a change of the master's link state.
type LinkEventType string

const (
	LinkUp   LinkEventType = "up"
	LinkDown LinkEventType = "down"
)

// LinkEvent is emitted after every Connect and Disconnect.
type LinkEvent struct {
	Time     time.Time
	Type     LinkEventType
	Local    NodeAddress
	Err      error         // close failure on LinkDown
	Downtime time.Duration // time since the previous LinkDown, on LinkUp
}

// LinkStats is a snapshot of link health.
type LinkStats struct {
	Up               bool
	Sessions         int
	LastUp           time.Time
	LastDown         time.Time
	CurrentDowntime  time.Duration
	TotalDowntime    time.Duration
	LastDisconnectErr error
}

// ConnectionWatchdog is a plugin that tracks the master's sessions and emits
// link events. Hooks never block; events are dropped while the buffer is full.
type ConnectionWatchdog struct {
	events chan LinkEvent
	now    func() time.Time

	mu        sync.RWMutex
	up        bool
	sessions  int
	lastUp    time.Time
	lastDown  time.Time
	totalDown time.Duration
	lastErr   error
}

// NewConnectionWatchdog creates a watchdog whose Events channel holds
// eventBuffer events; 0 selects DEFAULT_WATCHDOG_EVENT_BUFFER.
func NewConnectionWatchdog(eventBuffer int) *ConnectionWatchdog {
	if eventBuffer <= 0 {
		eventBuffer = DEFAULT_WATCHDOG_EVENT_BUFFER
	}
	return &ConnectionWatchdog{
		events: make(chan LinkEvent, eventBuffer),
		now:    time.Now,
	}
}

func (w *ConnectionWatchdog) Name() string { return "connection_watchdog" }

// Initialize picks up the master's current state so a watchdog registered on
// a connected master starts as up.
func (w *ConnectionWatchdog) Initialize(m *Master) error {
	if m == nil || !m.IsConnected() {
		return nil
	}
	w.mu.Lock()
	w.up = true
	w.sessions++
	w.lastUp = w.now()
	w.mu.Unlock()
	return nil
}

func (w *ConnectionWatchdog) OnConnected(m *Master) error {
	now := w.now()
	var downtime time.Duration

	w.mu.Lock()
	if !w.up && !w.lastDown.IsZero() {
		downtime = now.Sub(w.lastDown)
		w.totalDown += downtime
	}
	w.up = true
	w.sessions++
	w.lastUp = now
	w.mu.Unlock()

	evt := LinkEvent{Time: now, Type: LinkUp, Downtime: downtime}
	if m != nil {
		evt.Local = m.LocalNode()
	}
	w.emit(evt)
	return nil
}

func (w *ConnectionWatchdog) OnDisconnected(m *Master, err error) error {
	now := w.now()

	w.mu.Lock()
	w.up = false
	w.lastDown = now
	w.lastErr = err
	w.mu.Unlock()

	evt := LinkEvent{Time: now, Type: LinkDown, Err: err}
	if m != nil {
		evt.Local = m.LocalNode()
	}
	w.emit(evt)
	return nil
}

// Events returns a read-only channel of link events.
func (w *ConnectionWatchdog) Events() <-chan LinkEvent {
	return w.events
}

func (w *ConnectionWatchdog) Stats() LinkStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	stats := LinkStats{
		Up:                w.up,
		Sessions:          w.sessions,
		LastUp:            w.lastUp,
		LastDown:          w.lastDown,
		TotalDowntime:     w.totalDown,
		LastDisconnectErr: w.lastErr,
	}
	if !w.up && !w.lastDown.IsZero() {
		stats.CurrentDowntime = w.now().Sub(w.lastDown)
	}
	return stats
}

func (w *ConnectionWatchdog) emit(evt LinkEvent) {
	select {
	case w.events <- evt:
	default:
	}
}

var _ ConnectionPlugin = (*ConnectionWatchdog)(nil)
