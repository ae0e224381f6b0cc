package delivery

import (
	"sync"
	"sync/atomic"

	"github.com/jmylchreest/camplug/pkg/plugin"
)

// DefaultMailboxSize is the event capacity used when none is configured.
const DefaultMailboxSize = 64

// Mailbox is the bounded queue behind legacy push delivery. Posting never
// blocks the module; events that do not fit are dropped and counted.
type Mailbox struct {
	events  chan plugin.Event
	done    chan struct{}
	dropped atomic.Uint64

	// mu orders Post against Close so nothing is queued after Close returns.
	mu     sync.RWMutex
	closed bool
}

// NewMailbox creates a mailbox holding up to size events.
func NewMailbox(size int) *Mailbox {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Mailbox{
		events: make(chan plugin.Event, size),
		done:   make(chan struct{}),
	}
}

// Post implements plugin.EventSink.
func (m *Mailbox) Post(ev plugin.Event) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}

	select {
	case m.events <- ev:
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

// Events returns the receive side of the mailbox.
func (m *Mailbox) Events() <-chan plugin.Event {
	return m.events
}

// Done is closed once the mailbox stops accepting events.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

// Close stops accepting events. It is safe to call more than once.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
}

// Drain discards the events still queued, counts them as dropped and
// returns how many there were.
func (m *Mailbox) Drain() int {
	n := 0
	for {
		select {
		case <-m.events:
			n++
		default:
			m.dropped.Add(uint64(n))
			return n
		}
	}
}

// Dropped returns the number of events the mailbox rejected or discarded.
func (m *Mailbox) Dropped() uint64 {
	return m.dropped.Load()
}
