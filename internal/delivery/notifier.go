package delivery

import (
	"fmt"
	"sync/atomic"

	"github.com/jmylchreest/camplug/pkg/plugin"
)

// Kind identifies a notification slot.
type Kind int

// Notification kinds.
const (
	StateChanged Kind = iota + 1
	ErrorRaised

	kindCount = int(ErrorRaised) + 1
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case StateChanged:
		return "state-changed"
	case ErrorRaised:
		return "error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Notification is passed to handlers.
type Notification struct {
	Kind Kind

	// Previous and Current are set for StateChanged.
	Previous string
	Current  string

	// Err, ErrorState and Param are set for ErrorRaised.
	Err        error
	ErrorState plugin.ErrorState
	Param      uint64
}

// Handler receives notifications. It runs on the goroutine that raised the
// notification and must not block.
type Handler func(Notification)

// Notifier holds one handler per kind. Replacing a handler takes effect for
// every notification raised after SetHandler returns.
type Notifier struct {
	slots [kindCount]atomic.Pointer[Handler]
}

// SetHandler installs h for kind and returns the handler it replaced.
// A nil h disables the kind.
func (n *Notifier) SetHandler(kind Kind, h Handler) (Handler, error) {
	if kind < StateChanged || int(kind) >= kindCount {
		return nil, fmt.Errorf("%w: unknown notification kind %d", plugin.ErrInvalidParam, int(kind))
	}
	var next *Handler
	if h != nil {
		next = &h
	}
	prev := n.slots[kind].Swap(next)
	if prev == nil {
		return nil, nil
	}
	return *prev, nil
}

// Notify delivers note to the handler of its kind and reports whether one was installed.
func (n *Notifier) Notify(note Notification) bool {
	if note.Kind < StateChanged || int(note.Kind) >= kindCount {
		return false
	}
	h := n.slots[note.Kind].Load()
	if h == nil {
		return false
	}
	(*h)(note)
	return true
}
