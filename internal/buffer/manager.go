// Package buffer tracks ownership of module-registered frame buffers.
package buffer

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/jmylchreest/camplug/pkg/plugin"
)

// State is the ownership state of a registered buffer.
type State int

// Buffer states. Free and Filling buffers belong to the producer,
// Ready and Locked buffers to the host.
const (
	Free State = iota
	Filling
	Ready
	Locked
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Filling:
		return "filling"
	case Ready:
		return "ready"
	case Locked:
		return "locked"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Owner returns who may touch a buffer in state s.
func (s State) Owner() string {
	if s == Ready || s == Locked {
		return "host"
	}
	return "producer"
}

type slot struct {
	info  plugin.BufferInfo
	state State
	frame uint32
	gen   uint64
}

// Stats is a snapshot of buffer occupancy.
type Stats struct {
	Registered int
	Free       int
	Filling    int
	Ready      int
	Locked     int
}

// Manager owns the registry of buffers for one stream.
type Manager struct {
	mu     sync.Mutex
	slots  map[plugin.Handle]*slot
	order  []plugin.Handle
	frames map[uint32]*slot
	gen    uint64
	logger hclog.Logger
}

// NewManager creates an empty buffer manager.
func NewManager(logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		slots:  make(map[plugin.Handle]*slot),
		frames: make(map[uint32]*slot),
		logger: logger,
	}
}

// Register adds a buffer in the Free state. A nil Mem is replaced by host
// memory of the declared length.
func (m *Manager) Register(info plugin.BufferInfo) error {
	if info.Handle == 0 || info.Len == 0 {
		return fmt.Errorf("%w: buffer handle %#x len %d", plugin.ErrInvalidParam, info.Handle, info.Len)
	}
	if info.Mem != nil && len(info.Mem) < int(info.Len) {
		return fmt.Errorf("%w: buffer %#x memory is %d bytes, declared %d",
			plugin.ErrInvalidParam, info.Handle, len(info.Mem), info.Len)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.slots[info.Handle]; exists {
		return fmt.Errorf("%w: buffer %#x already registered", plugin.ErrInvalidParam, info.Handle)
	}
	if info.Mem == nil {
		info.Mem = make([]byte, info.Len)
	}
	info.Mem = info.Mem[:info.Len:info.Len]

	m.gen++
	m.slots[info.Handle] = &slot{info: info, gen: m.gen}
	m.order = append(m.order, info.Handle)
	m.logger.Trace("buffer registered", "handle", info.Handle, "len", info.Len, "fd", info.FD)
	return nil
}

// Unregister removes a Free buffer.
func (m *Manager) Unregister(h plugin.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[h]
	if !ok {
		return fmt.Errorf("%w: buffer %#x not registered", plugin.ErrInvalidParam, h)
	}
	if s.state != Free {
		return fmt.Errorf("%w: buffer %#x is %s", plugin.ErrBusy, h, s.state)
	}
	delete(m.slots, h)
	for i, oh := range m.order {
		if oh == h {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.logger.Trace("buffer unregistered", "handle", h)
	return nil
}

// Lookup returns the registration of h.
func (m *Manager) Lookup(h plugin.Handle) (plugin.BufferInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[h]
	if !ok {
		return plugin.BufferInfo{}, false
	}
	return s.info, true
}

// Acquire binds the first Free buffer in registration order to frame and
// moves it to Filling.
func (m *Manager) Acquire(frame uint32) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkUnbound(frame); err != nil {
		return nil, err
	}
	for _, h := range m.order {
		if s := m.slots[h]; s.state == Free {
			return m.bindLocked(s, frame), nil
		}
	}
	return nil, fmt.Errorf("%w: no free buffer for frame %d", plugin.ErrBusy, frame)
}

// Bind binds a specific Free buffer to frame. Modules that manage their
// own buffer rotation use it instead of Acquire.
func (m *Manager) Bind(frame uint32, h plugin.Handle) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkUnbound(frame); err != nil {
		return nil, err
	}
	s, ok := m.slots[h]
	if !ok {
		return nil, fmt.Errorf("%w: buffer %#x not registered", plugin.ErrInvalidParam, h)
	}
	if s.state != Free {
		return nil, fmt.Errorf("%w: buffer %#x is %s", plugin.ErrBusy, h, s.state)
	}
	return m.bindLocked(s, frame), nil
}

func (m *Manager) checkUnbound(frame uint32) error {
	if frame == 0 {
		return fmt.Errorf("%w: frame number 0", plugin.ErrInvalidParam)
	}
	if _, bound := m.frames[frame]; bound {
		return fmt.Errorf("%w: frame %d already has a buffer", plugin.ErrInvalidParam, frame)
	}
	return nil
}

func (m *Manager) bindLocked(s *slot, frame uint32) *Lease {
	s.state = Filling
	s.frame = frame
	m.frames[frame] = s
	m.logger.Trace("buffer bound", "handle", s.info.Handle, "frame", frame)
	return &Lease{m: m, s: s, gen: s.gen, frame: frame}
}

// filling returns the slot bound to frame if it is buffer h and the
// producer still owns it.
func (m *Manager) filling(frame uint32, h plugin.Handle) (*slot, error) {
	s, ok := m.frames[frame]
	if !ok {
		return nil, fmt.Errorf("%w: frame %d has no buffer", plugin.ErrInvalidParam, frame)
	}
	if s.info.Handle != h {
		return nil, fmt.Errorf("%w: frame %d is bound to buffer %#x, not %#x",
			plugin.ErrInvalidParam, frame, s.info.Handle, h)
	}
	if s.state != Filling {
		return nil, fmt.Errorf("%w: frame %d buffer is %s", plugin.ErrInvalidParam, frame, s.state)
	}
	return s, nil
}

// Fill copies data into buffer h bound to frame and returns the written
// part of the buffer. Nothing is written unless the buffer is still
// Filling. Data that already lies in the buffer is not copied.
func (m *Manager) Fill(frame uint32, h plugin.Handle, data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.filling(frame, h)
	if err != nil {
		return nil, err
	}
	mem := s.info.Mem
	if len(data) > len(mem) {
		return nil, fmt.Errorf("%w: %d bytes exceed buffer %#x length %d",
			plugin.ErrInvalidParam, len(data), h, len(mem))
	}
	if len(data) > 0 && &mem[0] != &data[0] {
		copy(mem, data)
	}
	return mem[:len(data)], nil
}

// Commit moves the buffer bound to frame from Filling to Ready.
// The handle must match the bound buffer.
func (m *Manager) Commit(frame uint32, h plugin.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.filling(frame, h)
	if err != nil {
		return err
	}
	s.state = Ready
	m.logger.Trace("buffer ready", "handle", h, "frame", frame)
	return nil
}

// Lock hands read access of a Ready frame to the consumer.
func (m *Manager) Lock(frame uint32) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.frames[frame]
	if !ok {
		return nil, fmt.Errorf("%w: frame %d has no buffer", plugin.ErrInvalidParam, frame)
	}
	switch s.state {
	case Ready:
		s.state = Locked
		return &Lease{m: m, s: s, gen: s.gen, frame: frame}, nil
	case Locked:
		return nil, fmt.Errorf("%w: frame %d already locked", plugin.ErrBusy, frame)
	default:
		return nil, fmt.Errorf("%w: frame %d buffer is %s", plugin.ErrInvalidParam, frame, s.state)
	}
}

// Release returns the buffer bound to frame to the producer. Every lease
// issued for it becomes invalid.
func (m *Manager) Release(frame uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.frames[frame]
	if !ok {
		return fmt.Errorf("%w: frame %d has no buffer", plugin.ErrInvalidParam, frame)
	}
	m.freeLocked(s)
	return nil
}

func (m *Manager) freeLocked(s *slot) {
	delete(m.frames, s.frame)
	m.logger.Trace("buffer released", "handle", s.info.Handle, "frame", s.frame, "from", s.state)
	m.gen++
	s.gen = m.gen
	s.state = Free
	s.frame = 0
}

// FrameState reports the state of the buffer bound to frame.
func (m *Manager) FrameState(frame uint32) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.frames[frame]
	if !ok {
		return Free, false
	}
	return s.state, true
}

// Holder reports the frame bound to buffer h and its state.
func (m *Manager) Holder(h plugin.Handle) (frame uint32, st State, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[h]
	if !ok {
		return 0, Free, false
	}
	return s.frame, s.state, true
}

// Reset drops every registration and revokes all leases.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		m.gen++
		s.gen = m.gen
	}
	m.slots = make(map[plugin.Handle]*slot)
	m.frames = make(map[uint32]*slot)
	m.order = nil
}

// Stats returns buffer occupancy.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Registered: len(m.slots)}
	for _, s := range m.slots {
		switch s.state {
		case Free:
			st.Free++
		case Filling:
			st.Filling++
		case Ready:
			st.Ready++
		case Locked:
			st.Locked++
		}
	}
	return st
}

// Lease grants access to the buffer of one frame until that frame is released.
type Lease struct {
	m     *Manager
	s     *slot
	gen   uint64
	frame uint32
}

// Frame returns the frame number the lease was issued for.
func (l *Lease) Frame() uint32 {
	return l.frame
}

// Info returns the buffer registration without its memory.
func (l *Lease) Info() plugin.BufferInfo {
	info := l.s.info
	info.Mem = nil
	return info
}

// Valid reports whether the lease still refers to its frame.
func (l *Lease) Valid() bool {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	return l.s.gen == l.gen
}

// Bytes returns the buffer memory, or nil once the lease is no longer valid.
func (l *Lease) Bytes() []byte {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if l.s.gen != l.gen {
		return nil
	}
	return l.s.info.Mem
}
