package camera

import (
	"errors"
	"fmt"

	"github.com/jmylchreest/camplug/internal/delivery"
	"github.com/jmylchreest/camplug/pkg/plugin"
)

// Host buffers for legacy modules use handles above legacyHandleBase so
// they never collide with handles a module registers itself.
const legacyHandleBase plugin.Handle = 1 << 62

// startLegacy gives legacy modules a fresh mailbox and starts the
// goroutine draining it. Newer modules get no sink.
func (s *Stream) startLegacy() plugin.EventSink {
	if s.desc.Version >= plugin.APIVersion2 {
		return nil
	}

	s.legacy.mu.Lock()
	defer s.legacy.mu.Unlock()

	mb := delivery.NewMailbox(s.mailboxSize)
	done := make(chan struct{})
	s.legacy.mailbox, s.legacy.done = mb, done
	go s.pump(mb, done)
	return mb
}

func (s *Stream) stopLegacy() {
	s.legacy.mu.Lock()
	mb, done := s.legacy.mailbox, s.legacy.done
	s.legacy.mailbox, s.legacy.done = nil, nil
	s.legacy.mu.Unlock()

	if mb == nil {
		return
	}
	mb.Close()
	<-done

	dropped := mb.Dropped()
	s.legacy.mu.Lock()
	s.legacy.reported += dropped
	s.legacy.mu.Unlock()
	s.metrics.FramesDropped(s.name, "mailbox", int(dropped))
}

// pump handles events until the mailbox closes. Events still queued then
// are counted as dropped.
func (s *Stream) pump(mb *delivery.Mailbox, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-mb.Done():
			s.discard(mb)
			return
		default:
		}

		select {
		case <-mb.Done():
			s.discard(mb)
			return
		case ev := <-mb.Events():
			s.handleEvent(ev)
		}
	}
}

func (s *Stream) discard(mb *delivery.Mailbox) {
	if n := mb.Drain(); n > 0 {
		s.logger.Debug("legacy events discarded at stop", "count", n)
	}
}

func (s *Stream) handleEvent(ev plugin.Event) {
	switch ev.Kind {
	case plugin.EventFrame:
		if err := s.deliverLegacy(ev.Frame); err != nil {
			s.logger.Warn("legacy frame dropped", "frame", ev.Frame.Number, "error", err)
		}
	case plugin.EventError:
		s.moduleError(ev.State, ev.Param)
	case plugin.EventBufferRegistered:
		if err := s.buffers.Register(ev.Buffer); err != nil {
			s.logger.Warn("legacy buffer registration rejected", "handle", ev.Buffer.Handle, "error", err)
		}
	default:
		s.logger.Warn("unknown legacy event", "kind", int(ev.Kind))
	}
}

// deliverLegacy copies a pushed frame into a host buffer, allocating
// buffers on demand up to the configured cap.
func (s *Stream) deliverLegacy(f plugin.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}

	lease, err := s.buffers.Acquire(f.Number)
	if errors.Is(err, plugin.ErrBusy) && s.buffers.Stats().Registered < s.legacyBuffers {
		s.legacy.mu.Lock()
		s.legacy.next++
		h := legacyHandleBase + s.legacy.next
		s.legacy.mu.Unlock()

		if rerr := s.buffers.Register(plugin.BufferInfo{Handle: h, Len: f.Len(), FD: -1}); rerr != nil {
			return rerr
		}
		lease, err = s.buffers.Acquire(f.Number)
	}
	if errors.Is(err, plugin.ErrBusy) {
		lease, err = s.acquire(f.Number)
	}
	if err != nil {
		return err
	}

	info := lease.Info()
	if info.Len < f.Len() {
		_ = s.buffers.Release(f.Number)
		return fmt.Errorf("%w: frame %d needs %d bytes, buffer %#x holds %d",
			plugin.ErrInvalidParam, f.Number, f.Len(), info.Handle, info.Len)
	}

	f.Handle = info.Handle
	return s.commit(f)
}
