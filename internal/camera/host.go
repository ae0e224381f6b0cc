package camera

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmylchreest/camplug/internal/buffer"
	"github.com/jmylchreest/camplug/internal/delivery"
	"github.com/jmylchreest/camplug/pkg/plugin"
)

// moduleHost is the plugin.Host a started module calls back into.
type moduleHost struct {
	s *Stream
}

func (h *moduleHost) check(op plugin.OpID) error {
	return h.s.gate.Check(h.s.desc.Version, op)
}

func (h *moduleHost) requireProducing(op plugin.OpID) error {
	if !h.s.producing.Load() {
		return fmt.Errorf("%w: %s outside a started stream", plugin.ErrInvalidState, op)
	}
	return nil
}

// RegisterBuffer implements plugin.Host.
func (h *moduleHost) RegisterBuffer(_ context.Context, info plugin.BufferInfo) error {
	if err := h.check(plugin.OpRegisterBuffer); err != nil {
		return err
	}
	if err := h.s.machine.Require("RegisterBuffer", liveStates...); err != nil {
		return err
	}
	if err := h.s.buffers.Register(info); err != nil {
		return err
	}
	h.s.observe()
	return nil
}

// UnregisterBuffer implements plugin.Host.
func (h *moduleHost) UnregisterBuffer(_ context.Context, handle plugin.Handle) error {
	if err := h.check(plugin.OpUnregisterBuffer); err != nil {
		return err
	}
	if err := h.s.buffers.Unregister(handle); err != nil {
		return err
	}
	h.s.observe()
	return nil
}

// AcquireFrameBuffer implements plugin.Host. When every buffer is busy the
// oldest frame the consumer has not fetched is dropped to make room.
func (h *moduleHost) AcquireFrameBuffer(_ context.Context, frame uint32) (plugin.BufferInfo, error) {
	if err := h.check(plugin.OpAcquireFrameBuffer); err != nil {
		return plugin.BufferInfo{}, err
	}
	if err := h.requireProducing(plugin.OpAcquireFrameBuffer); err != nil {
		return plugin.BufferInfo{}, err
	}

	lease, err := h.s.acquire(frame)
	if err != nil {
		return plugin.BufferInfo{}, err
	}
	info := lease.Info()
	info.Mem = lease.Bytes()
	return info, nil
}

// FrameReady implements plugin.Host.
func (h *moduleHost) FrameReady(_ context.Context, f plugin.Frame) error {
	if err := h.check(plugin.OpFrameReady); err != nil {
		return err
	}
	if err := h.requireProducing(plugin.OpFrameReady); err != nil {
		return err
	}
	return h.s.commit(f)
}

// NotifyError implements plugin.Host.
func (h *moduleHost) NotifyError(_ context.Context, state plugin.ErrorState, param uint64) error {
	if err := h.check(plugin.OpNotifyError); err != nil {
		return err
	}
	h.s.moduleError(state, param)
	return nil
}

func (s *Stream) moduleError(state plugin.ErrorState, param uint64) {
	n := delivery.Notification{Kind: delivery.ErrorRaised, ErrorState: state, Param: param}
	switch state {
	case plugin.ErrorStateUnrecoverable:
		n.Err = plugin.ErrUnrecoverable
		s.logger.Error("module reported unrecoverable error")
	case plugin.ErrorStateRecovering:
		s.logger.Warn("module recovering", "expected_seconds", param)
	default:
		s.logger.Info("module error state", "state", state.String())
	}
	s.notify(n)
}

// acquire binds a free buffer to frame, reclaiming the oldest unfetched
// frame once if none is free.
func (s *Stream) acquire(frame uint32) (*buffer.Lease, error) {
	lease, err := s.buffers.Acquire(frame)
	if errors.Is(err, plugin.ErrBusy) {
		if dropped, ok := s.channel.DropOldest(); ok {
			s.logger.Trace("reclaimed buffer", "dropped_frame", dropped, "for_frame", frame)
			lease, err = s.buffers.Acquire(frame)
		}
	}
	return lease, err
}

// commit validates a reported frame, moves its payload into the registered
// buffer unless it is already there, and publishes it. The payload is only
// written once the buffer is known to be bound to the frame and Filling.
func (s *Stream) commit(f plugin.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	info, ok := s.buffers.Lookup(f.Handle)
	if !ok {
		return fmt.Errorf("%w: frame %d names unregistered buffer %#x", plugin.ErrInvalidParam, f.Number, f.Handle)
	}
	if f.Len() > info.Len {
		return fmt.Errorf("%w: frame %d length %d exceeds buffer %#x length %d",
			plugin.ErrInvalidParam, f.Number, f.Len(), f.Handle, info.Len)
	}

	if _, bound := s.buffers.FrameState(f.Number); !bound {
		if err := s.bind(f.Number, f.Handle); err != nil {
			return err
		}
	}

	data, err := s.buffers.Fill(f.Number, f.Handle, f.Data)
	if err != nil {
		return err
	}
	f.Data = data

	if err := s.buffers.Commit(f.Number, f.Handle); err != nil {
		return err
	}
	if err := s.channel.Publish(f); err != nil {
		_ = s.buffers.Release(f.Number)
		return err
	}
	s.observe()
	return nil
}

// bind claims a buffer the module chose itself. A buffer still holding a
// frame nobody fetched is taken back.
func (s *Stream) bind(frame uint32, h plugin.Handle) error {
	_, err := s.buffers.Bind(frame, h)
	if !errors.Is(err, plugin.ErrBusy) {
		return err
	}
	old, st, _ := s.buffers.Holder(h)
	if st != buffer.Ready || !s.channel.Drop(old) {
		return err
	}
	_, err = s.buffers.Bind(frame, h)
	return err
}
