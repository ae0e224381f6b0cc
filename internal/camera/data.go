package camera

import (
	"context"
	"fmt"

	"github.com/jmylchreest/camplug/pkg/plugin"
)

// SetTransform sets or updates a hardware transform.
func (s *Stream) SetTransform(ctx context.Context, t plugin.Transform) error {
	if err := s.machine.Require("SetTransform", liveStates...); err != nil {
		return err
	}
	if t.From == "" || t.To == "" {
		return fmt.Errorf("%w: transform needs both frame names", plugin.ErrInvalidParam)
	}
	_, err := s.invoke(ctx, plugin.OpSetTransform, t)
	return err
}

// GetData reads the module payload selected by control. A nil dst queries
// the length; a short dst receives a truncated copy.
func (s *Stream) GetData(ctx context.Context, control, dst []byte) (int, error) {
	if err := s.machine.Require("GetData", liveStates...); err != nil {
		return 0, err
	}
	v, err := s.invoke(ctx, plugin.OpGetData, plugin.GetDataArgs{Control: control, Dst: dst})
	if err != nil {
		return 0, err
	}
	n, _ := v.(int)
	return n, nil
}

// SetData hands payload to the module. Control is optional.
func (s *Stream) SetData(ctx context.Context, control, payload []byte) error {
	if err := s.machine.Require("SetData", liveStates...); err != nil {
		return err
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", plugin.ErrInvalidParam)
	}
	_, err := s.invoke(ctx, plugin.OpSetData, plugin.SetDataArgs{Control: control, Payload: payload})
	return err
}

// GetFd asks the module for a named data descriptor. The descriptor stays
// open until ReleaseFd.
func (s *Stream) GetFd(ctx context.Context, name string, mode plugin.FdMode) (int32, error) {
	if err := s.machine.Require("GetFd", liveStates...); err != nil {
		return -1, err
	}
	if name == "" {
		return -1, fmt.Errorf("%w: empty descriptor name", plugin.ErrInvalidParam)
	}
	v, err := s.invoke(ctx, plugin.OpGetFd, plugin.GetFdArgs{Name: name, Mode: mode})
	if err != nil {
		return -1, err
	}
	fd, _ := v.(int32)
	return fd, nil
}

// ReleaseFd returns a descriptor obtained with GetFd.
func (s *Stream) ReleaseFd(ctx context.Context, fd int32) error {
	if err := s.machine.Require("ReleaseFd", liveStates...); err != nil {
		return err
	}
	_, err := s.invoke(ctx, plugin.OpReleaseFd, fd)
	return err
}

// Flags returns the feature flags the module reported after Create.
// Modules that cannot report them get none.
func (s *Stream) Flags() plugin.CapabilityFlags {
	return plugin.CapabilityFlags(s.flags.Load())
}

// queryFlags asks the module for its feature flags once Create succeeded.
func (s *Stream) queryFlags(ctx context.Context) {
	if !s.desc.Capabilities().Supports(plugin.OpGetCapabilities) {
		return
	}
	v, err := s.invoke(ctx, plugin.OpGetCapabilities, nil)
	if err != nil {
		s.logger.Warn("module capabilities unavailable", "error", err)
		return
	}
	flags, _ := v.(plugin.CapabilityFlags)
	s.flags.Store(uint64(flags))
	s.logger.Debug("module capabilities", "flags", flags.String())
}
