package synthetic

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jmylchreest/camplug/pkg/plugin"
)

// BlobCalibration is the data blob every synthetic module starts with.
const BlobCalibration = "calibration"

type openFd struct {
	file *os.File
	name string
	mode plugin.FdMode
}

func (m *Module) initBlobs() {
	m.blobs = map[string][]byte{
		BlobCalibration: fmt.Appendf(nil, "sensor %dx%d\npattern xor\n", m.cfg.Width, m.cfg.Height),
	}
	m.fds = make(map[int32]openFd)
}

// SetTransform implements plugin.TransformSetter. A transform between the
// same pair of frames replaces the previous one.
func (m *Module) SetTransform(_ context.Context, t plugin.Transform) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.transforms {
		if cur.From == t.From && cur.To == t.To {
			m.transforms[i] = t
			return nil
		}
	}
	m.transforms = append(m.transforms, t)
	return nil
}

// Transforms returns the active hardware transforms.
func (m *Module) Transforms() []plugin.Transform {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]plugin.Transform(nil), m.transforms...)
}

// GetData implements plugin.DataExchanger. Control names the blob.
func (m *Module) GetData(_ context.Context, control, dst []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.blobs[string(control)]
	if !ok {
		return 0, fmt.Errorf("%w: unknown data %q", plugin.ErrInvalidParam, control)
	}
	copy(dst, v)
	return len(v), nil
}

// SetData implements plugin.DataExchanger.
func (m *Module) SetData(_ context.Context, control, payload []byte) error {
	if len(control) == 0 || len(payload) == 0 {
		return fmt.Errorf("%w: data needs a name and a payload", plugin.ErrInvalidParam)
	}
	m.mu.Lock()
	m.blobs[string(control)] = append([]byte(nil), payload...)
	m.mu.Unlock()
	return nil
}

// GetFd implements plugin.FdProvider. A read descriptor holds a copy of the
// named blob; whatever is written to a write descriptor replaces the blob
// when it is released.
func (m *Module) GetFd(_ context.Context, name string, mode plugin.FdMode) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, ok := m.blobs[name]
	switch {
	case mode == plugin.FdModeRead && !ok:
		return -1, fmt.Errorf("%w: unknown data %q", plugin.ErrInvalidParam, name)
	case mode != plugin.FdModeRead && mode != plugin.FdModeWrite:
		return -1, fmt.Errorf("%w: descriptor mode %s", plugin.ErrInvalidParam, mode)
	}

	f, err := os.CreateTemp("", "camplug-"+Name+"-*")
	if err != nil {
		return -1, fmt.Errorf("%w: %v", plugin.ErrGeneric, err)
	}
	if mode == plugin.FdModeRead {
		if _, err := f.Write(blob); err == nil {
			_, err = f.Seek(0, io.SeekStart)
		}
		if err != nil {
			closeTemp(f)
			return -1, fmt.Errorf("%w: %v", plugin.ErrGeneric, err)
		}
	}

	fd := int32(f.Fd())
	m.fds[fd] = openFd{file: f, name: name, mode: mode}
	m.logger.Trace("descriptor opened", "name", name, "mode", mode, "fd", fd)
	return fd, nil
}

// ReleaseFd implements plugin.FdProvider.
func (m *Module) ReleaseFd(_ context.Context, fd int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.fds[fd]
	if !ok {
		return fmt.Errorf("%w: unknown descriptor %d", plugin.ErrInvalidParam, fd)
	}
	delete(m.fds, fd)
	defer closeTemp(o.file)

	if o.mode != plugin.FdModeWrite {
		return nil
	}
	if _, err := o.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %v", plugin.ErrGeneric, err)
	}
	data, err := io.ReadAll(o.file)
	if err != nil {
		return fmt.Errorf("%w: %v", plugin.ErrGeneric, err)
	}
	if len(data) > 0 {
		m.blobs[o.name] = data
	}
	return nil
}

// closeFdsLocked releases every descriptor the host did not return.
func (m *Module) closeFdsLocked() {
	for fd, o := range m.fds {
		closeTemp(o.file)
		delete(m.fds, fd)
	}
}

func closeTemp(f *os.File) {
	_ = f.Close()
	_ = os.Remove(f.Name())
}

// GetCapabilities implements plugin.CapabilityReporter. Frames are written
// in place into host-lent memory from API v3 on.
func (m *Module) GetCapabilities(context.Context) (plugin.CapabilityFlags, error) {
	flags := plugin.CapDualCrop | plugin.CapTransforms | plugin.CapDataFd
	if m.cfg.APIVersion >= plugin.APIVersion3 {
		flags |= plugin.CapZeroCopy
	}
	return flags, nil
}
