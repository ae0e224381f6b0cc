package plugin

import (
	"fmt"
	"strings"
)

// Handle is the opaque module-chosen identifier of a registered buffer.
// Zero is never a valid handle.
type Handle uint64

// BufferInfo describes a buffer a module registers with the host.
type BufferInfo struct {
	Handle Handle `json:"handle"`
	Len    uint32 `json:"len"`
	FD     int32  `json:"fd"`

	// Mem is the shared memory backing the buffer. It is never transported
	// over RPC; a host serving an out-of-process module allocates its own.
	Mem []byte `json:"-"`
}

// Region is the size of one image region in bytes-per-pixel units of one.
type Region struct {
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

// Size returns width*height.
func (r Region) Size() uint64 {
	return uint64(r.Width) * uint64(r.Height)
}

// IsZero reports whether both dimensions are zero.
func (r Region) IsZero() bool {
	return r.Width == 0 && r.Height == 0
}

// Frame is the metadata a module reports for one captured frame.
type Frame struct {
	Number               uint32 `json:"number"`
	TimestampNs          uint64 `json:"timestamp_ns"`
	ExposureNs           uint64 `json:"exposure_ns"`
	Gain                 int32  `json:"gain"`
	Primary              Region `json:"primary"`
	Secondary            Region `json:"secondary"`
	RollingShutterSkewNs uint64 `json:"rolling_shutter_skew_ns"`
	Handle               Handle `json:"handle"`

	// Data is the frame payload. Len(Data) is the frame length.
	Data []byte `json:"-"`
}

// ExpectedLen returns the payload length implied by the region sizes.
func (f *Frame) ExpectedLen() uint64 {
	return f.Primary.Size() + f.Secondary.Size()
}

// Len returns the payload length.
func (f *Frame) Len() uint32 {
	return uint32(len(f.Data))
}

// Validate checks the frame layout invariants: a non-zero frame number, a
// primary region, a secondary region that is either absent or complete, and
// a payload matching the region sizes.
func (f *Frame) Validate() error {
	if f.Number == 0 {
		return fmt.Errorf("%w: frame number 0", ErrInvalidParam)
	}
	if f.Primary.Width == 0 || f.Primary.Height == 0 {
		return fmt.Errorf("%w: frame %d has empty primary region %dx%d",
			ErrInvalidParam, f.Number, f.Primary.Width, f.Primary.Height)
	}
	if (f.Secondary.Width == 0) != (f.Secondary.Height == 0) {
		return fmt.Errorf("%w: frame %d has partial secondary region %dx%d",
			ErrInvalidParam, f.Number, f.Secondary.Width, f.Secondary.Height)
	}
	if want := f.ExpectedLen(); uint64(len(f.Data)) != want {
		return fmt.Errorf("%w: frame %d length %d, regions imply %d",
			ErrInvalidParam, f.Number, len(f.Data), want)
	}
	return nil
}

// Rect is a crop rectangle in sensor pixels.
type Rect struct {
	Top    uint32 `json:"top" yaml:"top"`
	Left   uint32 `json:"left" yaml:"left"`
	Width  uint32 `json:"width" yaml:"width"`
	Height uint32 `json:"height" yaml:"height"`
}

// IsZero reports whether every field is zero.
func (r Rect) IsZero() bool {
	return r == Rect{}
}

// CropRegion is the crop applied to the sensor output. An all-zero
// Secondary selects single-crop mode.
type CropRegion struct {
	Primary   Rect `json:"primary" yaml:"primary"`
	Secondary Rect `json:"secondary" yaml:"secondary"`
}

// NewCropRegion builds a crop region from the eight values of a dual crop.
// Pass zeros for the second rectangle to request a single crop.
func NewCropRegion(lTop, lLeft, lWidth, lHeight, rTop, rLeft, rWidth, rHeight uint32) CropRegion {
	return CropRegion{
		Primary:   Rect{Top: lTop, Left: lLeft, Width: lWidth, Height: lHeight},
		Secondary: Rect{Top: rTop, Left: rLeft, Width: rWidth, Height: rHeight},
	}
}

// Dual reports whether the crop produces a secondary region.
func (c CropRegion) Dual() bool {
	return !c.Secondary.IsZero()
}

// Validate rejects empty primary rectangles and secondary rectangles that are
// neither all-zero nor of non-zero size.
func (c CropRegion) Validate() error {
	if c.Primary.Width == 0 || c.Primary.Height == 0 {
		return fmt.Errorf("%w: crop primary rectangle has zero size", ErrInvalidParam)
	}
	if c.Dual() && (c.Secondary.Width == 0 || c.Secondary.Height == 0) {
		return fmt.Errorf("%w: crop secondary rectangle must be all zero or have non-zero size", ErrInvalidParam)
	}
	return nil
}

// Regions returns the frame regions this crop produces.
func (c CropRegion) Regions() (primary, secondary Region) {
	primary = Region{Width: c.Primary.Width, Height: c.Primary.Height}
	if c.Dual() {
		secondary = Region{Width: c.Secondary.Width, Height: c.Secondary.Height}
	}
	return primary, secondary
}

// CameraInfo describes the sensor a module drives.
type CameraInfo struct {
	Width        uint32 `json:"width"`
	Height       uint32 `json:"height"`
	BitsPerPixel uint32 `json:"bits_per_pixel"`
	IntervalNs   uint64 `json:"interval_ns"`
}

// Param is a name/value pair passed at Create.
type Param struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Transform is a rigid transform between two named hardware frames.
type Transform struct {
	From   string      `json:"from" yaml:"from"`
	To     string      `json:"to" yaml:"to"`
	Matrix [16]float32 `json:"matrix" yaml:"matrix"`
}

// CreateParams are the arguments of Create.
type CreateParams struct {
	Params     []Param     `json:"params,omitempty"`
	Transforms []Transform `json:"transforms,omitempty"`
}

// ErrorState is the state a module reports through NotifyError.
type ErrorState int32

// Error states.
const (
	ErrorStateRecovering    ErrorState = 0
	ErrorStateRecovered     ErrorState = 1
	ErrorStateUnrecoverable ErrorState = 2
)

// String returns the state name.
func (s ErrorState) String() string {
	switch s {
	case ErrorStateRecovering:
		return "recovering"
	case ErrorStateRecovered:
		return "recovered"
	case ErrorStateUnrecoverable:
		return "unrecoverable"
	default:
		return fmt.Sprintf("ErrorState(%d)", int32(s))
	}
}

// EventKind identifies a legacy push event.
type EventKind int

// Legacy event kinds.
const (
	EventFrame EventKind = iota + 1
	EventError
	EventBufferRegistered
)

// Event is a message a v1 module posts to the host through its EventSink.
type Event struct {
	Kind   EventKind
	Frame  Frame
	Buffer BufferInfo
	State  ErrorState
	Param  uint64
}

// StartArgs are passed to a module's Start.
type StartArgs struct {
	CameraID int32

	// Host receives v2+ callbacks.
	Host Host

	// Sink receives v1 legacy events.
	Sink EventSink
}

// GetParamArgs are the arguments of the GetParam operation.
type GetParamArgs struct {
	Name string
	Dst  []byte
}

// SetParamArgs are the arguments of the SetParam operation.
type SetParamArgs struct {
	Name  string
	Value string
}

// ExposureGain are the arguments of SetExposureAndGain.
type ExposureGain struct {
	ExposureNs uint64
	Gain       int32
}

// SetDataArgs are the arguments of SetData. Control is optional; Payload
// must not be empty.
type SetDataArgs struct {
	Control []byte
	Payload []byte
}

// GetDataArgs are the arguments of GetData. A nil Dst queries the payload length.
type GetDataArgs struct {
	Control []byte
	Dst     []byte
}

// FdMode is the access mode of a descriptor obtained with GetFd.
type FdMode int32

// Descriptor modes. A read descriptor must support poll.
const (
	FdModeRead FdMode = iota
	FdModeWrite
)

// String returns the mode name.
func (m FdMode) String() string {
	switch m {
	case FdModeRead:
		return "read"
	case FdModeWrite:
		return "write"
	default:
		return fmt.Sprintf("FdMode(%d)", int32(m))
	}
}

// GetFdArgs are the arguments of GetFd.
type GetFdArgs struct {
	Name string
	Mode FdMode
}

// CapabilityFlags is the feature bitmask a module reports through
// GetCapabilities. The host asks once, right after Create.
type CapabilityFlags uint64

// Capability flags.
const (
	// CapDualCrop means SetCropRegion accepts a secondary rectangle.
	CapDualCrop CapabilityFlags = 1 << iota

	// CapZeroCopy means registered buffers are backed by module memory
	// the host reads in place.
	CapZeroCopy

	// CapTransforms means the module applies hardware transforms.
	CapTransforms

	// CapDataFd means GetFd serves named data descriptors.
	CapDataFd
)

var capabilityNames = []struct {
	flag CapabilityFlags
	name string
}{
	{CapDualCrop, "dual-crop"},
	{CapZeroCopy, "zero-copy"},
	{CapTransforms, "transforms"},
	{CapDataFd, "data-fd"},
}

// Has reports whether every flag in f is set.
func (c CapabilityFlags) Has(f CapabilityFlags) bool {
	return c&f == f
}

// String returns the set flags joined by '|', or "none".
func (c CapabilityFlags) String() string {
	if c == 0 {
		return "none"
	}
	var names []string
	rest := c
	for _, n := range capabilityNames {
		if c&n.flag != 0 {
			names = append(names, n.name)
			rest &^= n.flag
		}
	}
	if rest != 0 {
		names = append(names, fmt.Sprintf("%#x", uint64(rest)))
	}
	return strings.Join(names, "|")
}
