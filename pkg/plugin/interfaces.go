package plugin

import "context"

// Module is the interface every camera module implements.
type Module interface {
	// Init loads module state for the given key.
	Init(ctx context.Context, key string) error

	// Deinit releases everything Init acquired.
	Deinit(ctx context.Context) error

	// Start begins capture. Frames are reported through args.Host (v2+) or
	// args.Sink (v1).
	Start(ctx context.Context, args StartArgs) error

	// Stop ends capture.
	Stop(ctx context.Context) error

	// GetParam copies the value of name into dst and returns the full length.
	// A nil dst queries the length only.
	GetParam(ctx context.Context, name string, dst []byte) (int, error)

	// SetParam sets a named parameter.
	SetParam(ctx context.Context, name, value string) error
}

// Creator is implemented by modules that need a bracket around Init/Deinit.
type Creator interface {
	Create(ctx context.Context, params CreateParams) error
	Destroy(ctx context.Context) error
}

// InfoProvider reports sensor information.
type InfoProvider interface {
	CameraInfo(ctx context.Context) (CameraInfo, error)
}

// ExposureController sets manual exposure and gain.
type ExposureController interface {
	SetExposureAndGain(ctx context.Context, exposureNs uint64, gain int32) error
}

// GammaController sets the sensor gamma.
type GammaController interface {
	SetGamma(ctx context.Context, gamma float32) error
}

// Cropper applies a crop region to the sensor output.
type Cropper interface {
	SetCropRegion(ctx context.Context, crop CropRegion) error
}

// Pauser suspends and resumes capture without tearing down buffers.
type Pauser interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// TransformSetter updates a hardware transform after Create.
type TransformSetter interface {
	SetTransform(ctx context.Context, t Transform) error
}

// DataExchanger passes opaque data between host clients and the module.
type DataExchanger interface {
	// GetData copies the payload selected by control into dst and returns
	// the full length. A nil dst queries the length only.
	GetData(ctx context.Context, control, dst []byte) (int, error)

	// SetData hands payload to the module.
	SetData(ctx context.Context, control, payload []byte) error
}

// FdProvider serves named file descriptors for bulk data transfer.
type FdProvider interface {
	GetFd(ctx context.Context, name string, mode FdMode) (int32, error)
	ReleaseFd(ctx context.Context, fd int32) error
}

// CapabilityReporter reports feature flags the operation table cannot express.
type CapabilityReporter interface {
	GetCapabilities(ctx context.Context) (CapabilityFlags, error)
}

// Host is the set of callbacks the host exposes to a started module.
// Each callback is gated on the API level the module declared.
type Host interface {
	// RegisterBuffer makes a module buffer available for frame delivery.
	RegisterBuffer(ctx context.Context, info BufferInfo) error

	// UnregisterBuffer withdraws a free buffer.
	UnregisterBuffer(ctx context.Context, handle Handle) error

	// AcquireFrameBuffer hands the module an idle buffer to fill with frame.
	AcquireFrameBuffer(ctx context.Context, frame uint32) (BufferInfo, error)

	// FrameReady passes ownership of a filled buffer to the host.
	FrameReady(ctx context.Context, frame Frame) error

	// NotifyError reports a module error state. For ErrorStateRecovering,
	// param is the expected number of seconds to recovery.
	NotifyError(ctx context.Context, state ErrorState, param uint64) error
}

// EventSink receives legacy push events. Post never blocks and reports
// whether the event was accepted.
type EventSink interface {
	Post(ev Event) bool
}
