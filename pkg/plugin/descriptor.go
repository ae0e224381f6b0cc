package plugin

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Op is one entry of a module's operation table.
type Op func(ctx context.Context, args any) (any, error)

// OpTable maps operation identifiers to implementations. A missing entry
// means the module does not implement the operation.
type OpTable map[OpID]Op

// Descriptor is what a module exposes to the host: the API level it
// declares and its operation table.
type Descriptor struct {
	Version APIVersion
	Ops     OpTable
}

// Validate checks that the descriptor can be loaded by this host.
func (d *Descriptor) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil descriptor", ErrInvalidParam)
	}
	if d.Version < MinAPIVersion {
		return fmt.Errorf("%w: descriptor declares API %s, minimum is %s", ErrNotSupported, d.Version, MinAPIVersion)
	}
	return nil
}

// Capabilities returns the immutable capability table of the descriptor.
func (d *Descriptor) Capabilities() CapabilityTable {
	ops := make([]OpID, 0, len(d.Ops))
	for op, fn := range d.Ops {
		if fn != nil {
			ops = append(ops, op)
		}
	}
	slices.Sort(ops)
	return CapabilityTable{version: d.Version, ops: ops}
}

// NewDescriptor builds a descriptor for m. Mandatory operations come from
// the Module interface; optional operations are filled for every capability
// interface m implements.
func NewDescriptor(version APIVersion, m Module) *Descriptor {
	ops := OpTable{
		OpInit: func(ctx context.Context, args any) (any, error) {
			key, err := argAs[string](OpInit, args)
			if err != nil {
				return nil, err
			}
			return nil, m.Init(ctx, key)
		},
		OpDeinit: func(ctx context.Context, _ any) (any, error) {
			return nil, m.Deinit(ctx)
		},
		OpStart: func(ctx context.Context, args any) (any, error) {
			sa, err := argAs[StartArgs](OpStart, args)
			if err != nil {
				return nil, err
			}
			return nil, m.Start(ctx, sa)
		},
		OpStop: func(ctx context.Context, _ any) (any, error) {
			return nil, m.Stop(ctx)
		},
		OpGetParam: func(ctx context.Context, args any) (any, error) {
			ga, err := argAs[GetParamArgs](OpGetParam, args)
			if err != nil {
				return nil, err
			}
			return m.GetParam(ctx, ga.Name, ga.Dst)
		},
		OpSetParam: func(ctx context.Context, args any) (any, error) {
			sa, err := argAs[SetParamArgs](OpSetParam, args)
			if err != nil {
				return nil, err
			}
			return nil, m.SetParam(ctx, sa.Name, sa.Value)
		},
	}

	if c, ok := m.(Creator); ok {
		ops[OpCreate] = func(ctx context.Context, args any) (any, error) {
			if args == nil {
				return nil, c.Create(ctx, CreateParams{})
			}
			p, err := argAs[CreateParams](OpCreate, args)
			if err != nil {
				return nil, err
			}
			return nil, c.Create(ctx, p)
		}
		ops[OpDestroy] = func(ctx context.Context, _ any) (any, error) {
			return nil, c.Destroy(ctx)
		}
	}
	if p, ok := m.(InfoProvider); ok {
		ops[OpGetCameraInfo] = func(ctx context.Context, _ any) (any, error) {
			return p.CameraInfo(ctx)
		}
	}
	if e, ok := m.(ExposureController); ok {
		ops[OpSetExposureAndGain] = func(ctx context.Context, args any) (any, error) {
			eg, err := argAs[ExposureGain](OpSetExposureAndGain, args)
			if err != nil {
				return nil, err
			}
			return nil, e.SetExposureAndGain(ctx, eg.ExposureNs, eg.Gain)
		}
	}
	if g, ok := m.(GammaController); ok {
		ops[OpSetGamma] = func(ctx context.Context, args any) (any, error) {
			gamma, err := argAs[float32](OpSetGamma, args)
			if err != nil {
				return nil, err
			}
			return nil, g.SetGamma(ctx, gamma)
		}
	}
	if c, ok := m.(Cropper); ok {
		ops[OpSetCropRegion] = func(ctx context.Context, args any) (any, error) {
			crop, err := argAs[CropRegion](OpSetCropRegion, args)
			if err != nil {
				return nil, err
			}
			return nil, c.SetCropRegion(ctx, crop)
		}
	}
	if p, ok := m.(Pauser); ok {
		ops[OpPause] = func(ctx context.Context, _ any) (any, error) {
			return nil, p.Pause(ctx)
		}
		ops[OpResume] = func(ctx context.Context, _ any) (any, error) {
			return nil, p.Resume(ctx)
		}
	}
	if t, ok := m.(TransformSetter); ok {
		ops[OpSetTransform] = func(ctx context.Context, args any) (any, error) {
			tr, err := argAs[Transform](OpSetTransform, args)
			if err != nil {
				return nil, err
			}
			return nil, t.SetTransform(ctx, tr)
		}
	}
	if d, ok := m.(DataExchanger); ok {
		ops[OpGetData] = func(ctx context.Context, args any) (any, error) {
			ga, err := argAs[GetDataArgs](OpGetData, args)
			if err != nil {
				return nil, err
			}
			return d.GetData(ctx, ga.Control, ga.Dst)
		}
		ops[OpSetData] = func(ctx context.Context, args any) (any, error) {
			sa, err := argAs[SetDataArgs](OpSetData, args)
			if err != nil {
				return nil, err
			}
			return nil, d.SetData(ctx, sa.Control, sa.Payload)
		}
	}
	if f, ok := m.(FdProvider); ok {
		ops[OpGetFd] = func(ctx context.Context, args any) (any, error) {
			ga, err := argAs[GetFdArgs](OpGetFd, args)
			if err != nil {
				return nil, err
			}
			return f.GetFd(ctx, ga.Name, ga.Mode)
		}
		ops[OpReleaseFd] = func(ctx context.Context, args any) (any, error) {
			fd, err := argAs[int32](OpReleaseFd, args)
			if err != nil {
				return nil, err
			}
			return nil, f.ReleaseFd(ctx, fd)
		}
	}
	if c, ok := m.(CapabilityReporter); ok {
		ops[OpGetCapabilities] = func(ctx context.Context, _ any) (any, error) {
			return c.GetCapabilities(ctx)
		}
	}

	return &Descriptor{Version: version, Ops: ops}
}

func argAs[T any](op OpID, args any) (T, error) {
	v, ok := args.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s expects %T, got %T", ErrInvalidParam, op, zero, args)
	}
	return v, nil
}

// CapabilityTable is the sorted set of operations a descriptor implements,
// together with its declared API level.
type CapabilityTable struct {
	version APIVersion
	ops     []OpID
}

// Version returns the declared API level.
func (t CapabilityTable) Version() APIVersion {
	return t.version
}

// Ops returns the implemented operations in ABI order.
func (t CapabilityTable) Ops() []OpID {
	return slices.Clone(t.ops)
}

// Implements reports whether the operation table has an entry for op.
func (t CapabilityTable) Implements(op OpID) bool {
	_, found := slices.BinarySearch(t.ops, op)
	return found
}

// Supports reports whether op is known to this host, allowed at the
// declared API level, and implemented.
func (t CapabilityTable) Supports(op OpID) bool {
	if !op.Known() || t.version < op.MinVersion() {
		return false
	}
	return t.Implements(op)
}

// String returns a compact form such as "v2[Init Deinit Start]".
func (t CapabilityTable) String() string {
	names := make([]string, len(t.ops))
	for i, op := range t.ops {
		names[i] = op.String()
	}
	return fmt.Sprintf("%s[%s]", t.version, strings.Join(names, " "))
}
