// Package synthetic implements a camera module that produces a deterministic
// test pattern. It supports every API level so hosts can be exercised against
// each delivery path.
package synthetic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/jmylchreest/camplug/internal/params"
	"github.com/jmylchreest/camplug/pkg/plugin"
)

// Name is the module name.
const Name = "synthetic"

// Defaults.
const (
	DefaultWidth    = 64
	DefaultHeight   = 64
	DefaultInterval = 33 * time.Millisecond
	DefaultBuffers  = 4
	DefaultVendor   = "camplug"
	DefaultVersion  = "1.0.0"
)

// handleBase is the first buffer handle the module registers.
const handleBase plugin.Handle = 0x1000

// Config configures a Module.
type Config struct {
	APIVersion plugin.APIVersion
	Width      uint32
	Height     uint32

	// Interval is the frame period. A negative interval disables the
	// producer goroutine; frames are then only produced by Emit.
	Interval time.Duration

	// Buffers is the number of buffers registered on first Start (v2+).
	Buffers int

	Vendor  string
	Version string
	Logger  hclog.Logger
}

func (c *Config) applyDefaults() {
	if c.APIVersion == plugin.APIVersionInvalid {
		c.APIVersion = plugin.CurrentAPIVersion
	}
	if c.Width == 0 {
		c.Width = DefaultWidth
	}
	if c.Height == 0 {
		c.Height = DefaultHeight
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.Buffers <= 0 {
		c.Buffers = DefaultBuffers
	}
	if c.Vendor == "" {
		c.Vendor = DefaultVendor
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
}

// Module is the synthetic camera.
type Module struct {
	cfg    Config
	params *params.Store
	logger hclog.Logger

	mu         sync.Mutex
	key        string
	transforms []plugin.Transform
	crop       plugin.CropRegion
	exposureNs uint64
	gain       int32
	gamma      float32
	host       plugin.Host
	sink       plugin.EventSink
	buffers    []plugin.BufferInfo
	blobs      map[string][]byte
	fds        map[int32]openFd
	cancel     context.CancelFunc
	done       chan struct{}

	// emitMu serialises frame production and guards scratch.
	emitMu  sync.Mutex
	scratch []byte
	next    atomic.Uint32
	paused  atomic.Bool
}

// New creates a module.
func New(cfg Config) *Module {
	cfg.applyDefaults()
	m := &Module{
		cfg:    cfg,
		params: params.New(cfg.Vendor, cfg.Version),
		logger: cfg.Logger.Named(Name),
		crop:   plugin.NewCropRegion(0, 0, cfg.Width, cfg.Height, 0, 0, 0, 0),
		gamma:  1,
	}
	m.initBlobs()
	return m
}

// Descriptor returns the operation table at the configured API level.
func (m *Module) Descriptor() *plugin.Descriptor {
	return plugin.NewDescriptor(m.cfg.APIVersion, m)
}

// Info returns the module metadata.
func (m *Module) Info() plugin.ModuleInfo {
	return plugin.ModuleInfo{
		Name:        Name,
		Version:     m.cfg.Version,
		Vendor:      m.cfg.Vendor,
		APIVersion:  m.cfg.APIVersion,
		Description: "Deterministic test pattern camera",
	}
}

// Create implements plugin.Creator.
func (m *Module) Create(_ context.Context, p plugin.CreateParams) error {
	for _, kv := range p.Params {
		if err := m.params.Set(kv.Name, kv.Value); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.transforms = append([]plugin.Transform(nil), p.Transforms...)
	m.mu.Unlock()
	m.logger.Debug("created", "params", len(p.Params), "transforms", len(p.Transforms))
	return nil
}

// Destroy implements plugin.Creator.
func (m *Module) Destroy(context.Context) error {
	m.halt()
	m.mu.Lock()
	m.transforms = nil
	m.buffers = nil
	m.closeFdsLocked()
	m.mu.Unlock()
	return nil
}

// Init implements plugin.Module.
func (m *Module) Init(_ context.Context, key string) error {
	m.mu.Lock()
	m.key = key
	m.mu.Unlock()
	m.logger.Debug("initialised", "key", key)
	return nil
}

// Deinit implements plugin.Module. The host forgets registered buffers on
// Deinit, so they are registered again on the next Start.
func (m *Module) Deinit(_ context.Context) error {
	m.halt()
	m.mu.Lock()
	m.buffers = nil
	m.closeFdsLocked()
	m.mu.Unlock()
	return nil
}

// Start implements plugin.Module.
func (m *Module) Start(ctx context.Context, args plugin.StartArgs) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done != nil {
		return fmt.Errorf("%w: already started", plugin.ErrBusy)
	}
	if m.cfg.APIVersion >= plugin.APIVersion2 {
		if args.Host == nil {
			return fmt.Errorf("%w: no host callbacks", plugin.ErrInvalidParam)
		}
		if err := m.registerLocked(ctx, args.Host); err != nil {
			return err
		}
	} else if args.Sink == nil {
		return fmt.Errorf("%w: no event sink", plugin.ErrInvalidParam)
	}

	m.host, m.sink = args.Host, args.Sink
	m.paused.Store(false)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	if m.cfg.Interval > 0 {
		go m.run(runCtx, done)
	} else {
		close(done)
	}
	m.logger.Debug("started", "camera_id", args.CameraID, "api_version", m.cfg.APIVersion)
	return nil
}

func (m *Module) registerLocked(ctx context.Context, host plugin.Host) error {
	if len(m.buffers) > 0 {
		return nil
	}
	size := m.cfg.Width * m.cfg.Height
	bufs := make([]plugin.BufferInfo, 0, m.cfg.Buffers)
	for i := range m.cfg.Buffers {
		info := plugin.BufferInfo{
			Handle: handleBase + plugin.Handle(i),
			Len:    size,
			FD:     -1,
			Mem:    make([]byte, size),
		}
		if err := host.RegisterBuffer(ctx, info); err != nil {
			return fmt.Errorf("registering buffer %#x: %w", info.Handle, err)
		}
		bufs = append(bufs, info)
	}
	m.buffers = bufs
	return nil
}

func (m *Module) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Emit(ctx); err != nil {
				m.logger.Trace("frame skipped", "error", err)
			}
		}
	}
}

// Stop implements plugin.Module.
func (m *Module) Stop(_ context.Context) error {
	m.halt()
	return nil
}

func (m *Module) halt() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	// Wait for an Emit in progress before dropping the callbacks.
	m.emitMu.Lock()
	m.mu.Lock()
	m.host, m.sink = nil, nil
	m.mu.Unlock()
	m.emitMu.Unlock()
}

// Pause implements plugin.Pauser.
func (m *Module) Pause(context.Context) error {
	m.paused.Store(true)
	return nil
}

// Resume implements plugin.Pauser.
func (m *Module) Resume(context.Context) error {
	m.paused.Store(false)
	return nil
}

// GetParam implements plugin.Module.
func (m *Module) GetParam(_ context.Context, name string, dst []byte) (int, error) {
	return m.params.Get(name, dst)
}

// SetParam implements plugin.Module.
func (m *Module) SetParam(_ context.Context, name, value string) error {
	return m.params.Set(name, value)
}

// CameraInfo implements plugin.InfoProvider.
func (m *Module) CameraInfo(context.Context) (plugin.CameraInfo, error) {
	info := plugin.CameraInfo{Width: m.cfg.Width, Height: m.cfg.Height, BitsPerPixel: 8}
	if m.cfg.Interval > 0 {
		info.IntervalNs = uint64(m.cfg.Interval.Nanoseconds())
	}
	return info, nil
}

// SetExposureAndGain implements plugin.ExposureController.
func (m *Module) SetExposureAndGain(_ context.Context, exposureNs uint64, gain int32) error {
	if gain < 0 {
		return fmt.Errorf("%w: negative gain %d", plugin.ErrInvalidParam, gain)
	}
	m.mu.Lock()
	m.exposureNs, m.gain = exposureNs, gain
	m.mu.Unlock()
	return nil
}

// SetGamma implements plugin.GammaController.
func (m *Module) SetGamma(_ context.Context, gamma float32) error {
	if gamma <= 0 {
		return fmt.Errorf("%w: gamma %v must be positive", plugin.ErrInvalidParam, gamma)
	}
	m.mu.Lock()
	m.gamma = gamma
	m.mu.Unlock()
	return nil
}

// SetCropRegion implements plugin.Cropper. Every rectangle must lie on the
// sensor and the cropped frame must fit one buffer.
func (m *Module) SetCropRegion(_ context.Context, crop plugin.CropRegion) error {
	if err := crop.Validate(); err != nil {
		return err
	}
	rects := []plugin.Rect{crop.Primary}
	if crop.Dual() {
		rects = append(rects, crop.Secondary)
	}
	for _, r := range rects {
		if uint64(r.Left)+uint64(r.Width) > uint64(m.cfg.Width) ||
			uint64(r.Top)+uint64(r.Height) > uint64(m.cfg.Height) {
			return fmt.Errorf("%w: crop %+v outside %dx%d sensor", plugin.ErrInvalidParam, r, m.cfg.Width, m.cfg.Height)
		}
	}
	p, s := crop.Regions()
	if p.Size()+s.Size() > uint64(m.cfg.Width)*uint64(m.cfg.Height) {
		return fmt.Errorf("%w: cropped frame larger than a buffer", plugin.ErrInvalidParam)
	}

	m.mu.Lock()
	m.crop = crop
	m.mu.Unlock()
	return nil
}

// Crop returns the active crop region.
func (m *Module) Crop() plugin.CropRegion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.crop
}

// Emit produces one frame and returns its number. It returns 0 and no error
// while paused.
func (m *Module) Emit(ctx context.Context) (uint32, error) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	host, sink, bufs := m.host, m.sink, m.buffers
	crop, exposure, gain := m.crop, m.exposureNs, m.gain
	m.mu.Unlock()

	if host == nil && sink == nil {
		return 0, fmt.Errorf("%w: module not started", plugin.ErrInvalidState)
	}
	if m.paused.Load() {
		return 0, nil
	}

	n := m.next.Add(1)
	primary, secondary := crop.Regions()
	f := plugin.Frame{
		Number:      n,
		TimestampNs: uint64(time.Now().UnixNano()),
		ExposureNs:  exposure,
		Gain:        gain,
		Primary:     primary,
		Secondary:   secondary,
	}
	size := int(f.ExpectedLen())

	switch {
	case m.cfg.APIVersion < plugin.APIVersion2:
		f.Data = make([]byte, size)
		Fill(f.Data, crop, n)
		if !sink.Post(plugin.Event{Kind: plugin.EventFrame, Frame: f}) {
			return n, fmt.Errorf("%w: event queue full", plugin.ErrBusy)
		}
		return n, nil

	case m.cfg.APIVersion < plugin.APIVersion3:
		// The host may still hold the buffer, so the pattern goes to
		// scratch memory and the host copies it in once the bind succeeds.
		f.Handle = bufs[int(n-1)%len(bufs)].Handle
		if cap(m.scratch) < size {
			m.scratch = make([]byte, size)
		}
		f.Data = m.scratch[:size]

	default:
		info, err := host.AcquireFrameBuffer(ctx, n)
		if err != nil {
			return n, err
		}
		if len(info.Mem) < size {
			return n, fmt.Errorf("%w: buffer %#x holds %d bytes, frame needs %d",
				plugin.ErrInvalidParam, info.Handle, len(info.Mem), size)
		}
		f.Handle = info.Handle
		f.Data = info.Mem[:size]
	}

	Fill(f.Data, crop, n)
	if err := host.FrameReady(ctx, f); err != nil {
		if errors.Is(err, plugin.ErrUnrecoverable) {
			m.logger.Error("host rejected frame", "frame", n, "error", err)
		}
		return n, err
	}
	return n, nil
}

// Fill writes the test pattern of frame n for crop into dst. The value of a
// pixel depends only on its sensor coordinates and the frame number.
func Fill(dst []byte, crop plugin.CropRegion, n uint32) {
	off := fillRect(dst, crop.Primary, n)
	if crop.Dual() {
		fillRect(dst[off:], crop.Secondary, n)
	}
}

func fillRect(dst []byte, r plugin.Rect, n uint32) int {
	i := 0
	for y := r.Top; y < r.Top+r.Height; y++ {
		for x := r.Left; x < r.Left+r.Width; x++ {
			dst[i] = Pixel(x, y, n)
			i++
		}
	}
	return i
}

// Pixel returns the pattern value at sensor position (x, y) in frame n.
func Pixel(x, y, n uint32) byte {
	return byte((x ^ y) + n)
}
