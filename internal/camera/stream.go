// Package camera composes a module descriptor with the host-side stream machinery.
package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/jmylchreest/camplug/internal/buffer"
	"github.com/jmylchreest/camplug/internal/delivery"
	"github.com/jmylchreest/camplug/internal/metrics"
	"github.com/jmylchreest/camplug/internal/plugin/protocol"
	"github.com/jmylchreest/camplug/internal/stream"
	"github.com/jmylchreest/camplug/pkg/plugin"
)

// Options configures a Stream.
type Options struct {
	// Name labels logs and metrics, usually the module name.
	Name     string
	CameraID int32

	// MailboxSize bounds the legacy event queue.
	MailboxSize int

	// LegacyBuffers caps the host buffers allocated for legacy modules.
	LegacyBuffers int

	Logger  hclog.Logger
	Metrics *metrics.Metrics
}

// DefaultLegacyBuffers is the host buffer cap used for legacy modules when none is configured.
const DefaultLegacyBuffers = 4

// Stats is a snapshot of a stream.
type Stats struct {
	ID             string
	State          stream.State
	Buffers        buffer.Stats
	Current        uint32
	Pending        int
	Delivered      uint64
	Dropped        uint64
	MailboxDropped uint64
}

// Stream is one camera attachment: a module descriptor driven through the
// version gate and lifecycle state machine, with buffers delivered to a
// single consumer.
type Stream struct {
	id       string
	name     string
	cameraID int32
	desc     *plugin.Descriptor

	gate     *protocol.Gate
	machine  *stream.Machine
	buffers  *buffer.Manager
	channel  *delivery.Channel
	notifier delivery.Notifier
	metrics  *metrics.Metrics
	logger   hclog.Logger

	// producing is true from the Start call until Stop returns; host
	// callbacks that move frames are refused outside it.
	producing atomic.Bool

	mailboxSize   int
	legacyBuffers int
	legacy        legacyState

	lastDropped atomic.Uint64
	flags       atomic.Uint64

	// opMu serialises lifecycle operations. Host callbacks never take it.
	opMu sync.Mutex
}

type legacyState struct {
	mu       sync.Mutex
	mailbox  *delivery.Mailbox
	done     chan struct{}
	next     plugin.Handle
	reported uint64
}

// New creates a stream for desc in the Uninitialized state.
func New(desc *plugin.Descriptor, opts Options) (*Stream, error) {
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("loading module %s: %w", opts.Name, err)
	}

	id := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("stream").With("stream_id", id, "module", opts.Name)

	if opts.LegacyBuffers <= 0 {
		opts.LegacyBuffers = DefaultLegacyBuffers
	}

	var recorder protocol.Recorder
	if opts.Metrics != nil {
		recorder = opts.Metrics
	}

	buffers := buffer.NewManager(logger.Named("buffers"))
	s := &Stream{
		id:            id,
		name:          opts.Name,
		cameraID:      opts.CameraID,
		desc:          desc,
		gate:          protocol.NewGate(logger, recorder),
		machine:       stream.New(),
		buffers:       buffers,
		channel:       delivery.NewChannel(buffers, logger.Named("delivery")),
		metrics:       opts.Metrics,
		logger:        logger,
		mailboxSize:   opts.MailboxSize,
		legacyBuffers: opts.LegacyBuffers,
	}
	logger.Debug("stream created", "api_version", desc.Version, "capabilities", desc.Capabilities().String())
	return s, nil
}

// ID returns the unique stream identifier.
func (s *Stream) ID() string {
	return s.id
}

// Name returns the module name.
func (s *Stream) Name() string {
	return s.name
}

// State returns the lifecycle state.
func (s *Stream) State() stream.State {
	return s.machine.State()
}

// Capabilities returns the module capability table.
func (s *Stream) Capabilities() plugin.CapabilityTable {
	return s.desc.Capabilities()
}

// Stats returns a snapshot of the stream.
func (s *Stream) Stats() Stats {
	st := Stats{
		ID:        s.id,
		State:     s.machine.State(),
		Buffers:   s.buffers.Stats(),
		Current:   s.channel.Current(),
		Pending:   s.channel.Pending(),
		Delivered: s.channel.Delivered(),
		Dropped:   s.channel.Dropped(),
	}
	s.legacy.mu.Lock()
	if s.legacy.mailbox != nil {
		st.MailboxDropped = s.legacy.reported + s.legacy.mailbox.Dropped()
	} else {
		st.MailboxDropped = s.legacy.reported
	}
	s.legacy.mu.Unlock()
	return st
}

// SetHandler installs the handler for a notification kind and returns the one it replaced.
func (s *Stream) SetHandler(kind delivery.Kind, h delivery.Handler) (delivery.Handler, error) {
	return s.notifier.SetHandler(kind, h)
}

// invoke dispatches op through the gate and routes unrecoverable module
// errors to the error notification.
func (s *Stream) invoke(ctx context.Context, op plugin.OpID, args any) (any, error) {
	v, err := s.gate.Invoke(ctx, s.desc, op, args)
	if err != nil && errors.Is(err, plugin.ErrUnrecoverable) {
		s.logger.Error("module failed unrecoverably", "op", op.String(), "error", err)
		s.notify(delivery.Notification{
			Kind:       delivery.ErrorRaised,
			Err:        err,
			ErrorState: plugin.ErrorStateUnrecoverable,
		})
	}
	return v, err
}

func (s *Stream) notify(n delivery.Notification) {
	s.metrics.Notification(s.name, n.Kind.String())
	s.notifier.Notify(n)
}

// transition invokes op and, if the module accepts it, applies ev.
// The state is checked before the module is called.
func (s *Stream) transition(ctx context.Context, ev stream.Event, op plugin.OpID, args any) error {
	if err := s.machine.Check(ev); err != nil {
		return err
	}
	if _, err := s.invoke(ctx, op, args); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	from, to, err := s.machine.Apply(ev)
	if err != nil {
		return err
	}
	if from != to {
		s.logger.Debug("state changed", "from", from, "to", to)
		s.notify(delivery.Notification{Kind: delivery.StateChanged, Previous: from.String(), Current: to.String()})
	}
	return nil
}

// Create opens the module bracket. It is only allowed before Init. Modules
// that report feature flags are asked for them right after.
func (s *Stream) Create(ctx context.Context, params plugin.CreateParams) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.transition(ctx, stream.EventCreate, plugin.OpCreate, params); err != nil {
		return err
	}
	s.queryFlags(ctx)
	return nil
}

// Init initialises the module.
func (s *Stream) Init(ctx context.Context, key string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.transition(ctx, stream.EventInit, plugin.OpInit, key)
}

// Start starts capture. Legacy modules receive the event mailbox, newer
// modules the host callbacks.
func (s *Stream) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.machine.Check(stream.EventStart); err != nil {
		return err
	}

	s.channel.Reopen()
	sink := s.startLegacy()
	s.producing.Store(true)

	args := plugin.StartArgs{CameraID: s.cameraID, Host: &moduleHost{s: s}, Sink: sink}
	if err := s.transition(ctx, stream.EventStart, plugin.OpStart, args); err != nil {
		s.producing.Store(false)
		s.stopLegacy()
		s.channel.Close()
		return err
	}
	return nil
}

// Stop stops capture and wakes blocked readers. Frames the consumer holds
// stay valid until released.
func (s *Stream) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.transition(ctx, stream.EventStop, plugin.OpStop, nil); err != nil {
		return err
	}
	s.halt()
	return nil
}

// Pause suspends capture.
func (s *Stream) Pause(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.transition(ctx, stream.EventPause, plugin.OpPause, nil)
}

// Resume resumes capture after Pause.
func (s *Stream) Resume(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.transition(ctx, stream.EventResume, plugin.OpResume, nil)
}

// Deinit releases module state. The stream cannot be restarted afterwards.
func (s *Stream) Deinit(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.transition(ctx, stream.EventDeinit, plugin.OpDeinit, nil); err != nil {
		return err
	}
	s.teardown()
	return nil
}

// Destroy closes the module bracket opened by Create.
func (s *Stream) Destroy(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.transition(ctx, stream.EventDestroy, plugin.OpDestroy, nil); err != nil {
		return err
	}
	s.teardown()
	return nil
}

func (s *Stream) halt() {
	s.producing.Store(false)
	s.stopLegacy()
	s.channel.Close()
	s.observe()
}

func (s *Stream) teardown() {
	s.halt()
	s.buffers.Reset()
	s.observe()
}

// liveStates are the states in which the module exists and accepts control calls.
var liveStates = []stream.State{stream.Uninitialized, stream.Initialized, stream.Started, stream.Paused}

// GetParam reads a module parameter. A nil dst reports the value length only.
func (s *Stream) GetParam(ctx context.Context, name string, dst []byte) (int, error) {
	if err := s.machine.Require("GetParam", liveStates...); err != nil {
		return 0, err
	}
	v, err := s.invoke(ctx, plugin.OpGetParam, plugin.GetParamArgs{Name: name, Dst: dst})
	if err != nil {
		return 0, err
	}
	n, _ := v.(int)
	return n, nil
}

// SetParam sets a module parameter.
func (s *Stream) SetParam(ctx context.Context, name, value string) error {
	if err := s.machine.Require("SetParam", liveStates...); err != nil {
		return err
	}
	_, err := s.invoke(ctx, plugin.OpSetParam, plugin.SetParamArgs{Name: name, Value: value})
	return err
}

// CameraInfo returns sensor information.
func (s *Stream) CameraInfo(ctx context.Context) (plugin.CameraInfo, error) {
	if err := s.machine.Require("GetCameraInfo", liveStates...); err != nil {
		return plugin.CameraInfo{}, err
	}
	v, err := s.invoke(ctx, plugin.OpGetCameraInfo, nil)
	if err != nil {
		return plugin.CameraInfo{}, err
	}
	info, _ := v.(plugin.CameraInfo)
	return info, nil
}

// SetExposureAndGain sets manual exposure in nanoseconds and ISO gain.
func (s *Stream) SetExposureAndGain(ctx context.Context, exposureNs uint64, gain int32) error {
	if err := s.machine.Require("SetExposureAndGain", liveStates...); err != nil {
		return err
	}
	_, err := s.invoke(ctx, plugin.OpSetExposureAndGain, plugin.ExposureGain{ExposureNs: exposureNs, Gain: gain})
	return err
}

// SetGamma sets the sensor gamma.
func (s *Stream) SetGamma(ctx context.Context, gamma float32) error {
	if err := s.machine.Require("SetGamma", liveStates...); err != nil {
		return err
	}
	if gamma <= 0 {
		return fmt.Errorf("%w: gamma %v must be positive", plugin.ErrInvalidParam, gamma)
	}
	_, err := s.invoke(ctx, plugin.OpSetGamma, gamma)
	return err
}

// SetCropRegion applies a single or dual crop.
func (s *Stream) SetCropRegion(ctx context.Context, crop plugin.CropRegion) error {
	if err := s.machine.Require("SetCropRegion", liveStates...); err != nil {
		return err
	}
	if err := crop.Validate(); err != nil {
		return err
	}
	_, err := s.invoke(ctx, plugin.OpSetCropRegion, crop)
	return err
}

// GetFrame returns a ready frame numbered n or later (n == 0 for any).
// The frame data is the registered buffer itself and stays valid until ReleaseFrame.
func (s *Stream) GetFrame(ctx context.Context, n uint32, block delivery.BlockMode, drop delivery.DropMode) (delivery.Delivery, error) {
	if err := s.machine.Require("GetFrame", stream.Started, stream.Paused); err != nil {
		return delivery.Delivery{}, err
	}
	d, err := s.channel.Get(ctx, n, block, drop)
	if err != nil {
		return delivery.Delivery{}, err
	}
	s.metrics.FrameDelivered(s.name)
	s.observe()
	return d, nil
}

// ReleaseFrame returns frame n to the module.
func (s *Stream) ReleaseFrame(n uint32) error {
	if err := s.channel.Release(n); err != nil {
		return err
	}
	s.observe()
	return nil
}

// CurrentFrameNumber returns the number of the latest frame the module committed.
func (s *Stream) CurrentFrameNumber() uint32 {
	return s.channel.Current()
}

func (s *Stream) observe() {
	if s.metrics == nil {
		return
	}
	d := s.channel.Dropped()
	if prev := s.lastDropped.Swap(d); d > prev {
		s.metrics.FramesDropped(s.name, "channel", int(d-prev))
	}
	s.metrics.SetBuffers(s.name, s.buffers.Stats())
}
