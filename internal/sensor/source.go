// Package sensor drives an inertial sensor module and queues its samples
// for a single reader.
package sensor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/jmylchreest/camplug/internal/delivery"
	"github.com/jmylchreest/camplug/internal/stream"
	"github.com/jmylchreest/camplug/pkg/plugin"
)

// DefaultQueueSize is the sample capacity used when none is configured.
const DefaultQueueSize = 256

// Options configures a Source.
type Options struct {
	Name      string
	QueueSize int
	Logger    hclog.Logger
}

// Stats is a snapshot of a source.
type Stats struct {
	ID       string
	State    stream.State
	Queued   int
	Received uint64
	Dropped  uint64
	Errors   uint64
}

// Source is one sensor attachment. It follows the stream lifecycle without
// Create, Destroy, Pause or Resume.
type Source struct {
	id       string
	name     string
	mod      plugin.SensorModule
	machine  *stream.Machine
	notifier delivery.Notifier
	logger   hclog.Logger

	queueSize int

	// mu orders SampleReady against Start and Stop swapping the queue.
	mu      sync.RWMutex
	queue   chan plugin.SensorSample
	stopped chan struct{}

	received atomic.Uint64
	dropped  atomic.Uint64
	errors   atomic.Uint64

	opMu sync.Mutex
}

// New creates a source for mod in the Uninitialized state.
func New(mod plugin.SensorModule, opts Options) (*Source, error) {
	if mod == nil {
		return nil, fmt.Errorf("%w: sensor %s has no module", plugin.ErrInvalidParam, opts.Name)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	id := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Source{
		id:        id,
		name:      opts.Name,
		mod:       mod,
		machine:   stream.New(),
		logger:    logger.Named("sensor").With("sensor_id", id, "module", opts.Name),
		queueSize: opts.QueueSize,
	}, nil
}

// ID returns the unique source identifier.
func (s *Source) ID() string {
	return s.id
}

// State returns the lifecycle state.
func (s *Source) State() stream.State {
	return s.machine.State()
}

// SetHandler installs the handler for a notification kind and returns the one it replaced.
func (s *Source) SetHandler(kind delivery.Kind, h delivery.Handler) (delivery.Handler, error) {
	return s.notifier.SetHandler(kind, h)
}

// Stats returns a snapshot of the source.
func (s *Source) Stats() Stats {
	s.mu.RLock()
	queued := len(s.queue)
	s.mu.RUnlock()
	return Stats{
		ID:       s.id,
		State:    s.machine.State(),
		Queued:   queued,
		Received: s.received.Load(),
		Dropped:  s.dropped.Load(),
		Errors:   s.errors.Load(),
	}
}

func (s *Source) transition(ev stream.Event, call func() error) error {
	if err := s.machine.Check(ev); err != nil {
		return err
	}
	if err := call(); err != nil {
		return fmt.Errorf("%s: %w", ev, err)
	}
	from, to, err := s.machine.Apply(ev)
	if err != nil {
		return err
	}
	if from != to {
		s.logger.Debug("state changed", "from", from, "to", to)
		s.notifier.Notify(delivery.Notification{Kind: delivery.StateChanged, Previous: from.String(), Current: to.String()})
	}
	return nil
}

// Init initialises the module.
func (s *Source) Init(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.transition(stream.EventInit, func() error { return s.mod.Init(ctx) })
}

// Start starts sampling with an empty queue.
func (s *Source) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.machine.Check(stream.EventStart); err != nil {
		return err
	}
	s.mu.Lock()
	s.queue = make(chan plugin.SensorSample, s.queueSize)
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	if err := s.transition(stream.EventStart, func() error { return s.mod.Start(ctx, &sensorHost{s: s}) }); err != nil {
		s.halt()
		return err
	}
	return nil
}

// Stop stops sampling and wakes a blocked reader. Samples still queued are
// discarded and counted as dropped.
func (s *Source) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.transition(stream.EventStop, func() error { return s.mod.Stop(ctx) }); err != nil {
		return err
	}
	s.halt()
	return nil
}

// Deinit releases module state. The source cannot be restarted afterwards.
func (s *Source) Deinit(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.transition(stream.EventDeinit, func() error { return s.mod.Deinit(ctx) }); err != nil {
		return err
	}
	s.halt()
	return nil
}

func (s *Source) halt() {
	s.mu.Lock()
	queue, stopped := s.queue, s.stopped
	s.queue, s.stopped = nil, nil
	s.mu.Unlock()
	if stopped == nil {
		return
	}
	close(stopped)

	if n := drain(queue); n > 0 {
		s.dropped.Add(uint64(n))
		s.logger.Debug("samples discarded at stop", "count", n)
	}
}

func drain(queue chan plugin.SensorSample) int {
	n := 0
	for {
		select {
		case <-queue:
			n++
		default:
			return n
		}
	}
}

// Next returns the oldest queued sample, waiting for one if the queue is
// empty. It fails once the source stops.
func (s *Source) Next(ctx context.Context) (plugin.SensorSample, error) {
	if err := s.machine.Require("Next", stream.Started); err != nil {
		return plugin.SensorSample{}, err
	}
	s.mu.RLock()
	queue, stopped := s.queue, s.stopped
	s.mu.RUnlock()
	if queue == nil {
		return plugin.SensorSample{}, &stream.TransitionError{Op: "Next", State: s.machine.State()}
	}

	select {
	case sample := <-queue:
		return sample, nil
	case <-stopped:
		return plugin.SensorSample{}, fmt.Errorf("%w: sensor stopped", plugin.ErrInvalidState)
	case <-ctx.Done():
		return plugin.SensorSample{}, ctx.Err()
	}
}

// Rate returns the sampling rate of t in Hz.
func (s *Source) Rate(ctx context.Context, t plugin.SensorType) (int, error) {
	if err := s.machine.Require("GetSensorRate", stream.Initialized, stream.Started); err != nil {
		return 0, err
	}
	if !t.Valid() {
		return 0, fmt.Errorf("%w: sensor type %s", plugin.ErrInvalidParam, t)
	}
	return s.mod.SensorRate(ctx, t)
}

// Bias returns the per-axis bias of t.
func (s *Source) Bias(ctx context.Context, t plugin.SensorType) ([3]float32, error) {
	if err := s.machine.Require("GetSensorBias", stream.Initialized, stream.Started); err != nil {
		return [3]float32{}, err
	}
	if !t.Valid() {
		return [3]float32{}, fmt.Errorf("%w: sensor type %s", plugin.ErrInvalidParam, t)
	}
	return s.mod.SensorBias(ctx, t)
}

// sensorHost is the callback table handed to the module on Start.
type sensorHost struct {
	s *Source
}

// SampleReady implements plugin.SensorHost. It never blocks the module.
func (h *sensorHost) SampleReady(sample plugin.SensorSample) bool {
	s := h.s
	if !sample.Type.Valid() {
		s.logger.Warn("sample rejected", "type", sample.Type)
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.queue == nil {
		return false
	}
	select {
	case s.queue <- sample:
		s.received.Add(1)
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// SensorError implements plugin.SensorHost.
func (h *sensorHost) SensorError(code plugin.SensorErrorCode) {
	s := h.s
	s.errors.Add(1)
	s.logger.Error("sensor module error", "code", int32(code))
	s.notifier.Notify(delivery.Notification{
		Kind:  delivery.ErrorRaised,
		Err:   fmt.Errorf("%w: sensor error %d", plugin.ErrGeneric, int32(code)),
		Param: uint64(code),
	})
}
