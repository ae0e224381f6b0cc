package synthetic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/jmylchreest/camplug/pkg/plugin"
)

// SensorName is the name of the synthetic sensor module.
const SensorName = "synthetic-sensor"

// DefaultSensorRate is the sampling rate in Hz of both synthetic sensors.
const DefaultSensorRate = 200

// Gravity is the accelerometer reading at rest along +Z.
const Gravity = 9.80665

// SensorConfig configures a Sensor.
type SensorConfig struct {
	// Rate is the sampling rate in Hz.
	Rate int

	// Stepped disables the sampling goroutine; samples are then only
	// produced by Emit.
	Stepped bool

	Logger hclog.Logger
}

// Sensor is a synthetic accelerometer and gyro pair at rest.
type Sensor struct {
	cfg    SensorConfig
	logger hclog.Logger

	mu     sync.Mutex
	ready  bool
	host   plugin.SensorHost
	cancel context.CancelFunc
	done   chan struct{}

	// emitMu serialises sample production.
	emitMu sync.Mutex
	next   uint64
}

// NewSensor creates a sensor module.
func NewSensor(cfg SensorConfig) *Sensor {
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultSensorRate
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Sensor{cfg: cfg, logger: cfg.Logger.Named(SensorName)}
}

// SensorBiases returns the fixed bias of t.
func SensorBiases(t plugin.SensorType) [3]float32 {
	if t == plugin.SensorGyro {
		return [3]float32{0.001, -0.002, 0.0005}
	}
	return [3]float32{0.02, -0.01, 0.03}
}

// SensorValues returns reading n of t: the bias plus gravity for the
// accelerometer, and a small deterministic wobble on X.
func SensorValues(t plugin.SensorType, n uint64) [3]float32 {
	v := SensorBiases(t)
	if t == plugin.SensorAccel {
		v[2] += Gravity
	}
	v[0] += float32(n%8) / 1000
	return v
}

// Init implements plugin.SensorModule.
func (s *Sensor) Init(context.Context) error {
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.logger.Debug("initialised", "rate", s.cfg.Rate)
	return nil
}

// Deinit implements plugin.SensorModule.
func (s *Sensor) Deinit(context.Context) error {
	s.halt()
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
	return nil
}

// Start implements plugin.SensorModule.
func (s *Sensor) Start(_ context.Context, host plugin.SensorHost) error {
	if host == nil {
		return fmt.Errorf("%w: no sensor host", plugin.ErrInvalidParam)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return fmt.Errorf("%w: sensor not initialised", plugin.ErrInvalidState)
	}
	if s.done != nil {
		return fmt.Errorf("%w: already started", plugin.ErrBusy)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.host, s.cancel, s.done = host, cancel, done
	if s.cfg.Stepped {
		close(done)
	} else {
		go s.run(runCtx, done)
	}
	return nil
}

func (s *Sensor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.Rate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Emit(); err != nil {
				s.logger.Trace("sample skipped", "error", err)
			}
		}
	}
}

// Stop implements plugin.SensorModule.
func (s *Sensor) Stop(context.Context) error {
	s.halt()
	return nil
}

func (s *Sensor) halt() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.emitMu.Lock()
	s.mu.Lock()
	s.host = nil
	s.mu.Unlock()
	s.emitMu.Unlock()
}

// SensorRate implements plugin.SensorModule.
func (s *Sensor) SensorRate(_ context.Context, t plugin.SensorType) (int, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("%w: sensor type %s", plugin.ErrInvalidParam, t)
	}
	return s.cfg.Rate, nil
}

// SensorBias implements plugin.SensorModule.
func (s *Sensor) SensorBias(_ context.Context, t plugin.SensorType) ([3]float32, error) {
	if !t.Valid() {
		return [3]float32{}, fmt.Errorf("%w: sensor type %s", plugin.ErrInvalidParam, t)
	}
	return SensorBiases(t), nil
}

// Emit produces one accelerometer and one gyro sample with the same
// timestamp and returns the sample number. A sample the host does not
// queue yields ErrBusy.
func (s *Sensor) Emit() (uint64, error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	host := s.host
	s.mu.Unlock()
	if host == nil {
		return 0, fmt.Errorf("%w: sensor not started", plugin.ErrInvalidState)
	}

	s.next++
	n := s.next
	ts := n * uint64(time.Second) / uint64(s.cfg.Rate)
	rejected := 0
	for _, t := range []plugin.SensorType{plugin.SensorAccel, plugin.SensorGyro} {
		if !host.SampleReady(plugin.SensorSample{Type: t, Timestamp: ts, Values: SensorValues(t, n)}) {
			rejected++
		}
	}
	if rejected > 0 {
		return n, fmt.Errorf("%w: host rejected %d of 2 samples", plugin.ErrBusy, rejected)
	}
	return n, nil
}
