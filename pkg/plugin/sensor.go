package plugin

import (
	"context"
	"fmt"
)

// SensorAPIVersion is the revision of the sensor source interface. It has
// never been revised, so there is no gate for sensor modules.
const SensorAPIVersion = 1

// SensorType selects an inertial sensor.
type SensorType int32

// Sensor types.
const (
	SensorAccel SensorType = iota
	SensorGyro
)

// String returns the sensor name.
func (t SensorType) String() string {
	switch t {
	case SensorAccel:
		return "accel"
	case SensorGyro:
		return "gyro"
	default:
		return fmt.Sprintf("SensorType(%d)", int32(t))
	}
}

// Valid reports whether t is a known sensor type.
func (t SensorType) Valid() bool {
	return t == SensorAccel || t == SensorGyro
}

// SensorSample is one reading. Timestamp is in nanoseconds of the boot
// clock. Values are m/s^2 for the accelerometer and rad/s for the gyro,
// in the sensor frame.
type SensorSample struct {
	Type      SensorType
	Timestamp uint64
	Values    [3]float32
}

// SensorErrorCode is reported by a sensor module through SensorHost.
type SensorErrorCode int32

// SensorErrorUnknown is the only code sensor modules report.
const SensorErrorUnknown SensorErrorCode = 0

// SensorHost receives samples and errors from a running sensor module.
type SensorHost interface {
	// SampleReady hands a sample to the host. It returns false if the
	// sample was not queued.
	SampleReady(s SensorSample) bool

	// SensorError reports a module failure.
	SensorError(code SensorErrorCode)
}

// SensorModule is the interface every sensor source module implements.
type SensorModule interface {
	Init(ctx context.Context) error
	Deinit(ctx context.Context) error

	// Start begins sampling. Samples go to host until Stop returns.
	Start(ctx context.Context, host SensorHost) error
	Stop(ctx context.Context) error

	// SensorRate returns the sampling rate of t in Hz.
	SensorRate(ctx context.Context, t SensorType) (int, error)

	// SensorBias returns the per-axis bias of t.
	SensorBias(ctx context.Context, t SensorType) ([3]float32, error)
}
