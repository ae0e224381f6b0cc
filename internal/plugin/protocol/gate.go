package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/jmylchreest/camplug/pkg/plugin"
)

// Rejection reasons reported to a Recorder.
const (
	ReasonUnknown = "unknown"
	ReasonVersion = "version"
	ReasonAbsent  = "absent"
)

// Recorder observes dispatch outcomes. Implementations must be safe for concurrent use.
type Recorder interface {
	ObserveCall(op plugin.OpID, res plugin.Result, d time.Duration)
	ObserveRejection(op plugin.OpID, reason string)
}

// Gate dispatches operations through a module descriptor, refusing any
// operation the declared API level does not cover.
type Gate struct {
	logger   hclog.Logger
	recorder Recorder
}

// NewGate creates a gate. Both arguments may be nil.
func NewGate(logger hclog.Logger, recorder Recorder) *Gate {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Gate{logger: logger, recorder: recorder}
}

// Check reports whether a module declaring version may take part in op.
// It returns a *plugin.VersionError when the level is too low or the
// operation is unknown to this host.
func (g *Gate) Check(version plugin.APIVersion, op plugin.OpID) error {
	if !op.Known() {
		g.reject(op, ReasonUnknown)
		return &plugin.VersionError{Op: op, Declared: version}
	}
	if version < op.MinVersion() {
		g.reject(op, ReasonVersion)
		return &plugin.VersionError{Op: op, Required: op.MinVersion(), Declared: version}
	}
	return nil
}

// Invoke calls op through desc. Rejected operations are never invoked.
// Arguments are forwarded unchanged and the result is returned verbatim.
func (g *Gate) Invoke(ctx context.Context, desc *plugin.Descriptor, op plugin.OpID, args any) (any, error) {
	if err := g.Check(desc.Version, op); err != nil {
		return nil, err
	}
	fn, ok := desc.Ops[op]
	if !ok || fn == nil {
		g.reject(op, ReasonAbsent)
		return nil, fmt.Errorf("%w: module does not implement %s", plugin.ErrNotSupported, op)
	}

	start := time.Now()
	v, err := fn(ctx, args)
	if g.recorder != nil {
		g.recorder.ObserveCall(op, plugin.ResultOf(err), time.Since(start))
	}
	return v, err
}

func (g *Gate) reject(op plugin.OpID, reason string) {
	g.logger.Debug("operation rejected", "op", op.String(), "reason", reason)
	if g.recorder != nil {
		g.recorder.ObserveRejection(op, reason)
	}
}
