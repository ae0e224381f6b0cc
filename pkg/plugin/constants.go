// Package plugin provides the public API for camplug modules.
package plugin

import (
	"fmt"
	"slices"

	"github.com/hashicorp/go-plugin"
)

// APIVersion is the integer API level a module declares in its descriptor.
// Levels are cumulative: a module at level N implements the contract of every level below N.
type APIVersion int

const (
	// APIVersionInvalid is the zero value and never valid on a descriptor.
	APIVersionInvalid APIVersion = 0

	// APIVersion1 covers the basic lifecycle, parameters and legacy push delivery.
	APIVersion1 APIVersion = 1

	// APIVersion2 adds Create/Destroy, camera controls and host callbacks.
	APIVersion2 APIVersion = 2

	// APIVersion3 adds pull-based frame buffer acquisition.
	APIVersion3 APIVersion = 3

	// APIVersion4 adds Pause/Resume.
	APIVersion4 APIVersion = 4

	// CurrentAPIVersion is the newest API level this host understands.
	CurrentAPIVersion = APIVersion4

	// MinAPIVersion is the oldest API level this host will load.
	MinAPIVersion = APIVersion1
)

// String returns the string representation of the version.
func (v APIVersion) String() string {
	return fmt.Sprintf("v%d", int(v))
}

// Handshake is the handshake configuration for go-plugin protocol.
// The go-plugin protocol version only guards the RPC wire format; the API level
// is negotiated separately through the descriptor.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "CAMPLUG_MODULE",
	MagicCookieValue: "camplug_camera_module",
}

// DispenseName is the name external modules are served under.
const DispenseName = "camera"

// Reserved parameter names understood by GetParam/SetParam.
const (
	ParamConfigPath      = "qvr-plugin-config-path"
	ParamDataPath        = "qvr-plugin-data-path"
	ParamCalibrationPath = "qvr-plugin-calibration-path"
	ParamVendorString    = "qvr-plugin-vendor-string"
	ParamVersion         = "qvr-plugin-version"
)

// OpID identifies an operation of the module ABI.
// The enumeration is append-only: existing values are never renumbered.
type OpID int

// Module operations (host calls module).
const (
	OpInit OpID = iota + 1
	OpDeinit
	OpStart
	OpStop
	OpGetParam
	OpSetParam
	OpCreate
	OpDestroy
	OpGetCameraInfo
	OpSetExposureAndGain
	OpSetGamma
	OpSetCropRegion
	OpPause
	OpResume

	// Host callbacks (module calls host).
	OpRegisterBuffer
	OpFrameReady
	OpNotifyError
	OpAcquireFrameBuffer
	OpUnregisterBuffer

	// Module operations added after the host callbacks.
	OpSetTransform
	OpGetData
	OpSetData
	OpGetFd
	OpReleaseFd
	OpGetCapabilities
)

type opInfo struct {
	name     string
	min      APIVersion
	callback bool
}

var opTable = map[OpID]opInfo{
	OpInit:               {"Init", APIVersion1, false},
	OpDeinit:             {"Deinit", APIVersion1, false},
	OpStart:              {"Start", APIVersion1, false},
	OpStop:               {"Stop", APIVersion1, false},
	OpGetParam:           {"GetParam", APIVersion1, false},
	OpSetParam:           {"SetParam", APIVersion1, false},
	OpCreate:             {"Create", APIVersion2, false},
	OpDestroy:            {"Destroy", APIVersion2, false},
	OpGetCameraInfo:      {"GetCameraInfo", APIVersion2, false},
	OpSetExposureAndGain: {"SetExposureAndGain", APIVersion2, false},
	OpSetGamma:           {"SetGamma", APIVersion2, false},
	OpSetCropRegion:      {"SetCropRegion", APIVersion2, false},
	OpPause:              {"Pause", APIVersion4, false},
	OpResume:             {"Resume", APIVersion4, false},
	OpRegisterBuffer:     {"RegisterBuffer", APIVersion2, true},
	OpFrameReady:         {"FrameReady", APIVersion2, true},
	OpNotifyError:        {"NotifyError", APIVersion2, true},
	OpAcquireFrameBuffer: {"AcquireFrameBuffer", APIVersion3, true},
	OpUnregisterBuffer:   {"UnregisterBuffer", APIVersion3, true},
	OpSetTransform:       {"SetTransform", APIVersion2, false},
	OpGetData:            {"GetData", APIVersion2, false},
	OpSetData:            {"SetData", APIVersion2, false},
	OpGetFd:              {"GetFd", APIVersion3, false},
	OpReleaseFd:          {"ReleaseFd", APIVersion3, false},
	OpGetCapabilities:    {"GetCapabilities", APIVersion3, false},
}

// Known reports whether this host knows the contract of op.
func (op OpID) Known() bool {
	_, ok := opTable[op]
	return ok
}

// MinVersion returns the minimum API level required to call op.
// Unknown operations return APIVersionInvalid.
func (op OpID) MinVersion() APIVersion {
	return opTable[op].min
}

// IsCallback reports whether op is called by the module on the host.
func (op OpID) IsCallback() bool {
	return opTable[op].callback
}

// String returns the operation name.
func (op OpID) String() string {
	if info, ok := opTable[op]; ok {
		return info.name
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// ModuleOps returns every module operation known to this host, in ABI order.
func ModuleOps() []OpID {
	ops := make([]OpID, 0, len(opTable))
	for op, info := range opTable {
		if !info.callback {
			ops = append(ops, op)
		}
	}
	slices.Sort(ops)
	return ops
}
