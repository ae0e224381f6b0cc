package plugin

import (
	"errors"
	"fmt"
)

// Result is the integer status code every operation maps to on the wire.
type Result int32

// Result codes.
const (
	Success       Result = 0
	GenericError  Result = -1
	NotSupported  Result = -2
	InvalidParam  Result = -3
	Busy          Result = -4
	ResultPending Result = -5
	Unrecoverable Result = -6
)

// Sentinel errors, one per non-success Result.
var (
	ErrGeneric       = errors.New("generic error")
	ErrNotSupported  = errors.New("not supported")
	ErrInvalidParam  = errors.New("invalid parameter")
	ErrBusy          = errors.New("resource busy")
	ErrPending       = errors.New("result pending")
	ErrUnrecoverable = errors.New("unrecoverable module error")

	// ErrInvalidState is returned when an operation is called before the stream
	// reached the state it requires. It matches ErrNotSupported.
	ErrInvalidState = fmt.Errorf("%w: invalid stream state", ErrNotSupported)
)

var resultErrors = map[Result]error{
	GenericError:  ErrGeneric,
	NotSupported:  ErrNotSupported,
	InvalidParam:  ErrInvalidParam,
	Busy:          ErrBusy,
	ResultPending: ErrPending,
	Unrecoverable: ErrUnrecoverable,
}

// Err returns the sentinel error for r, or nil for Success.
func (r Result) Err() error {
	if r == Success {
		return nil
	}
	if err, ok := resultErrors[r]; ok {
		return err
	}
	return ErrGeneric
}

// String returns the result name.
func (r Result) String() string {
	switch r {
	case Success:
		return "Success"
	case GenericError:
		return "GenericError"
	case NotSupported:
		return "NotSupported"
	case InvalidParam:
		return "InvalidParam"
	case Busy:
		return "Busy"
	case ResultPending:
		return "ResultPending"
	case Unrecoverable:
		return "Unrecoverable"
	default:
		return fmt.Sprintf("Result(%d)", int32(r))
	}
}

// ResultOf maps an error to its Result code. Errors outside the taxonomy map to GenericError.
func ResultOf(err error) Result {
	if err == nil {
		return Success
	}
	// Order matters: ErrInvalidState wraps ErrNotSupported.
	for _, r := range []Result{NotSupported, InvalidParam, Busy, ResultPending, Unrecoverable} {
		if errors.Is(err, resultErrors[r]) {
			return r
		}
	}
	return GenericError
}

// VersionError is returned when an operation requires a newer API level than
// the module declares. The operation is never invoked.
type VersionError struct {
	Op       OpID
	Required APIVersion
	Declared APIVersion
}

// Error implements the error interface.
func (e *VersionError) Error() string {
	if e.Required == APIVersionInvalid {
		return fmt.Sprintf("operation %s is unknown to this host", e.Op)
	}
	return fmt.Sprintf("operation %s requires API %s, module declares %s", e.Op, e.Required, e.Declared)
}

// Unwrap makes VersionError match ErrNotSupported.
func (e *VersionError) Unwrap() error {
	return ErrNotSupported
}

// RPCError represents an error returned from an RPC call.
// The result code survives the process boundary so errors.Is keeps working.
type RPCError struct {
	Code    Result
	Message string
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return e.Message
}

// Is matches the sentinel error of the carried result code.
func (e *RPCError) Is(target error) bool {
	sentinel := e.Code.Err()
	if sentinel == nil {
		return false
	}
	return errors.Is(sentinel, target)
}

// toRPC flattens err into a code and message for transport.
func toRPC(err error) (Result, string) {
	if err == nil {
		return Success, ""
	}
	return ResultOf(err), err.Error()
}

// fromRPC rebuilds an error from a transported code and message.
func fromRPC(code Result, msg string) error {
	if code == Success {
		return nil
	}
	return &RPCError{Code: code, Message: msg}
}
