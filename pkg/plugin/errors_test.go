package plugin

import (
	"errors"
	"fmt"
	"testing"
)

func TestResultOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Result
	}{
		{"nil", nil, Success},
		{"not supported", ErrNotSupported, NotSupported},
		{"invalid state", ErrInvalidState, NotSupported},
		{"wrapped invalid param", fmt.Errorf("register: %w", ErrInvalidParam), InvalidParam},
		{"busy", ErrBusy, Busy},
		{"pending", ErrPending, ResultPending},
		{"unrecoverable", ErrUnrecoverable, Unrecoverable},
		{"version", &VersionError{Op: OpPause, Required: APIVersion4, Declared: APIVersion2}, NotSupported},
		{"foreign", errors.New("disk on fire"), GenericError},
		{"rpc", &RPCError{Code: Busy, Message: "remote busy"}, Busy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResultOf(tt.err); got != tt.want {
				t.Errorf("ResultOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestResultErr(t *testing.T) {
	if err := Success.Err(); err != nil {
		t.Errorf("Success.Err() = %v, want nil", err)
	}
	for _, r := range []Result{GenericError, NotSupported, InvalidParam, Busy, ResultPending, Unrecoverable} {
		if got := ResultOf(r.Err()); got != r {
			t.Errorf("ResultOf(%v.Err()) = %v", r, got)
		}
	}
	if err := Result(-42).Err(); !errors.Is(err, ErrGeneric) {
		t.Errorf("unknown result Err() = %v, want ErrGeneric", err)
	}
}

func TestVersionError(t *testing.T) {
	err := error(&VersionError{Op: OpPause, Required: APIVersion4, Declared: APIVersion2})
	if !errors.Is(err, ErrNotSupported) {
		t.Error("VersionError should match ErrNotSupported")
	}
	want := "operation Pause requires API v4, module declares v2"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestRPCErrorIs(t *testing.T) {
	err := fromRPC(NotSupported, "nope")
	if !errors.Is(err, ErrNotSupported) {
		t.Error("RPCError{NotSupported} should match ErrNotSupported")
	}
	if errors.Is(err, ErrBusy) {
		t.Error("RPCError{NotSupported} should not match ErrBusy")
	}
	if fromRPC(Success, "") != nil {
		t.Error("fromRPC(Success) should be nil")
	}
}
