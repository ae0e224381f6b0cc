package plugin

import (
	"context"
	"errors"
	"testing"
)

type pausingModule struct {
	mockModule
	paused bool
}

func (m *pausingModule) Pause(context.Context) error {
	m.paused = true
	return nil
}

func (m *pausingModule) Resume(context.Context) error {
	m.paused = false
	return nil
}

func TestNewDescriptor(t *testing.T) {
	tests := []struct {
		name    string
		module  Module
		version APIVersion
		want    map[OpID]bool
	}{
		{
			name:    "mandatory only via mock with crop",
			module:  &mockModule{params: map[string]string{}},
			version: APIVersion2,
			want: map[OpID]bool{
				OpInit: true, OpStart: true, OpGetParam: true,
				OpSetCropRegion: true, OpGetCameraInfo: true,
				OpCreate: false, OpPause: false, OpSetGamma: false,
			},
		},
		{
			name:    "pauser at v4",
			module:  &pausingModule{mockModule: mockModule{params: map[string]string{}}},
			version: APIVersion4,
			want:    map[OpID]bool{OpPause: true, OpResume: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps := NewDescriptor(tt.version, tt.module).Capabilities()
			for op, want := range tt.want {
				if got := caps.Implements(op); got != want {
					t.Errorf("Implements(%s) = %v, want %v", op, got, want)
				}
			}
		})
	}
}

func TestCapabilityTableSupports(t *testing.T) {
	m := &pausingModule{mockModule: mockModule{params: map[string]string{}}}

	caps := NewDescriptor(APIVersion3, m).Capabilities()
	if !caps.Implements(OpPause) {
		t.Fatal("Pause should be implemented")
	}
	if caps.Supports(OpPause) {
		t.Error("Pause must not be supported below API v4")
	}
	if !caps.Supports(OpSetCropRegion) {
		t.Error("SetCropRegion should be supported at API v3")
	}
	if caps.Supports(OpID(999)) {
		t.Error("unknown op must not be supported")
	}

	want := "v3[Init Deinit Start Stop GetParam SetParam GetCameraInfo SetCropRegion Pause Resume]"
	if got := caps.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestDescriptorArgumentTypes(t *testing.T) {
	desc := NewDescriptor(APIVersion2, &mockModule{params: map[string]string{}})

	_, err := desc.Ops[OpInit](context.Background(), 42)
	if !errors.Is(err, ErrInvalidParam) {
		t.Errorf("Init(42) error = %v, want ErrInvalidParam", err)
	}
}

func TestDescriptorValidate(t *testing.T) {
	var nilDesc *Descriptor
	if err := nilDesc.Validate(); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("nil Validate() = %v, want ErrInvalidParam", err)
	}
	if err := (&Descriptor{Version: APIVersionInvalid}).Validate(); !errors.Is(err, ErrNotSupported) {
		t.Errorf("v0 Validate() = %v, want ErrNotSupported", err)
	}
	if err := (&Descriptor{Version: APIVersion(9)}).Validate(); err != nil {
		t.Errorf("future version Validate() = %v, want nil", err)
	}
}

func TestOpMinVersion(t *testing.T) {
	tests := []struct {
		op   OpID
		want APIVersion
	}{
		{OpInit, APIVersion1},
		{OpSetParam, APIVersion1},
		{OpCreate, APIVersion2},
		{OpSetCropRegion, APIVersion2},
		{OpPause, APIVersion4},
		{OpRegisterBuffer, APIVersion2},
		{OpAcquireFrameBuffer, APIVersion3},
		{OpSetTransform, APIVersion2},
		{OpGetData, APIVersion2},
		{OpGetFd, APIVersion3},
		{OpGetCapabilities, APIVersion3},
		{OpID(0), APIVersionInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			if got := tt.op.MinVersion(); got != tt.want {
				t.Errorf("MinVersion() = %v, want %v", got, tt.want)
			}
		})
	}
	ops := ModuleOps()
	if len(ops) != int(OpResume)+6 {
		t.Errorf("ModuleOps() has %d entries, want %d", len(ops), int(OpResume)+6)
	}
	for i, op := range ops {
		if op.IsCallback() {
			t.Errorf("ModuleOps() contains callback %s", op)
		}
		if i > 0 && ops[i-1] >= op {
			t.Errorf("ModuleOps() not in ABI order at %s", op)
		}
	}
}
