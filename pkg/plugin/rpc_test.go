package plugin

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	goplugin "github.com/hashicorp/go-plugin"
)

// Mock implementations for testing.
type mockModule struct {
	mu       sync.Mutex
	initKey  string
	started  StartArgs
	crop     CropRegion
	params   map[string]string
	setErr   error
	info     CameraInfo
	stopped  bool
	deinited bool
}

func (m *mockModule) Init(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initKey = key
	return nil
}

func (m *mockModule) Deinit(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deinited = true
	return nil
}

func (m *mockModule) Start(_ context.Context, args StartArgs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = args
	return nil
}

func (m *mockModule) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

func (m *mockModule) GetParam(_ context.Context, name string, dst []byte) (int, error) {
	v, ok := m.params[name]
	if !ok {
		return 0, ErrInvalidParam
	}
	copy(dst, v)
	return len(v), nil
}

func (m *mockModule) SetParam(_ context.Context, name, value string) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.params[name] = value
	return nil
}

func (m *mockModule) SetCropRegion(_ context.Context, crop CropRegion) error {
	m.crop = crop
	return nil
}

func (m *mockModule) CameraInfo(context.Context) (CameraInfo, error) {
	return m.info, nil
}

func (m *mockModule) host() Host {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started.Host
}

type mockHost struct {
	mu         sync.Mutex
	registered []BufferInfo
	frames     []Frame
	errors     []ErrorState
	acquireErr error
}

func (h *mockHost) RegisterBuffer(_ context.Context, info BufferInfo) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registered = append(h.registered, info)
	return nil
}

func (h *mockHost) UnregisterBuffer(context.Context, Handle) error { return nil }

func (h *mockHost) AcquireFrameBuffer(_ context.Context, _ uint32) (BufferInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.acquireErr != nil {
		return BufferInfo{}, h.acquireErr
	}
	info := h.registered[0]
	info.Mem = []byte("host memory must not cross")
	return info, nil
}

func (h *mockHost) FrameReady(_ context.Context, f Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, f)
	return nil
}

func (h *mockHost) NotifyError(_ context.Context, state ErrorState, _ uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, state)
	return nil
}

// TestCameraPluginRPC tests the camera plugin RPC wrapper.
func TestCameraPluginRPC(t *testing.T) {
	mock := &mockModule{params: map[string]string{}}
	rpc := &CameraPluginRPC{Impl: mock, Version: APIVersion2}

	t.Run("Server", func(t *testing.T) {
		server, err := rpc.Server(nil)
		if err != nil {
			t.Fatalf("Server() error = %v", err)
		}
		rpcServer, ok := server.(*CameraRPCServer)
		if !ok {
			t.Fatal("Server() returned wrong type")
		}
		if rpcServer.desc.Version != APIVersion2 {
			t.Errorf("server descriptor version = %v, want %v", rpcServer.desc.Version, APIVersion2)
		}
	})

	t.Run("Client", func(t *testing.T) {
		client, err := rpc.Client(nil, nil)
		if err != nil {
			t.Fatalf("Client() error = %v", err)
		}
		if client == nil {
			t.Fatal("Client() returned nil client")
		}
	})

	t.Run("Start without broker", func(t *testing.T) {
		server, _ := rpc.Server(nil)
		var resp CallResponse
		if err := server.(*CameraRPCServer).Start(StartRequest{}, &resp); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if resp.Code != GenericError {
			t.Errorf("Start() code = %v, want GenericError", resp.Code)
		}
	})
}

func dispense(t *testing.T, m Module, v APIVersion) *CameraRPCClient {
	t.Helper()
	client, _ := goplugin.TestPluginRPCConn(t, map[string]goplugin.Plugin{
		DispenseName: &CameraPluginRPC{Impl: m, Version: v},
	}, nil)
	t.Cleanup(func() { _ = client.Close() })

	raw, err := client.Dispense(DispenseName)
	if err != nil {
		t.Fatalf("Dispense() error = %v", err)
	}
	c, ok := raw.(*CameraRPCClient)
	if !ok {
		t.Fatalf("Dispense() returned %T", raw)
	}
	return c
}

// TestCameraRPCDescriptor tests descriptor negotiation over RPC.
func TestCameraRPCDescriptor(t *testing.T) {
	mock := &mockModule{
		params: map[string]string{ParamVendorString: "acme"},
		info:   CameraInfo{Width: 640, Height: 480, BitsPerPixel: 8},
	}
	c := dispense(t, mock, APIVersion3)
	ctx := context.Background()

	desc, err := c.Descriptor()
	if err != nil {
		t.Fatalf("Descriptor() error = %v", err)
	}
	caps := desc.Capabilities()
	if caps.Version() != APIVersion3 {
		t.Errorf("Version() = %v, want %v", caps.Version(), APIVersion3)
	}
	if !caps.Supports(OpSetCropRegion) {
		t.Error("remote descriptor should support SetCropRegion")
	}
	if caps.Implements(OpPause) {
		t.Error("remote descriptor should not implement Pause")
	}

	t.Run("Init", func(t *testing.T) {
		if _, err := desc.Ops[OpInit](ctx, "cam0"); err != nil {
			t.Fatalf("Init error = %v", err)
		}
		if mock.initKey != "cam0" {
			t.Errorf("initKey = %q, want cam0", mock.initKey)
		}
	})

	t.Run("GetParam length query", func(t *testing.T) {
		v, err := desc.Ops[OpGetParam](ctx, GetParamArgs{Name: ParamVendorString})
		if err != nil {
			t.Fatalf("GetParam error = %v", err)
		}
		if v.(int) != 4 {
			t.Errorf("required = %v, want 4", v)
		}

		dst := make([]byte, 2)
		v, err = desc.Ops[OpGetParam](ctx, GetParamArgs{Name: ParamVendorString, Dst: dst})
		if err != nil {
			t.Fatalf("GetParam error = %v", err)
		}
		if v.(int) != 4 || string(dst) != "ac" {
			t.Errorf("GetParam = %v %q, want 4 \"ac\"", v, dst)
		}
	})

	t.Run("error codes survive transport", func(t *testing.T) {
		mock.setErr = ErrBusy
		defer func() { mock.setErr = nil }()

		_, err := desc.Ops[OpSetParam](ctx, SetParamArgs{Name: "x", Value: "y"})
		if !errors.Is(err, ErrBusy) {
			t.Errorf("SetParam error = %v, want ErrBusy", err)
		}
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) || rpcErr.Code != Busy {
			t.Errorf("SetParam error = %#v, want RPCError{Busy}", err)
		}
	})

	t.Run("CameraInfo", func(t *testing.T) {
		v, err := desc.Ops[OpGetCameraInfo](ctx, nil)
		if err != nil {
			t.Fatalf("CameraInfo error = %v", err)
		}
		if v.(CameraInfo) != mock.info {
			t.Errorf("CameraInfo = %+v, want %+v", v, mock.info)
		}
	})

	t.Run("SetCropRegion", func(t *testing.T) {
		crop := NewCropRegion(0, 0, 320, 240, 0, 320, 320, 240)
		if _, err := desc.Ops[OpSetCropRegion](ctx, crop); err != nil {
			t.Fatalf("SetCropRegion error = %v", err)
		}
		if mock.crop != crop {
			t.Errorf("crop = %+v, want %+v", mock.crop, crop)
		}
	})
}

// TestHostCallbacksOverRPC tests that a module reaches the host through the broker.
func TestHostCallbacksOverRPC(t *testing.T) {
	mock := &mockModule{params: map[string]string{}}
	c := dispense(t, mock, APIVersion3)
	ctx := context.Background()

	desc, err := c.Descriptor()
	if err != nil {
		t.Fatalf("Descriptor() error = %v", err)
	}

	host := &mockHost{}
	if _, err := desc.Ops[OpStart](ctx, StartArgs{CameraID: 1, Host: host}); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	remote := mock.host()
	if remote == nil {
		t.Fatal("module did not receive a host")
	}

	local := make([]byte, 8)
	if err := remote.RegisterBuffer(ctx, BufferInfo{Handle: 0x1000, Len: 8, FD: 7, Mem: local}); err != nil {
		t.Fatalf("RegisterBuffer error = %v", err)
	}
	if len(host.registered) != 1 || host.registered[0].Mem != nil {
		t.Fatalf("host registered = %+v, want one entry without memory", host.registered)
	}

	info, err := remote.AcquireFrameBuffer(ctx, 1)
	if err != nil {
		t.Fatalf("AcquireFrameBuffer error = %v", err)
	}
	if &info.Mem[0] != &local[0] {
		t.Error("AcquireFrameBuffer should hand back the module's own memory")
	}

	copy(info.Mem, "abcdefgh")
	f := Frame{Number: 1, Primary: Region{Width: 4, Height: 2}, Handle: info.Handle, Data: info.Mem}
	if err := remote.FrameReady(ctx, f); err != nil {
		t.Fatalf("FrameReady error = %v", err)
	}
	if len(host.frames) != 1 || !bytes.Equal(host.frames[0].Data, []byte("abcdefgh")) {
		t.Errorf("host frames = %+v", host.frames)
	}

	if err := remote.NotifyError(ctx, ErrorStateRecovering, 3); err != nil {
		t.Fatalf("NotifyError error = %v", err)
	}
	if len(host.errors) != 1 || host.errors[0] != ErrorStateRecovering {
		t.Errorf("host errors = %v", host.errors)
	}

	host.acquireErr = ErrBusy
	if _, err := remote.AcquireFrameBuffer(ctx, 2); !errors.Is(err, ErrBusy) {
		t.Errorf("AcquireFrameBuffer error = %v, want ErrBusy", err)
	}
}

// dataModule adds the optional data and transform operations to mockModule.
type dataModule struct {
	mockModule
	transform Transform
	blobs     map[string][]byte
	released  []int32
}

func (m *dataModule) SetTransform(_ context.Context, t Transform) error {
	m.transform = t
	return nil
}

func (m *dataModule) GetData(_ context.Context, control, dst []byte) (int, error) {
	v, ok := m.blobs[string(control)]
	if !ok {
		return 0, ErrInvalidParam
	}
	copy(dst, v)
	return len(v), nil
}

func (m *dataModule) SetData(_ context.Context, control, payload []byte) error {
	m.blobs[string(control)] = append([]byte(nil), payload...)
	return nil
}

func (m *dataModule) GetFd(_ context.Context, name string, mode FdMode) (int32, error) {
	if name != "calibration" || mode != FdModeRead {
		return -1, ErrInvalidParam
	}
	return 42, nil
}

func (m *dataModule) ReleaseFd(_ context.Context, fd int32) error {
	m.released = append(m.released, fd)
	return nil
}

func (m *dataModule) GetCapabilities(context.Context) (CapabilityFlags, error) {
	return CapDualCrop | CapDataFd, nil
}

func TestDataOpsOverRPC(t *testing.T) {
	mock := &dataModule{mockModule: mockModule{params: map[string]string{}}, blobs: map[string][]byte{}}
	c := dispense(t, mock, APIVersion3)
	ctx := context.Background()

	desc, err := c.Descriptor()
	if err != nil {
		t.Fatalf("Descriptor() error = %v", err)
	}
	caps := desc.Capabilities()
	for _, op := range []OpID{OpSetTransform, OpGetData, OpSetData, OpGetFd, OpReleaseFd, OpGetCapabilities} {
		if !caps.Supports(op) {
			t.Errorf("remote descriptor should support %s", op)
		}
	}

	t.Run("SetTransform", func(t *testing.T) {
		tr := Transform{From: "imu", To: "camera", Matrix: [16]float32{0: 1, 5: 1, 10: 1, 15: 1}}
		if _, err := desc.Ops[OpSetTransform](ctx, tr); err != nil {
			t.Fatalf("SetTransform error = %v", err)
		}
		if mock.transform != tr {
			t.Errorf("transform = %+v, want %+v", mock.transform, tr)
		}
	})

	t.Run("SetData and GetData", func(t *testing.T) {
		if _, err := desc.Ops[OpSetData](ctx, SetDataArgs{Control: []byte("profile"), Payload: []byte("user-1")}); err != nil {
			t.Fatalf("SetData error = %v", err)
		}
		v, err := desc.Ops[OpGetData](ctx, GetDataArgs{Control: []byte("profile")})
		if err != nil || v.(int) != 6 {
			t.Fatalf("GetData length query = %v, %v, want 6", v, err)
		}
		dst := make([]byte, 4)
		v, err = desc.Ops[OpGetData](ctx, GetDataArgs{Control: []byte("profile"), Dst: dst})
		if err != nil || v.(int) != 6 || string(dst) != "user" {
			t.Errorf("GetData = %v %q, %v, want 6 \"user\"", v, dst, err)
		}
		if _, err := desc.Ops[OpGetData](ctx, GetDataArgs{Control: []byte("missing")}); !errors.Is(err, ErrInvalidParam) {
			t.Errorf("GetData(missing) error = %v, want ErrInvalidParam", err)
		}
	})

	t.Run("GetFd and ReleaseFd", func(t *testing.T) {
		v, err := desc.Ops[OpGetFd](ctx, GetFdArgs{Name: "calibration", Mode: FdModeRead})
		if err != nil || v.(int32) != 42 {
			t.Fatalf("GetFd = %v, %v, want 42", v, err)
		}
		if _, err := desc.Ops[OpGetFd](ctx, GetFdArgs{Name: "calibration", Mode: FdModeWrite}); !errors.Is(err, ErrInvalidParam) {
			t.Errorf("GetFd(write) error = %v, want ErrInvalidParam", err)
		}
		if _, err := desc.Ops[OpReleaseFd](ctx, int32(42)); err != nil {
			t.Fatalf("ReleaseFd error = %v", err)
		}
		if len(mock.released) != 1 || mock.released[0] != 42 {
			t.Errorf("released = %v, want [42]", mock.released)
		}
	})

	t.Run("GetCapabilities", func(t *testing.T) {
		v, err := desc.Ops[OpGetCapabilities](ctx, nil)
		if err != nil {
			t.Fatalf("GetCapabilities error = %v", err)
		}
		if flags := v.(CapabilityFlags); flags != CapDualCrop|CapDataFd {
			t.Errorf("flags = %v", flags)
		}
	})
}
