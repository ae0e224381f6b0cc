package plugin

import (
	"context"
	"fmt"
	"net/rpc"
	"sync"

	"github.com/hashicorp/go-plugin"
)

// CameraPluginRPC implements the go-plugin Plugin interface for camera modules.
// Host callbacks travel back over the MuxBroker.
type CameraPluginRPC struct {
	plugin.Plugin
	Impl    Module
	Version APIVersion
}

// Server returns an RPC server for this plugin.
func (p *CameraPluginRPC) Server(b *plugin.MuxBroker) (any, error) {
	return &CameraRPCServer{desc: NewDescriptor(p.Version, p.Impl), broker: b}, nil
}

// Client returns an RPC client for this plugin.
func (p *CameraPluginRPC) Client(b *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &CameraRPCClient{client: c, broker: b}, nil
}

// CallResponse is the reply of every operation without a result value.
type CallResponse struct {
	Code    Result
	Message string
}

// DescribeResponse is the reply of Describe.
type DescribeResponse struct {
	Version APIVersion
	Ops     []OpID
}

// StartRequest is the wire form of StartArgs.
type StartRequest struct {
	CameraID int32
	HostID   uint32
}

// GetParamRequest is the wire form of GetParamArgs. Size -1 queries the length.
type GetParamRequest struct {
	Name string
	Size int
}

// GetParamResponse is the reply of GetParam.
type GetParamResponse struct {
	Value    []byte
	Required int
	Code     Result
	Message  string
}

// CameraInfoResponse is the reply of CameraInfo.
type CameraInfoResponse struct {
	Info    CameraInfo
	Code    Result
	Message string
}

// GetDataRequest is the wire form of GetDataArgs. Size -1 queries the length.
type GetDataRequest struct {
	Control []byte
	Size    int
}

// GetFdResponse is the reply of GetFd. The descriptor is only meaningful
// in the module process.
type GetFdResponse struct {
	Fd      int32
	Code    Result
	Message string
}

// CapabilitiesResponse is the reply of GetCapabilities.
type CapabilitiesResponse struct {
	Flags   CapabilityFlags
	Code    Result
	Message string
}

// CameraRPCServer is the RPC server implementation for camera modules.
// It runs in the module process.
type CameraRPCServer struct {
	desc   *Descriptor
	broker *plugin.MuxBroker

	mu   sync.Mutex
	host *rpc.Client
}

func (s *CameraRPCServer) call(op OpID, args any) (any, Result, string) {
	fn, ok := s.desc.Ops[op]
	if !ok || fn == nil {
		return nil, NotSupported, fmt.Sprintf("module does not implement %s", op)
	}
	v, err := fn(context.Background(), args)
	code, msg := toRPC(err)
	return v, code, msg
}

func (s *CameraRPCServer) reply(resp *CallResponse, op OpID, args any) error {
	_, resp.Code, resp.Message = s.call(op, args)
	return nil
}

// Describe reports the declared API level and implemented operations.
func (s *CameraRPCServer) Describe(_ any, resp *DescribeResponse) error {
	caps := s.desc.Capabilities()
	resp.Version = caps.Version()
	resp.Ops = caps.Ops()
	return nil
}

// Init implements the RPC method for Init.
func (s *CameraRPCServer) Init(key string, resp *CallResponse) error {
	return s.reply(resp, OpInit, key)
}

// Deinit implements the RPC method for Deinit and drops the host connection.
func (s *CameraRPCServer) Deinit(_ any, resp *CallResponse) error {
	err := s.reply(resp, OpDeinit, nil)
	s.closeHost()
	return err
}

// Start dials the host callback server and starts the module.
func (s *CameraRPCServer) Start(req StartRequest, resp *CallResponse) error {
	if s.broker == nil {
		resp.Code, resp.Message = GenericError, "no broker for host callbacks"
		return nil
	}
	conn, err := s.broker.Dial(req.HostID)
	if err != nil {
		resp.Code, resp.Message = GenericError, fmt.Sprintf("dialing host: %v", err)
		return nil
	}
	host := rpc.NewClient(conn)

	s.mu.Lock()
	if s.host != nil {
		_ = s.host.Close()
	}
	s.host = host
	s.mu.Unlock()

	callbacks := NewHostRPCClient(host)
	return s.reply(resp, OpStart, StartArgs{CameraID: req.CameraID, Host: callbacks, Sink: callbacks})
}

// Stop implements the RPC method for Stop.
func (s *CameraRPCServer) Stop(_ any, resp *CallResponse) error {
	return s.reply(resp, OpStop, nil)
}

// GetParam implements the RPC method for GetParam.
func (s *CameraRPCServer) GetParam(req GetParamRequest, resp *GetParamResponse) error {
	var dst []byte
	if req.Size >= 0 {
		dst = make([]byte, req.Size)
	}
	v, code, msg := s.call(OpGetParam, GetParamArgs{Name: req.Name, Dst: dst})
	resp.Code, resp.Message = code, msg
	if n, ok := v.(int); ok {
		resp.Required = n
		resp.Value = dst[:min(n, len(dst))]
	}
	return nil
}

// SetParam implements the RPC method for SetParam.
func (s *CameraRPCServer) SetParam(req SetParamArgs, resp *CallResponse) error {
	return s.reply(resp, OpSetParam, req)
}

// Create implements the RPC method for Create.
func (s *CameraRPCServer) Create(params CreateParams, resp *CallResponse) error {
	return s.reply(resp, OpCreate, params)
}

// Destroy implements the RPC method for Destroy.
func (s *CameraRPCServer) Destroy(_ any, resp *CallResponse) error {
	err := s.reply(resp, OpDestroy, nil)
	s.closeHost()
	return err
}

// CameraInfo implements the RPC method for GetCameraInfo.
func (s *CameraRPCServer) CameraInfo(_ any, resp *CameraInfoResponse) error {
	v, code, msg := s.call(OpGetCameraInfo, nil)
	resp.Code, resp.Message = code, msg
	if info, ok := v.(CameraInfo); ok {
		resp.Info = info
	}
	return nil
}

// SetExposureAndGain implements the RPC method for SetExposureAndGain.
func (s *CameraRPCServer) SetExposureAndGain(req ExposureGain, resp *CallResponse) error {
	return s.reply(resp, OpSetExposureAndGain, req)
}

// SetGamma implements the RPC method for SetGamma.
func (s *CameraRPCServer) SetGamma(gamma float32, resp *CallResponse) error {
	return s.reply(resp, OpSetGamma, gamma)
}

// SetCropRegion implements the RPC method for SetCropRegion.
func (s *CameraRPCServer) SetCropRegion(crop CropRegion, resp *CallResponse) error {
	return s.reply(resp, OpSetCropRegion, crop)
}

// Pause implements the RPC method for Pause.
func (s *CameraRPCServer) Pause(_ any, resp *CallResponse) error {
	return s.reply(resp, OpPause, nil)
}

// Resume implements the RPC method for Resume.
func (s *CameraRPCServer) Resume(_ any, resp *CallResponse) error {
	return s.reply(resp, OpResume, nil)
}

// SetTransform implements the RPC method for SetTransform.
func (s *CameraRPCServer) SetTransform(t Transform, resp *CallResponse) error {
	return s.reply(resp, OpSetTransform, t)
}

// GetData implements the RPC method for GetData.
func (s *CameraRPCServer) GetData(req GetDataRequest, resp *GetParamResponse) error {
	var dst []byte
	if req.Size >= 0 {
		dst = make([]byte, req.Size)
	}
	v, code, msg := s.call(OpGetData, GetDataArgs{Control: req.Control, Dst: dst})
	resp.Code, resp.Message = code, msg
	if n, ok := v.(int); ok {
		resp.Required = n
		resp.Value = dst[:min(n, len(dst))]
	}
	return nil
}

// SetData implements the RPC method for SetData.
func (s *CameraRPCServer) SetData(req SetDataArgs, resp *CallResponse) error {
	return s.reply(resp, OpSetData, req)
}

// GetFd implements the RPC method for GetFd.
func (s *CameraRPCServer) GetFd(req GetFdArgs, resp *GetFdResponse) error {
	v, code, msg := s.call(OpGetFd, req)
	resp.Code, resp.Message = code, msg
	if fd, ok := v.(int32); ok {
		resp.Fd = fd
	}
	return nil
}

// ReleaseFd implements the RPC method for ReleaseFd.
func (s *CameraRPCServer) ReleaseFd(fd int32, resp *CallResponse) error {
	return s.reply(resp, OpReleaseFd, fd)
}

// GetCapabilities implements the RPC method for GetCapabilities.
func (s *CameraRPCServer) GetCapabilities(_ any, resp *CapabilitiesResponse) error {
	v, code, msg := s.call(OpGetCapabilities, nil)
	resp.Code, resp.Message = code, msg
	if flags, ok := v.(CapabilityFlags); ok {
		resp.Flags = flags
	}
	return nil
}

func (s *CameraRPCServer) closeHost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.host != nil {
		_ = s.host.Close()
		s.host = nil
	}
}

// CameraRPCClient is the RPC client implementation for camera modules.
// It runs in the host process.
type CameraRPCClient struct {
	client *rpc.Client
	broker *plugin.MuxBroker
}

// Descriptor asks the module for its API level and operations and returns a
// host-side descriptor whose entries forward over RPC. Operations unknown to
// this host are left out.
func (c *CameraRPCClient) Descriptor() (*Descriptor, error) {
	var d DescribeResponse
	if err := c.client.Call("Plugin.Describe", new(any), &d); err != nil {
		return nil, fmt.Errorf("describing module: %w", err)
	}
	ops := make(OpTable, len(d.Ops))
	for _, op := range d.Ops {
		if fn := c.remoteOp(op); fn != nil {
			ops[op] = fn
		}
	}
	return &Descriptor{Version: d.Version, Ops: ops}, nil
}

func (c *CameraRPCClient) call(method string, args any) error {
	var resp CallResponse
	if err := c.client.Call("Plugin."+method, args, &resp); err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	return fromRPC(resp.Code, resp.Message)
}

func (c *CameraRPCClient) remoteOp(op OpID) Op {
	noArgs := func(method string) Op {
		return func(context.Context, any) (any, error) {
			return nil, c.call(method, new(any))
		}
	}

	switch op {
	case OpInit:
		return func(_ context.Context, args any) (any, error) {
			key, err := argAs[string](op, args)
			if err != nil {
				return nil, err
			}
			return nil, c.call("Init", key)
		}
	case OpDeinit:
		return noArgs("Deinit")
	case OpStart:
		return func(_ context.Context, args any) (any, error) {
			sa, err := argAs[StartArgs](op, args)
			if err != nil {
				return nil, err
			}
			return nil, c.start(sa)
		}
	case OpStop:
		return noArgs("Stop")
	case OpGetParam:
		return func(_ context.Context, args any) (any, error) {
			ga, err := argAs[GetParamArgs](op, args)
			if err != nil {
				return nil, err
			}
			return c.getParam(ga)
		}
	case OpSetParam:
		return func(_ context.Context, args any) (any, error) {
			sa, err := argAs[SetParamArgs](op, args)
			if err != nil {
				return nil, err
			}
			return nil, c.call("SetParam", sa)
		}
	case OpCreate:
		return func(_ context.Context, args any) (any, error) {
			p, _ := args.(CreateParams)
			return nil, c.call("Create", p)
		}
	case OpDestroy:
		return noArgs("Destroy")
	case OpGetCameraInfo:
		return func(context.Context, any) (any, error) {
			var resp CameraInfoResponse
			if err := c.client.Call("Plugin.CameraInfo", new(any), &resp); err != nil {
				return nil, fmt.Errorf("calling CameraInfo: %w", err)
			}
			if err := fromRPC(resp.Code, resp.Message); err != nil {
				return nil, err
			}
			return resp.Info, nil
		}
	case OpSetExposureAndGain:
		return func(_ context.Context, args any) (any, error) {
			eg, err := argAs[ExposureGain](op, args)
			if err != nil {
				return nil, err
			}
			return nil, c.call("SetExposureAndGain", eg)
		}
	case OpSetGamma:
		return func(_ context.Context, args any) (any, error) {
			g, err := argAs[float32](op, args)
			if err != nil {
				return nil, err
			}
			return nil, c.call("SetGamma", g)
		}
	case OpSetCropRegion:
		return func(_ context.Context, args any) (any, error) {
			crop, err := argAs[CropRegion](op, args)
			if err != nil {
				return nil, err
			}
			return nil, c.call("SetCropRegion", crop)
		}
	case OpPause:
		return noArgs("Pause")
	case OpResume:
		return noArgs("Resume")
	case OpSetTransform:
		return func(_ context.Context, args any) (any, error) {
			tr, err := argAs[Transform](op, args)
			if err != nil {
				return nil, err
			}
			return nil, c.call("SetTransform", tr)
		}
	case OpGetData:
		return func(_ context.Context, args any) (any, error) {
			ga, err := argAs[GetDataArgs](op, args)
			if err != nil {
				return nil, err
			}
			return c.getData(ga)
		}
	case OpSetData:
		return func(_ context.Context, args any) (any, error) {
			sa, err := argAs[SetDataArgs](op, args)
			if err != nil {
				return nil, err
			}
			return nil, c.call("SetData", sa)
		}
	case OpGetFd:
		return func(_ context.Context, args any) (any, error) {
			ga, err := argAs[GetFdArgs](op, args)
			if err != nil {
				return nil, err
			}
			var resp GetFdResponse
			if err := c.client.Call("Plugin.GetFd", ga, &resp); err != nil {
				return nil, fmt.Errorf("calling GetFd: %w", err)
			}
			if err := fromRPC(resp.Code, resp.Message); err != nil {
				return nil, err
			}
			return resp.Fd, nil
		}
	case OpReleaseFd:
		return func(_ context.Context, args any) (any, error) {
			fd, err := argAs[int32](op, args)
			if err != nil {
				return nil, err
			}
			return nil, c.call("ReleaseFd", fd)
		}
	case OpGetCapabilities:
		return func(context.Context, any) (any, error) {
			var resp CapabilitiesResponse
			if err := c.client.Call("Plugin.GetCapabilities", new(any), &resp); err != nil {
				return nil, fmt.Errorf("calling GetCapabilities: %w", err)
			}
			if err := fromRPC(resp.Code, resp.Message); err != nil {
				return nil, err
			}
			return resp.Flags, nil
		}
	default:
		return nil
	}
}

func (c *CameraRPCClient) start(sa StartArgs) error {
	if c.broker == nil {
		return fmt.Errorf("%w: no broker for host callbacks", ErrGeneric)
	}
	id := c.broker.NextId()
	go c.broker.AcceptAndServe(id, &HostRPCServer{Impl: sa.Host, Sink: sa.Sink})
	return c.call("Start", StartRequest{CameraID: sa.CameraID, HostID: id})
}

func (c *CameraRPCClient) getParam(ga GetParamArgs) (int, error) {
	req := GetParamRequest{Name: ga.Name, Size: -1}
	if ga.Dst != nil {
		req.Size = len(ga.Dst)
	}
	var resp GetParamResponse
	if err := c.client.Call("Plugin.GetParam", req, &resp); err != nil {
		return 0, fmt.Errorf("calling GetParam: %w", err)
	}
	if err := fromRPC(resp.Code, resp.Message); err != nil {
		return 0, err
	}
	copy(ga.Dst, resp.Value)
	return resp.Required, nil
}

func (c *CameraRPCClient) getData(ga GetDataArgs) (int, error) {
	req := GetDataRequest{Control: ga.Control, Size: -1}
	if ga.Dst != nil {
		req.Size = len(ga.Dst)
	}
	var resp GetParamResponse
	if err := c.client.Call("Plugin.GetData", req, &resp); err != nil {
		return 0, fmt.Errorf("calling GetData: %w", err)
	}
	if err := fromRPC(resp.Code, resp.Message); err != nil {
		return 0, err
	}
	copy(ga.Dst, resp.Value)
	return resp.Required, nil
}

// NotifyErrorRequest is the wire form of NotifyError.
type NotifyErrorRequest struct {
	State ErrorState
	Param uint64
}

// AcquireResponse is the reply of AcquireFrameBuffer.
type AcquireResponse struct {
	Info    BufferInfo
	Code    Result
	Message string
}

// HostRPCServer serves host callbacks to an out-of-process module.
// It runs in the host process.
type HostRPCServer struct {
	Impl Host
	Sink EventSink
}

func (s *HostRPCServer) reply(resp *CallResponse, err error) error {
	resp.Code, resp.Message = toRPC(err)
	return nil
}

// RegisterBuffer implements the RPC method for RegisterBuffer.
func (s *HostRPCServer) RegisterBuffer(info BufferInfo, resp *CallResponse) error {
	if s.Impl == nil {
		return s.reply(resp, fmt.Errorf("%w: host callbacks unavailable", ErrNotSupported))
	}
	info.Mem = nil
	return s.reply(resp, s.Impl.RegisterBuffer(context.Background(), info))
}

// UnregisterBuffer implements the RPC method for UnregisterBuffer.
func (s *HostRPCServer) UnregisterBuffer(handle Handle, resp *CallResponse) error {
	if s.Impl == nil {
		return s.reply(resp, fmt.Errorf("%w: host callbacks unavailable", ErrNotSupported))
	}
	return s.reply(resp, s.Impl.UnregisterBuffer(context.Background(), handle))
}

// AcquireFrameBuffer implements the RPC method for AcquireFrameBuffer.
func (s *HostRPCServer) AcquireFrameBuffer(frame uint32, resp *AcquireResponse) error {
	if s.Impl == nil {
		resp.Code, resp.Message = NotSupported, "host callbacks unavailable"
		return nil
	}
	info, err := s.Impl.AcquireFrameBuffer(context.Background(), frame)
	info.Mem = nil
	resp.Info = info
	resp.Code, resp.Message = toRPC(err)
	return nil
}

// FrameReady implements the RPC method for FrameReady.
func (s *HostRPCServer) FrameReady(frame Frame, resp *CallResponse) error {
	if s.Impl == nil {
		return s.reply(resp, fmt.Errorf("%w: host callbacks unavailable", ErrNotSupported))
	}
	return s.reply(resp, s.Impl.FrameReady(context.Background(), frame))
}

// NotifyError implements the RPC method for NotifyError.
func (s *HostRPCServer) NotifyError(req NotifyErrorRequest, resp *CallResponse) error {
	if s.Impl == nil {
		return s.reply(resp, fmt.Errorf("%w: host callbacks unavailable", ErrNotSupported))
	}
	return s.reply(resp, s.Impl.NotifyError(context.Background(), req.State, req.Param))
}

// Post implements the RPC method for legacy event delivery.
func (s *HostRPCServer) Post(ev Event, resp *bool) error {
	*resp = s.Sink != nil && s.Sink.Post(ev)
	return nil
}

// HostRPCClient gives an out-of-process module the Host and EventSink it
// expects. Registered buffer memory stays in the module process and is
// looked up by handle when the host hands a buffer back.
type HostRPCClient struct {
	client *rpc.Client

	mu  sync.Mutex
	mem map[Handle][]byte
}

// NewHostRPCClient wraps a connection to a HostRPCServer.
func NewHostRPCClient(c *rpc.Client) *HostRPCClient {
	return &HostRPCClient{client: c, mem: make(map[Handle][]byte)}
}

func (c *HostRPCClient) call(method string, args any) error {
	var resp CallResponse
	if err := c.client.Call("Plugin."+method, args, &resp); err != nil {
		return fmt.Errorf("calling host %s: %w", method, err)
	}
	return fromRPC(resp.Code, resp.Message)
}

// RegisterBuffer registers info with the host and keeps its memory locally.
func (c *HostRPCClient) RegisterBuffer(_ context.Context, info BufferInfo) error {
	mem := info.Mem
	if mem == nil {
		mem = make([]byte, info.Len)
	}
	info.Mem = nil
	if err := c.call("RegisterBuffer", info); err != nil {
		return err
	}
	c.mu.Lock()
	c.mem[info.Handle] = mem
	c.mu.Unlock()
	return nil
}

// UnregisterBuffer withdraws a buffer from the host.
func (c *HostRPCClient) UnregisterBuffer(_ context.Context, handle Handle) error {
	if err := c.call("UnregisterBuffer", handle); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.mem, handle)
	c.mu.Unlock()
	return nil
}

// AcquireFrameBuffer asks the host for an idle buffer and attaches the local memory.
func (c *HostRPCClient) AcquireFrameBuffer(_ context.Context, frame uint32) (BufferInfo, error) {
	var resp AcquireResponse
	if err := c.client.Call("Plugin.AcquireFrameBuffer", frame, &resp); err != nil {
		return BufferInfo{}, fmt.Errorf("calling host AcquireFrameBuffer: %w", err)
	}
	if err := fromRPC(resp.Code, resp.Message); err != nil {
		return BufferInfo{}, err
	}
	info := resp.Info
	c.mu.Lock()
	info.Mem = c.mem[info.Handle]
	c.mu.Unlock()
	if info.Mem == nil {
		info.Mem = make([]byte, info.Len)
	}
	return info, nil
}

// FrameReady sends the frame and its payload to the host.
func (c *HostRPCClient) FrameReady(_ context.Context, frame Frame) error {
	return c.call("FrameReady", frame)
}

// NotifyError reports an error state to the host.
func (c *HostRPCClient) NotifyError(_ context.Context, state ErrorState, param uint64) error {
	return c.call("NotifyError", NotifyErrorRequest{State: state, Param: param})
}

// Post delivers a legacy event to the host.
func (c *HostRPCClient) Post(ev Event) bool {
	var accepted bool
	if err := c.client.Call("Plugin.Post", ev, &accepted); err != nil {
		return false
	}
	return accepted
}
