// Package executor loads out-of-process camera modules over go-plugin.
package executor

import (
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/jmylchreest/camplug/internal/plugin/protocol"
	"github.com/jmylchreest/camplug/pkg/plugin"
)

// DetectTimeout bounds the --plugin-info query.
const DetectTimeout = 5 * time.Second

// ModuleExecutor owns one external module process.
type ModuleExecutor struct {
	path    string
	runner  ProcessRunner
	info    *plugin.ModuleInfo
	verbose bool

	mu     sync.Mutex
	client *goplugin.Client
	rpc    *plugin.CameraRPCClient
}

// New detects the module at path. The process is not started until the
// descriptor is requested.
func New(ctx context.Context, path string) (*ModuleExecutor, error) {
	return NewWithRunner(ctx, path, ExecRunner{}, false)
}

// NewWithRunner is New with an explicit process runner and verbose plugin logging.
func NewWithRunner(ctx context.Context, path string, runner ProcessRunner, verbose bool) (*ModuleExecutor, error) {
	info, err := Detect(ctx, runner, path)
	if err != nil {
		return nil, err
	}
	return &ModuleExecutor{
		path:    path,
		runner:  runner,
		info:    info,
		verbose: verbose,
	}, nil
}

// Detect runs the module with the info flag and decodes its metadata.
func Detect(ctx context.Context, runner ProcessRunner, path string) (*plugin.ModuleInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, DetectTimeout)
	defer cancel()

	stdout, stderr, err := runner.Run(ctx, path, protocol.InfoFlag)
	if err != nil {
		if msg := strings.TrimSpace(string(stderr)); msg != "" {
			return nil, fmt.Errorf("failed to query module %s: %w: %s", path, err, msg)
		}
		return nil, fmt.Errorf("failed to query module %s: %w", path, err)
	}
	info, err := protocol.DecodeModuleInfo(stdout)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", path, err)
	}
	return info, nil
}

// Path returns the module binary path.
func (e *ModuleExecutor) Path() string {
	return e.path
}

// Info returns the metadata the module reported.
func (e *ModuleExecutor) Info() plugin.ModuleInfo {
	return *e.info
}

func (e *ModuleExecutor) logger() hclog.Logger {
	if e.verbose {
		return hclog.New(&hclog.LoggerOptions{
			Name:   "module",
			Output: log.Writer(),
			Level:  hclog.Debug,
		})
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "module",
		Output: io.Discard,
		Level:  hclog.Off,
	})
}

func (e *ModuleExecutor) connect() (*plugin.CameraRPCClient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rpc != nil {
		return e.rpc, nil
	}

	e.client = goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig: plugin.Handshake,
		Plugins: map[string]goplugin.Plugin{
			plugin.DispenseName: &plugin.CameraPluginRPC{},
		},
		Cmd:              exec.Command(e.path),
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
		Logger:           e.logger(),
	})

	rpcClient, err := e.client.Client()
	if err != nil {
		e.client.Kill()
		e.client = nil
		return nil, fmt.Errorf("failed to get RPC client: %w", err)
	}

	raw, err := rpcClient.Dispense(plugin.DispenseName)
	if err != nil {
		e.client.Kill()
		e.client = nil
		return nil, fmt.Errorf("failed to dispense module: %w", err)
	}

	client, ok := raw.(*plugin.CameraRPCClient)
	if !ok {
		e.client.Kill()
		e.client = nil
		return nil, fmt.Errorf("module dispensed %T", raw)
	}
	e.rpc = client
	return client, nil
}

// Descriptor starts the module process if needed and returns its operation table.
func (e *ModuleExecutor) Descriptor() (*plugin.Descriptor, error) {
	client, err := e.connect()
	if err != nil {
		return nil, err
	}
	desc, err := client.Descriptor()
	if err != nil {
		return nil, fmt.Errorf("describing module %s: %w", e.info.Name, err)
	}
	if desc.Version != e.info.APIVersion {
		return nil, fmt.Errorf("%w: module %s reported %s at startup but %s over RPC",
			plugin.ErrInvalidParam, e.info.Name, e.info.APIVersion, desc.Version)
	}
	return desc, nil
}

// Pid returns the module process id, or 0 when it is not running.
func (e *ModuleExecutor) Pid() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil || e.client.Exited() {
		return 0
	}
	rc := e.client.ReattachConfig()
	if rc == nil {
		return 0
	}
	return rc.Pid
}

// Close stops the module process.
func (e *ModuleExecutor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		e.client.Kill()
		e.client = nil
		e.rpc = nil
	}
}
