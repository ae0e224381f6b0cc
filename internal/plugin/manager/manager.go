// Package manager provides camera module registration with enable/disable configuration.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/jmylchreest/camplug/internal/plugin/executor"
	"github.com/jmylchreest/camplug/internal/security"
	"github.com/jmylchreest/camplug/internal/synthetic"
	"github.com/jmylchreest/camplug/pkg/plugin"
)

// Environment variables read by WithEnvConfig.
const (
	EnvDisabledModules = "CAMPLUG_DISABLED_MODULES"
	EnvEnabledModules  = "CAMPLUG_ENABLED_MODULES"
)

// Config holds module configuration.
type Config struct {
	// DisabledModules is a list of module names to disable. "all" disables every module.
	DisabledModules []string

	// EnabledModules, if set, is the only set of modules that may load
	// (whitelist mode). "all" enables every module not disabled.
	EnabledModules []string
}

// Source says where a module comes from.
type Source string

// Module sources.
const (
	SourceBuiltin  Source = "builtin"
	SourceExternal Source = "external"
)

// Entry is a registered module.
type Entry struct {
	Info   plugin.ModuleInfo
	Source Source

	// Path is the binary of an external module.
	Path string

	open func(ctx context.Context) (*Loaded, error)
}

// Loaded is an opened module ready to be attached to a stream.
type Loaded struct {
	Info       plugin.ModuleInfo
	Descriptor *plugin.Descriptor

	// Emitter is set for in-process modules that can be stepped by hand.
	Emitter interface {
		Emit(ctx context.Context) (uint32, error)
	}

	pid   func() int
	close func()
}

// Pid returns the module process id, or 0 for in-process modules.
func (l *Loaded) Pid() int {
	if l.pid == nil {
		return 0
	}
	return l.pid()
}

// Close releases the module.
func (l *Loaded) Close() {
	if l.close != nil {
		l.close()
	}
}

// Builder provides a fluent interface for constructing a Manager with configuration.
type Builder struct {
	config    Config
	useEnv    bool
	synthetic *synthetic.Config
	runner    executor.ProcessRunner
	verbose   bool
	logger    hclog.Logger
}

// NewBuilder creates a new Manager builder with default settings.
func NewBuilder() *Builder {
	return &Builder{runner: executor.ExecRunner{}}
}

// WithConfig sets the configuration for the manager.
func (b *Builder) WithConfig(config Config) *Builder {
	b.config = config
	return b
}

// WithEnvConfig makes Build read CAMPLUG_DISABLED_MODULES and CAMPLUG_ENABLED_MODULES.
// Environment lists replace the configured ones.
func (b *Builder) WithEnvConfig() *Builder {
	b.useEnv = true
	return b
}

// WithSynthetic registers the built-in synthetic module with cfg.
func (b *Builder) WithSynthetic(cfg synthetic.Config) *Builder {
	b.synthetic = &cfg
	return b
}

// WithRunner sets the process runner used to query external modules.
func (b *Builder) WithRunner(r executor.ProcessRunner) *Builder {
	b.runner = r
	return b
}

// WithVerbose forwards module process logs.
func (b *Builder) WithVerbose(verbose bool) *Builder {
	b.verbose = verbose
	return b
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(logger hclog.Logger) *Builder {
	b.logger = logger
	return b
}

// Build constructs the Manager.
func (b *Builder) Build() *Manager {
	config := b.config
	if b.useEnv {
		if disabled := os.Getenv(EnvDisabledModules); disabled != "" {
			config.DisabledModules = parseModuleList(disabled)
		}
		if enabled := os.Getenv(EnvEnabledModules); enabled != "" {
			config.EnabledModules = parseModuleList(enabled)
		}
	}

	logger := b.logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	m := &Manager{
		config:  config,
		entries: make(map[string]*Entry),
		runner:  b.runner,
		verbose: b.verbose,
		logger:  logger.Named("modules"),
	}
	if b.synthetic != nil {
		m.registerSynthetic(*b.synthetic)
	}
	return m
}

// Manager owns the module registry.
type Manager struct {
	mu      sync.RWMutex
	config  Config
	entries map[string]*Entry
	runner  executor.ProcessRunner
	verbose bool
	logger  hclog.Logger
}

func (m *Manager) registerSynthetic(cfg synthetic.Config) {
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	info := synthetic.New(cfg).Info()
	m.entries[info.Name] = &Entry{
		Info:   info,
		Source: SourceBuiltin,
		open: func(context.Context) (*Loaded, error) {
			mod := synthetic.New(cfg)
			return &Loaded{Info: mod.Info(), Descriptor: mod.Descriptor(), Emitter: mod}, nil
		},
	}
}

// RegisterExternal queries the module binary at path and registers it under
// the name it reports.
func (m *Manager) RegisterExternal(ctx context.Context, path string) (*Entry, error) {
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("module path must be absolute: %s", path)
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("module not found or not accessible: %w", err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("module path is a directory, not a file: %s", path)
	}

	info, err := executor.Detect(ctx, m.runner, path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[info.Name]; ok {
		return nil, fmt.Errorf("module %q already registered from %s", info.Name, existing.Source)
	}

	runner, verbose := m.runner, m.verbose
	entry := &Entry{
		Info:   *info,
		Source: SourceExternal,
		Path:   path,
		open: func(ctx context.Context) (*Loaded, error) {
			e, err := executor.NewWithRunner(ctx, path, runner, verbose)
			if err != nil {
				return nil, err
			}
			desc, err := e.Descriptor()
			if err != nil {
				e.Close()
				return nil, err
			}
			return &Loaded{Info: e.Info(), Descriptor: desc, pid: e.Pid, close: e.Close}, nil
		},
	}
	m.entries[info.Name] = entry
	m.logger.Debug("registered external module", "name", info.Name, "path", path, "api_version", info.APIVersion)
	return entry, nil
}

// Discover registers every regular file in dir as an external module.
// A missing directory is not an error. Modules that fail to register are
// reported together and do not stop the scan.
func (m *Manager) Discover(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read module directory: %w", err)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("invalid module directory: %w", err)
	}

	var errs []error
	for _, de := range entries {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		path := filepath.Join(absDir, de.Name())
		if err := security.ValidateModulePath(path, absDir); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := m.RegisterExternal(ctx, path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", de.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Get returns the module registered under name.
func (m *Manager) Get(name string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	return e, ok
}

// List returns every registered module sorted by name, including disabled ones.
func (m *Manager) List() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.Name < out[j].Info.Name })
	return out
}

// Open loads an enabled module.
func (m *Manager) Open(ctx context.Context, name string) (*Loaded, error) {
	e, ok := m.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown module %q", name)
	}
	if !m.IsEnabled(name) {
		return nil, fmt.Errorf("module %q is disabled", name)
	}
	l, err := e.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening module %s: %w", name, err)
	}
	m.logger.Debug("opened module", "name", name, "source", e.Source, "api_version", l.Descriptor.Version)
	return l, nil
}

// IsEnabled determines if a module is enabled based on configuration.
// Without enabled or disabled lists every module is enabled.
func (m *Manager) IsEnabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if slices.Contains(m.config.DisabledModules, "all") {
		return false
	}
	if slices.Contains(m.config.DisabledModules, name) {
		return false
	}
	if len(m.config.EnabledModules) == 0 || slices.Contains(m.config.EnabledModules, "all") {
		return true
	}
	return slices.Contains(m.config.EnabledModules, name)
}

// Config returns the current configuration.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// UpdateConfig replaces the configuration without touching registrations.
func (m *Manager) UpdateConfig(config Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = config
}

// SetDisabled adds a module to the disabled list.
func (m *Manager) SetDisabled(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.EnabledModules = slices.DeleteFunc(m.config.EnabledModules, func(s string) bool { return s == name })
	if !slices.Contains(m.config.DisabledModules, name) {
		m.config.DisabledModules = append(m.config.DisabledModules, name)
	}
}

// SetEnabled removes a module from the disabled list and, in whitelist mode,
// adds it to the enabled list.
func (m *Manager) SetEnabled(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.DisabledModules = slices.DeleteFunc(m.config.DisabledModules, func(s string) bool { return s == name })
	if len(m.config.EnabledModules) > 0 && !slices.Contains(m.config.EnabledModules, name) {
		m.config.EnabledModules = append(m.config.EnabledModules, name)
	}
}

// parseModuleList parses a comma-separated list of module names.
func parseModuleList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
