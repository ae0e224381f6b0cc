// Package cli provides the command-line interface for camplug.
package cli

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/camplug/internal/config"
	"github.com/jmylchreest/camplug/internal/plugin/manager"
	"github.com/jmylchreest/camplug/internal/synthetic"
	"github.com/jmylchreest/camplug/internal/version"
	"github.com/jmylchreest/camplug/pkg/plugin"
)

// app is the state shared by all commands once flags are parsed.
type app struct {
	configPath string
	moduleDir  string
	verbose    bool
	quiet      bool
	jsonOut    bool

	cfg     *config.Config
	logger  hclog.Logger
	modules *manager.Manager
}

// NewRootCmd builds the camplug command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "camplug",
		Short: "Host for versioned camera plugin modules",
		Long: `camplug loads camera modules, negotiates their API level and drives them
through the stream lifecycle, delivering frames from module-owned buffers.

Modules are either built in (synthetic) or external binaries served over
go-plugin and discovered in the module directory.`,
		Version:      version.Short(),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&a.moduleDir, "module-dir", "", "directory scanned for external modules")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "suppress non-error output")
	rootCmd.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "always write JSON output")

	rootCmd.SetVersionTemplate(version.String() + "\n")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newModulesCmd(a))
	rootCmd.AddCommand(newStreamCmd(a))
	rootCmd.AddCommand(newCaptureCmd(a))
	rootCmd.AddCommand(newSensorCmd(a))
	return rootCmd
}

// setup loads configuration and builds the module registry.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	if a.moduleDir != "" {
		cfg.ModuleDir = a.moduleDir
	}

	level := cfg.Level()
	switch {
	case a.verbose:
		level = hclog.Debug
	case a.quiet:
		level = hclog.Error
	}
	a.logger = hclog.New(&hclog.LoggerOptions{
		Name:   "camplug",
		Output: cmd.ErrOrStderr(),
		Level:  level,
	})

	a.modules = manager.NewBuilder().
		WithConfig(manager.Config{
			EnabledModules:  cfg.Modules.Enabled,
			DisabledModules: cfg.Modules.Disabled,
		}).
		WithEnvConfig().
		WithSynthetic(synthetic.Config{
			APIVersion: plugin.APIVersion(cfg.Synthetic.APIVersion),
			Width:      cfg.Synthetic.Width,
			Height:     cfg.Synthetic.Height,
			Interval:   cfg.Synthetic.Interval,
			Buffers:    cfg.Synthetic.Buffers,
		}).
		WithVerbose(a.verbose).
		WithLogger(a.logger).
		Build()

	// A broken module must not stop the working ones from loading.
	if err := a.modules.Discover(cmd.Context(), cfg.ModuleDir); err != nil {
		a.logger.Warn("some modules failed to load", "dir", cfg.ModuleDir, "error", err)
	}
	return nil
}

// printf writes to stdout unless --quiet was given.
func (a *app) printf(w io.Writer, format string, args ...any) {
	if a.quiet {
		return
	}
	_, _ = fmt.Fprintf(w, format, args...)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Print detailed version information including build date, commit hash, Go version and the supported module API range.`,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
