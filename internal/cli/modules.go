package cli

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/mitchellh/go-ps"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/camplug/internal/plugin/manager"
	"github.com/jmylchreest/camplug/internal/plugin/protocol"
	"github.com/jmylchreest/camplug/pkg/plugin"
)

// commLen is the length the kernel truncates process names to.
const commLen = 15

func newModulesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "modules",
		Aliases: []string{"module", "mod"},
		Short:   "Inspect camera modules",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List registered modules",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.listModules(cmd)
			},
		},
		&cobra.Command{
			Use:   "info NAME",
			Short: "Show the capability table of a module",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.moduleInfo(cmd, args[0])
			},
		},
		&cobra.Command{
			Use:   "ps",
			Short: "List running external module processes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.moduleProcesses(cmd)
			},
		},
	)
	return cmd
}

type moduleRow struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	APIVersion  string `json:"api_version"`
	Source      string `json:"source"`
	Enabled     bool   `json:"enabled"`
	Path        string `json:"path,omitempty"`
	Description string `json:"description,omitempty"`
}

func (a *app) listModules(cmd *cobra.Command) error {
	var rows []moduleRow
	for _, e := range a.modules.List() {
		rows = append(rows, moduleRow{
			Name:        e.Info.Name,
			Version:     e.Info.Version,
			APIVersion:  e.Info.APIVersion.String(),
			Source:      string(e.Source),
			Enabled:     a.modules.IsEnabled(e.Info.Name),
			Path:        e.Path,
			Description: e.Info.Description,
		})
	}

	out := cmd.OutOrStdout()
	if !a.useTable(out) {
		return writeJSON(out, rows)
	}
	table := NewTable("NAME", "VERSION", "API", "SOURCE", "ENABLED", "DESCRIPTION")
	for _, r := range rows {
		table.AddRow(r.Name, r.Version, r.APIVersion, r.Source, strconv.FormatBool(r.Enabled), r.Description)
	}
	table.Fit(terminalWidth(out))
	return table.Write(out)
}

type capabilityRow struct {
	Op          string `json:"op"`
	MinVersion  string `json:"min_version"`
	Implemented bool   `json:"implemented"`
	Supported   bool   `json:"supported"`
}

type moduleDetail struct {
	Info         plugin.ModuleInfo `json:"info"`
	Declared     string            `json:"declared_version"`
	Effective    string            `json:"effective_version"`
	Capabilities []capabilityRow   `json:"capabilities"`
}

// capabilityRows lists every module operation this host knows against caps.
func capabilityRows(caps plugin.CapabilityTable) []capabilityRow {
	ops := plugin.ModuleOps()
	rows := make([]capabilityRow, 0, len(ops))
	for _, op := range ops {
		rows = append(rows, capabilityRow{
			Op:          op.String(),
			MinVersion:  op.MinVersion().String(),
			Implemented: caps.Implements(op),
			Supported:   caps.Supports(op),
		})
	}
	return rows
}

func (a *app) moduleInfo(cmd *cobra.Command, name string) error {
	loaded, err := a.modules.Open(cmd.Context(), name)
	if err != nil {
		return err
	}
	defer loaded.Close()

	caps := loaded.Descriptor.Capabilities()
	detail := moduleDetail{
		Info:         loaded.Info,
		Declared:     caps.Version().String(),
		Effective:    protocol.Effective(caps.Version()).String(),
		Capabilities: capabilityRows(caps),
	}

	out := cmd.OutOrStdout()
	if !a.useTable(out) {
		return writeJSON(out, detail)
	}
	a.printf(out, "%s %s (API %s, host speaks %s)\n", detail.Info.Name, detail.Info.Version, detail.Declared, detail.Effective)
	if detail.Info.Description != "" {
		a.printf(out, "%s\n", detail.Info.Description)
	}
	a.printf(out, "\n")
	table := NewTable("OP", "MIN API", "IMPLEMENTED", "SUPPORTED")
	for _, r := range detail.Capabilities {
		table.AddRow(r.Op, r.MinVersion, strconv.FormatBool(r.Implemented), strconv.FormatBool(r.Supported))
	}
	return table.Write(out)
}

type processRow struct {
	PID    int    `json:"pid"`
	PPID   int    `json:"ppid"`
	Exe    string `json:"executable"`
	Module string `json:"module"`
}

// matchProcesses pairs running processes with external module binaries.
func matchProcesses(procs []ps.Process, entries []*manager.Entry) []processRow {
	byExe := make(map[string]string)
	for _, e := range entries {
		if e.Source != manager.SourceExternal {
			continue
		}
		byExe[commName(filepath.Base(e.Path))] = e.Info.Name
	}

	var rows []processRow
	for _, p := range procs {
		if name, ok := byExe[commName(p.Executable())]; ok {
			rows = append(rows, processRow{PID: p.Pid(), PPID: p.PPid(), Exe: p.Executable(), Module: name})
		}
	}
	return rows
}

func commName(exe string) string {
	if len(exe) > commLen {
		return exe[:commLen]
	}
	return exe
}

func (a *app) moduleProcesses(cmd *cobra.Command) error {
	procs, err := ps.Processes()
	if err != nil {
		return fmt.Errorf("failed to get process list: %w", err)
	}
	rows := matchProcesses(procs, a.modules.List())

	out := cmd.OutOrStdout()
	if !a.useTable(out) {
		return writeJSON(out, rows)
	}
	table := NewTable("PID", "PPID", "MODULE", "EXECUTABLE")
	for _, r := range rows {
		table.AddRow(strconv.Itoa(r.PID), strconv.Itoa(r.PPID), r.Module, r.Exe)
	}
	return table.Write(out)
}
