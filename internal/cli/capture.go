package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/camplug/internal/capture"
)

func newCaptureCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Work with frame recordings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "inspect FILE",
		Short: "Summarise a recording written by stream --record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.inspectRecording(cmd, args[0])
		},
	})
	return cmd
}

func (a *app) inspectRecording(cmd *cobra.Command, path string) error {
	f, err := os.Open(path) // #nosec G304 -- user supplied recording path
	if err != nil {
		return fmt.Errorf("failed to open recording: %w", err)
	}
	defer f.Close()

	sum, err := capture.Summarize(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	out := cmd.OutOrStdout()
	if !a.useTable(out) {
		return writeJSON(out, sum)
	}
	table := NewTable("FRAMES", "FIRST", "LAST", "GAPS", "DUAL", "BYTES")
	table.AddRow(strconv.Itoa(sum.Frames),
		strconv.FormatUint(uint64(sum.First), 10), strconv.FormatUint(uint64(sum.Last), 10),
		strconv.Itoa(sum.Gaps), strconv.Itoa(sum.DualRegion), strconv.FormatUint(sum.Bytes, 10))
	return table.Write(out)
}
