package main

import (
	"fmt"

	"autosave/pkg/checkpoint"
	"autosave/pkg/ui"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <file.wav>...",
	Short: "Validate checkpoint artifacts",
	Long: `Decode one or more WAV artifacts and report their format, length and any
problems found: empty or truncated files, bad headers, out-of-range or
clipped samples.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	invalid := 0
	for _, path := range args {
		v := checkpoint.Validate(path)
		if !v.Valid {
			invalid++
			ui.PrintError("✗ "+path, v.Err)
			continue
		}

		ui.PrintSuccess("✓ " + path)
		ui.PrintInfo("  Format", fmt.Sprintf("%d Hz, %d ch, %d bit", v.Format.SampleRate, v.Format.Channels, v.Format.BitDepth))
		ui.PrintInfo("  Length", fmt.Sprintf("%.2fs (%s frames)", v.Duration.Seconds(), humanize.Comma(int64(v.Frames))))
		ui.PrintInfo("  Size", humanize.IBytes(uint64(v.Size)))
		for _, w := range v.Warnings {
			ui.PrintWarning("  " + w)
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d files are not valid artifacts", invalid, len(args))
	}
	return nil
}
