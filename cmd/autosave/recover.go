package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autosave/pkg/checkpoint"
	"autosave/pkg/config"
	"autosave/pkg/logger"
	"autosave/pkg/recovery"
	"autosave/pkg/storage"
	"autosave/pkg/ui"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	recoverList   bool
	recoverCopyTo string
)

// recoverCmd represents the recover command
var recoverCmd = &cobra.Command{
	Use:   "recover [session-id]",
	Short: "Find the best surviving audio of an interrupted session",
	Long: `Search the temp directory for sessions left behind by a crash or an
interrupted run and pick the best playable audio for one of them: the
session artifact, then its newest valid backup, then copies in the fallback
locations.

Without a session id the most recently updated session is used. A prefix of
the id is enough.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
	recoverCmd.Flags().BoolVarP(&recoverList, "list", "l", false, "list recoverable sessions and exit")
	recoverCmd.Flags().StringVar(&recoverCopyTo, "copy-to", "", "copy the recovered audio into this directory")
	recoverCmd.Flags().String("temp-dir", "", "parent directory of session temp files")
}

func runRecover(cmd *cobra.Command, args []string) error {
	flags := make(map[string]interface{})
	if cmd.Flags().Changed("temp-dir") {
		v, _ := cmd.Flags().GetString("temp-dir")
		flags["temp-dir"] = v
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	root := sessionRoot(cfg)
	manifests, err := checkpoint.FindManifests(root)
	if err != nil {
		return err
	}

	if recoverList {
		listSessions(root, manifests)
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	loc := checkpoint.Locator{FallbackRoots: cfg.AutoSave.FallbackLocations}
	if m := pickSession(manifests, args); m != nil {
		ui.PrintInfo("Session", fmt.Sprintf("%s (%s, step %d)", m.SessionID, m.Name, m.LastStep))
		loc = m.Locator(cfg.AutoSave.FallbackLocations)
	} else if len(args) > 0 {
		return fmt.Errorf("no session matching %q under %s", args[0], root)
	} else {
		ui.PrintWarning("No session manifest found, searching fallback locations only")
	}

	coord := recovery.New(cfg.Recovery, logger.GetLogger())
	r := coord.RecoverPartial(ctx, loc)
	if !r.Found {
		ui.PrintError("Nothing recoverable", fmt.Sprintf("checked %d files", r.Checked))
		for _, s := range r.Suggestions {
			fmt.Printf("  - %s\n", s)
		}
		return r.Err()
	}

	ui.PrintSuccess(fmt.Sprintf("Recovered %.1fs of audio from the %s", r.Duration.Seconds(), r.Source))
	ui.PrintInfo("Path", r.Path)

	if recoverCopyTo != "" {
		dst, err := copyRecovered(r.Path, recoverCopyTo)
		if err != nil {
			return err
		}
		ui.PrintInfo("Copied to", dst)
	}
	return nil
}

// pickSession returns the session named by args, or the newest one
func pickSession(manifests []*checkpoint.Manifest, args []string) *checkpoint.Manifest {
	if len(manifests) == 0 {
		return nil
	}
	if len(args) == 0 {
		return manifests[0]
	}
	for _, m := range manifests {
		if strings.HasPrefix(m.SessionID, args[0]) {
			return m
		}
	}
	return nil
}

func listSessions(root string, manifests []*checkpoint.Manifest) {
	if len(manifests) == 0 {
		ui.PrintWarning("No sessions found under " + root)
		return
	}
	ui.PrintHighlight(fmt.Sprintf("%d sessions under %s", len(manifests), root))
	for _, m := range manifests {
		secs := 0.0
		if m.SampleRate > 0 {
			secs = float64(m.Frames) / float64(m.SampleRate)
		}
		fallback := ""
		if m.FallbackUsed {
			fallback = ui.Yellow(" fallback")
		}
		fmt.Printf("  %s  %-40s step %-4d %6.1fs  %s%s\n",
			ui.Cyan(m.SessionID[:min(8, len(m.SessionID))]),
			m.Name, m.LastStep, secs,
			ui.Dim(humanize.Time(m.UpdatedAt)), fallback)
	}
}

// copyRecovered copies src into dir under the session's final name
func copyRecovered(src, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	dst := filepath.Join(dir, checkpoint.FinalName(src))
	if _, err := os.Stat(dst); err == nil {
		return "", fmt.Errorf("%s already exists", dst)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if _, err := storage.CopyFile(src, dst); err != nil {
		return "", fmt.Errorf("failed to copy recovered audio: %w", err)
	}
	return dst, nil
}

// sessionRoot is where session directories for cfg live
func sessionRoot(cfg *config.Config) string {
	if cfg.AutoSave.TempDir != "" {
		return cfg.AutoSave.TempDir
	}
	return os.TempDir()
}
