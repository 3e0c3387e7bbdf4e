package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/mend/internal/cycle"
	"github.com/steveyegge/mend/internal/storage"
	"github.com/steveyegge/mend/internal/types"
)

var undoCmd = &cobra.Command{
	Use:   "undo [snapshot-id]",
	Short: "Restore the latest or a specific snapshot",
	Long: `Restore the files recorded in a snapshot to their pre-change content.
Files that did not exist when the snapshot was taken are deleted.

Without an argument the most recent snapshot is restored. A failed restore
halts the engine (exit code 2) until 'mend resume'.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		exit(runUndo(cmd.Context(), args))
	},
}

// runUndo restores a snapshot and returns the process exit code
func runUndo(ctx context.Context, args []string) int {
	um, _, err := newUndo()
	if err != nil {
		return errorCode("%v", err)
	}

	var snapshotID string
	if len(args) > 0 {
		snapshotID = args[0]
	} else {
		latest, err := um.Latest(ctx)
		if err != nil {
			return errorCode("%v", err)
		}
		if latest == nil {
			return errorCode("no snapshots to restore")
		}
		snapshotID = latest.ID
	}

	lockPath, err := storage.AcquireWorkspaceLock(projectRoot, "mend undo", Version)
	if err != nil {
		return errorCode("%v", err)
	}
	err = um.Restore(ctx, snapshotID)
	_ = storage.ReleaseWorkspaceLock(lockPath)

	if types.IsFatal(err) {
		red := color.New(color.FgRed, color.Bold).SprintFunc()
		fmt.Fprintf(os.Stderr, "%s %v\n", red("✗"), err)
		if herr := store.SetHalted(context.WithoutCancel(ctx), err.Error()); herr != nil {
			logger.Error("failed to set halt flag", "error", herr)
		}
		fmt.Fprintf(os.Stderr, "\n  The workspace may be partially restored. Repair it, then run 'mend resume'.\n")
		return cycle.ExitFatal
	}
	if err != nil {
		return errorCode("%v", err)
	}

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s Restored snapshot %s\n", green("✓"), snapshotID)
	return cycle.ExitOK
}

func init() {
	rootCmd.AddCommand(undoCmd)
}
