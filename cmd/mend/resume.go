package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/mend/internal/cycle"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Clear the halt flag after repairing the workspace",
	Long: `A failed rollback halts the engine: the workspace may be half-changed and
no further cycle runs until an operator has looked at it. Once the workspace
is repaired (for example with 'mend undo' or version control), resume clears
the halt flag.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		exit(runResume(cmd.Context()))
	},
}

// runResume clears the halt flag and returns the process exit code
func runResume(ctx context.Context) int {
	halted, reason, err := store.HaltStatus(ctx)
	if err != nil {
		return errorCode("%v", err)
	}
	if !halted {
		gray := color.New(color.FgHiBlack).SprintFunc()
		fmt.Printf("%s\n", gray("Engine is not halted"))
		return cycle.ExitOK
	}
	if err := store.ClearHalted(ctx); err != nil {
		return errorCode("failed to clear halt flag: %v", err)
	}

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s Engine resumed\n", green("✓"))
	fmt.Printf("  Was halted: %s\n", reason)
	return cycle.ExitOK
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}
