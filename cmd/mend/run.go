package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/mend/internal/cycle"
	"github.com/steveyegge/mend/internal/types"
)

var runJSON bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one fix cycle",
	Long: `Run one Observe, Decide, Act, Verify, Learn cycle against the workspace.

Exit codes:
  0  change applied and verified, or nothing to do
  1  cycle aborted or change reverted
  2  fatal: a rollback failed and the engine is halted (see 'mend resume')`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		exit(runOnce(ctx, runJSON))
	},
}

// runOnce runs one cycle, prints it and returns the process exit code
func runOnce(ctx context.Context, asJSON bool) int {
	e, err := newEngine()
	if err != nil {
		return errorCode("%v", err)
	}

	res, err := e.orchestrator.RunCycle(ctx)
	code := cycle.ExitCode(res, err)

	if asJSON {
		if res == nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return code
		}
		data, jerr := json.MarshalIndent(res.Entry, "", "  ")
		if jerr != nil {
			return errorCode("failed to encode ledger entry: %v", jerr)
		}
		fmt.Println(string(data))
		return code
	}

	printResult(res, err)
	return code
}

func printResult(res *cycle.Result, err error) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	if res == nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("✗"), err)
		return
	}
	entry := res.Entry

	switch entry.Outcome {
	case types.OutcomeApplied:
		fmt.Printf("\n%s Applied %s\n", green("✓"), entry.RecipeID)
	case types.OutcomeNoop:
		fmt.Printf("\n%s Nothing applied\n", gray("○"))
	case types.OutcomeReverted:
		fmt.Printf("\n%s Reverted %s\n", yellow("↺"), entry.RecipeID)
	case types.OutcomeFatal:
		fmt.Printf("\n%s FATAL: engine halted\n", red("✗"))
	}
	fmt.Printf("  Run:   %s\n", entry.RunID)
	fmt.Printf("  State: %s\n", entry.State)

	if entry.MetricsBefore != nil {
		fmt.Printf("  Issues before: %d (weighted %d)\n", entry.MetricsBefore.Total(), entry.MetricsBefore.WeightedSum())
	}
	if entry.MetricsAfter != nil {
		fmt.Printf("  Issues after:  %d (weighted %d)\n", entry.MetricsAfter.Total(), entry.MetricsAfter.WeightedSum())
	}
	if entry.SnapshotID != "" {
		fmt.Printf("  Snapshot: %s\n", entry.SnapshotID)
	}
	for _, v := range res.Violations {
		fmt.Printf("  %s %s\n", yellow("!"), v.String())
	}
	if res.Attestation != nil {
		fmt.Printf("  Attestation: #%d %s\n", res.Attestation.Seq, gray(res.Attestation.Hash))
	}
	if res.Trust != nil {
		fmt.Printf("  Trust: %.2f", res.Trust.Trust)
		if res.Trust.Blacklisted {
			fmt.Printf(" %s", red("(blacklisted)"))
		}
		fmt.Println()
	}

	if err != nil {
		fmt.Printf("  Reason: %v\n", err)
	} else if entry.Error != "" {
		fmt.Printf("  %s\n", gray(entry.Error))
	}
	if types.IsFatal(err) {
		fmt.Printf("\n  Repair the workspace, then run 'mend resume'.\n")
	}
	fmt.Println()
}

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the ledger entry as JSON")
	rootCmd.AddCommand(runCmd)
}
