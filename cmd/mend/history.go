package main

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/mend/internal/types"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent cycles from the run ledger",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		entries, err := store.ListRuns(cmd.Context(), historyLimit)
		if err != nil {
			fail("%v", err)
		}

		if historyJSON {
			data, err := json.MarshalIndent(entries, "", "  ")
			if err != nil {
				fail("failed to encode ledger: %v", err)
			}
			fmt.Println(string(data))
			return
		}

		gray := color.New(color.FgHiBlack).SprintFunc()
		if len(entries) == 0 {
			fmt.Printf("%s\n", gray("No cycles recorded"))
			return
		}
		for _, e := range entries {
			recipeID := e.RecipeID
			if recipeID == "" {
				recipeID = "-"
			}
			fmt.Printf("%s %s  %-22s %-28s %s\n",
				outcomeIcon(e.Outcome),
				e.StartedAt.Local().Format("2006-01-02 15:04:05"),
				e.Outcome, recipeID, gray(e.RunID))
			if e.Error != "" {
				fmt.Printf("    %s\n", gray(e.Error))
			}
		}
	},
}

func outcomeIcon(o types.Outcome) string {
	switch o {
	case types.OutcomeApplied:
		return color.New(color.FgGreen).Sprint("✓")
	case types.OutcomeReverted:
		return color.New(color.FgYellow).Sprint("↺")
	case types.OutcomeFatal:
		return color.New(color.FgRed).Sprint("✗")
	default:
		return color.New(color.FgHiBlack).Sprint("○")
	}
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of entries to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print entries as JSON")
	rootCmd.AddCommand(historyCmd)
}
