package main

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/mend/internal/trust"
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Inspect or reset recipe trust",
}

var trustListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trust for every recipe that has run",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		states, err := store.ListTrust(cmd.Context())
		if err != nil {
			fail("%v", err)
		}
		if len(states) == 0 {
			gray := color.New(color.FgHiBlack).SprintFunc()
			fmt.Printf("%s\n", gray("No recipe has run yet"))
			return
		}
		ids := make([]string, 0, len(states))
		for id := range states {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			printTrust(states[id])
		}
	},
}

var trustResetCmd = &cobra.Command{
	Use:   "reset <recipe-id>",
	Short: "Reset a recipe to full trust and lift its blacklisting",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		learner, err := trust.NewLearner(&trust.Config{Store: store, Logger: logger})
		if err != nil {
			fail("%v", err)
		}
		if err := learner.Reset(cmd.Context(), args[0]); err != nil {
			fail("%v", err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Trust reset for %s\n", green("✓"), args[0])
	},
}

func init() {
	trustCmd.AddCommand(trustListCmd)
	trustCmd.AddCommand(trustResetCmd)
	// Bare 'mend trust' lists
	trustCmd.Run = trustListCmd.Run
	rootCmd.AddCommand(trustCmd)
}
