package main

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/mend/internal/analyzer"
	"github.com/steveyegge/mend/internal/attest"
	"github.com/steveyegge/mend/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workspace health, trust and engine state",
	Long: `Display the current issue census (a read-only observation), recipe trust,
attestation chain integrity, snapshot storage and the halt flag.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== mend status ==="))

		// Engine
		fmt.Printf("%s\n", yellow("Engine:"))
		halted, reason, err := store.HaltStatus(ctx)
		if err != nil {
			fail("failed to read halt flag: %v", err)
		}
		if halted {
			fmt.Printf("  %s HALTED: %s\n", red("✗"), reason)
			fmt.Printf("  %s\n", gray("Repair the workspace, then run 'mend resume'"))
		} else {
			fmt.Printf("  %s ready\n", green("●"))
		}
		fmt.Printf("  Workspace: %s\n", cfg.Workspace)
		fmt.Println()

		// Census
		fmt.Printf("%s\n", yellow("Issues:"))
		obs, err := analyzer.FromConfig(cfg.Analyzer, logger)
		if err != nil {
			fmt.Printf("  %s %v\n", gray("○"), err)
		} else if m, err := obs.Observe(ctx, cfg.Workspace); err != nil {
			fmt.Printf("  %s %v\n", red("✗"), err)
		} else {
			fmt.Printf("  Total: %d (weighted %d)\n", m.Total(), m.WeightedSum())
			for _, s := range types.Severities {
				if n := m.SeverityCount(s); n > 0 {
					fmt.Printf("    %-9s %d\n", s, n)
				}
			}
			categories := m.Categories(m)
			for _, c := range categories {
				fmt.Printf("    %s %-20s %d\n", gray("·"), c, m.CategoryCount(c))
			}
		}
		fmt.Println()

		// Trust
		fmt.Printf("%s\n", yellow("Recipe trust:"))
		states, err := store.ListTrust(ctx)
		if err != nil {
			fail("failed to list trust: %v", err)
		}
		if len(states) == 0 {
			fmt.Printf("  %s\n", gray("No recipe has run yet"))
		}
		ids := make([]string, 0, len(states))
		for id := range states {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			printTrust(states[id])
		}
		fmt.Println()

		// Attestations
		fmt.Printf("%s\n", yellow("Attestation chain:"))
		chain, err := store.ListAttestations(ctx)
		if err != nil {
			fail("failed to read attestations: %v", err)
		}
		if err := attest.VerifyChain(chain); err != nil {
			fmt.Printf("  %s %v\n", red("✗"), err)
		} else {
			fmt.Printf("  %s %d entries verified\n", green("✓"), len(chain))
		}
		fmt.Println()

		// Snapshots
		fmt.Printf("%s\n", yellow("Snapshots:"))
		um, _, err := newUndo()
		if err != nil {
			fail("%v", err)
		}
		stats, err := um.Stats(ctx)
		if err != nil {
			fail("failed to read snapshot stats: %v", err)
		}
		fmt.Printf("  %d retained (limit %d), %d bytes stored for %d bytes of content\n",
			stats.Snapshots, cfg.Undo.Retain, stats.StoredBytes, stats.FullBytes)
		fmt.Println()

		if halted {
			exit(2)
		}
	},
}

func printTrust(s *types.TrustState) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	icon := green("●")
	switch {
	case s.Blacklisted:
		icon = red("✗")
	case s.Trust < 0.5:
		icon = yellow("⚠")
	}
	fmt.Printf("  %s %-32s trust %.2f  (%d ok, %d failed)", icon, s.RecipeID, s.Trust, s.SuccessCount, s.FailureCount)
	if s.Blacklisted {
		fmt.Printf(" %s", red("blacklisted"))
	}
	fmt.Println()
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
