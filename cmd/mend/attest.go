package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/mend/internal/attest"
	"github.com/steveyegge/mend/internal/types"
)

var attestCmd = &cobra.Command{
	Use:   "attest",
	Short: "Work with the attestation chain",
}

var attestVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute every attestation hash and check the links",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := attest.New(&attest.Config{Store: store, Logger: logger})
		if err != nil {
			fail("%v", err)
		}

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed, color.Bold).SprintFunc()

		n, err := a.Verify(cmd.Context())
		if err != nil {
			var broken *types.ChainIntegrityError
			if errors.As(err, &broken) {
				fmt.Printf("%s Chain broken at entry %d (run %s)\n", red("✗"), broken.Index, broken.RunID)
				fmt.Printf("  %s\n", broken.Reason)
				exit(1)
			}
			fail("%v", err)
		}
		fmt.Printf("%s %d attestations verified\n", green("✓"), n)
	},
}

func init() {
	attestCmd.AddCommand(attestVerifyCmd)
	rootCmd.AddCommand(attestCmd)
}
