package cmd

import (
	"fmt"

	"github.com/sarchlab/vmswap/mem/vm/eviction"
	"github.com/spf13/cobra"
)

func newPoliciesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "List the eviction policies.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range eviction.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}
