package main

import (
	"context"

	"github.com/spf13/cobra"
)

// Execute builds the command tree and runs it.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:           "glct",
		Short:         "Global liquidity and credit tracker pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		fetchCmd(),
		computeCmd(),
		listCmd(),
		showCmd(),
		exportCmd(),
		updateCmd(),
	)
	return root.ExecuteContext(ctx)
}
