package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hazardqueuebench",
		Short: "Exercises the hazard-pointer queue under the spec's scenarios",
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newStatsCmd())
	return root
}
