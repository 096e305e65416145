package main

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newMemmapCmd())
}

func newMemmapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "memmap",
		Short: "Show the simulated memory map and the zones built from it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := bootMachine(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			printMemoryMap(cmd.OutOrStdout(), m.MemoryMap)
			printZones(cmd.OutOrStdout(), m)
			return nil
		},
	}
}
