package main

import (
	"github.com/spf13/cobra"
)

var (
	runOps     int
	runMaxSize uint64
	runSeed    int64
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().IntVar(&runOps, "ops", 10000, "Number of heap operations")
	cmd.Flags().Uint64Var(&runMaxSize, "max-size", 8192, "Largest allocation in bytes")
	cmd.Flags().Int64Var(&runSeed, "seed", 1, "Seed of the random operation sequence")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a random heap workload and print allocator statistics",
		Long: `The run command performs a random sequence of heap allocations,
reallocations and frees. The contents of every allocation are verified
before it is resized or released.

Example:
  mmsim run --mem 128 --ops 50000 --seed 7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := bootMachine(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			res, err := runWorkload(m, workloadConfig{
				Ops:     runOps,
				MaxSize: uintptr(runMaxSize),
				Seed:    runSeed,
			})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			printResult(w, res)
			printZones(w, m)
			printCaches(w, m)
			return nil
		},
	}
}
