package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/cpuid/v2"
	"github.com/primeseven1/crescent/kernel/kfmt"
	"github.com/primeseven1/crescent/kernel/mm/mmtest"
	"github.com/primeseven1/crescent/kernel/mm/vmm"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	memMiB          uint
	shrinkThreshold uint64
	physBits        uint8
	verbose         bool
)

var rootCmd = &cobra.Command{
	Use:   "mmsim",
	Short: "Run the kernel memory manager on simulated RAM",
	Long: `mmsim maps a block of host memory, hands it to the kernel memory
manager as physical RAM and boots the physical allocator, the page table
mapper, the virtual zones, the slab caches and the heap on top of it.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().UintVar(&memMiB, "mem", 64, "Simulated RAM in MiB")
	rootCmd.PersistentFlags().
		Uint64Var(&shrinkThreshold, "shrink-threshold", 512, "Free trailing units that make a virtual zone shrink (0 disables shrinking)")
	rootCmd.PersistentFlags().Uint8Var(&physBits, "phys-bits", 39, "Physical address width of the simulated CPU")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print the kernel log to stderr")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

// hostFeatures returns the paging features of the simulated CPU. The NX bit
// follows the host CPU.
func hostFeatures() vmm.Features {
	return vmm.Features{
		PhysAddrBits: physBits,
		NX:           cpuid.CPU.Supports(cpuid.NX),
	}
}

// machineConfig builds the simulated machine from the global flags.
func machineConfig() mmtest.Config {
	cfg := mmtest.DefaultConfig()
	cfg.MemorySize = uintptr(memMiB) << 20
	cfg.Kernel.Zones.ShrinkThreshold = uintptr(shrinkThreshold)

	feat := hostFeatures()
	cfg.Kernel.Features = &feat
	return cfg
}

// bootMachine boots a simulated machine using the global flags.
func bootMachine(cmd *cobra.Command) (*mmtest.Machine, error) {
	if verbose {
		kfmt.SetOutputSink(cmd.ErrOrStderr())
	}

	cfg := machineConfig()
	if !cfg.Kernel.Features.NX {
		return nil, errors.Newf("host CPU %q does not support the no-execute page flag", cpuid.CPU.BrandName)
	}

	m, err := mmtest.NewMachine(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "boot a %d MiB machine", memMiB)
	}
	return m, nil
}
