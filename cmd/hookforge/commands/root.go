package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the hookforge CLI: subcommand selection only, per
// spec.md §6 (configuration itself is environment-only).
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:     "hookforge",
		Short:   "Distributed webhook scheduler and load-generation platform",
		Version: version,
	}

	root.AddCommand(
		newSchedulerCmd(),
		newWorkerCmd(),
		newLoadRunCmd(),
		newMigrateCmd(),
	)

	return root
}
