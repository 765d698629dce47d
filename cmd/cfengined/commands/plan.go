package commands

import "github.com/spf13/cobra"

// newPlanCommand runs one convergence run in dry-run mode, reporting what
// would change without actuating anything.
func newPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show what a convergence run would change, without applying it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnePass(cmd, true)
		},
	}
}
