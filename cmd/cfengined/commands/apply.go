package commands

import (
	"fmt"

	"github.com/cfengined/cfengined/pkg/policyload"
	"github.com/cfengined/cfengined/pkg/schedulerd"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// newApplyCommand runs a single convergence run in the foreground, in
// this process and whether or not the daemon's schedule is due.
func newApplyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Converge the policy once in the foreground",
		Long: `Load the policy tree, evaluate it once against the local host, and
actuate every promise that is out of the promised state. The run happens
in this process, whether or not the daemon's schedule is due.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnePass(cmd, dryRun)
		},
	}
	return cmd
}

// runOnePass assembles the dispatcher pipeline directly (bypassing the
// scheduler loop and the cfengine-agent fork) and prints the resulting
// run summary.
func runOnePass(cmd *cobra.Command, forceDryRun bool) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}

	loader := policyload.NewCUEParser()
	dispatcher, evalCtx, policy, cleanup, err := schedulerd.AssembleDispatcher(cmd.Context(), cfg, loader, logger(), forceDryRun, noLock)
	if err != nil {
		return err
	}
	defer cleanup()

	for _, name := range define {
		evalCtx.ClassPutHard(name, nil)
	}

	run, err := dispatcher.Run(cmd.Context(), evalCtx, policy, uuid.NewString(), forceDryRun)
	if err != nil {
		return err
	}

	fmt.Printf("run %s: outcome=%s passes=%d\n", run.ID, run.Outcome.String(), run.Passes)
	fmt.Printf("  total=%d changed=%d unchanged=%d warned=%d failed=%d denied=%d skipped=%d\n",
		run.Summary.Total, run.Summary.Changed, run.Summary.Unchanged,
		run.Summary.Warned, run.Summary.Failed, run.Summary.Denied, run.Summary.Skipped)
	return nil
}
