package commands

import (
	"context"

	"github.com/cfengined/cfengined/pkg/engine"
	"github.com/cfengined/cfengined/pkg/policyload"
	"github.com/cfengined/cfengined/pkg/schedulerd"
	"github.com/spf13/cobra"
)

// newRunCommand is a foreground alias for the daemon's default (no
// subcommand) behaviour, useful when a process supervisor expects an
// explicit subcommand rather than a bare invocation.
func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

// runDaemon loads the daemon configuration, assembles a schedulerd.Daemon,
// and blocks in its main loop until ctx is cancelled.
func runDaemon(ctx context.Context) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}

	opts := schedulerd.Options{
		Define: define,
		Negate: negate,
		NoLock: noLock,
		DryRun: dryRun,
		NoFork: noFork,
		Once:   once,
	}

	loader := policyload.NewCUEParser()
	discover := engine.NewLocalDiscoverer()
	d := schedulerd.New(cfg, opts, loader, discover, logger())
	return d.Run(ctx)
}
