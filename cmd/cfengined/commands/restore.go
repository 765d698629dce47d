package commands

import (
	"fmt"
	"os"

	"github.com/cfengined/cfengined/pkg/kvstore"
	"github.com/spf13/cobra"
)

// newRestoreCommand restores the KV state from a tar archive produced by
// `cfengined backup`.
func newRestoreCommand() *cobra.Command {
	var fromFile string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the KV state from a tar archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadDaemonConfig()
			if err != nil {
				return err
			}

			resolver := kvstore.NewPathResolver(cfg.StateDir, cfg.WorkDir, nil)
			registry := kvstore.NewSQLiteRegistry(resolver)
			mgr := kvstore.NewTarBackupManager(registry, cfg.StateDir)

			f, err := os.Open(fromFile)
			if err != nil {
				return err
			}
			defer f.Close()

			if err := mgr.Restore(cmd.Context(), f); err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("restored from %s\n", fromFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&fromFile, "from", "", "backup file to restore from")
	cmd.MarkFlagRequired("from")
	return cmd
}
