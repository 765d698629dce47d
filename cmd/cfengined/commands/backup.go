package commands

import (
	"fmt"
	"os"

	"github.com/cfengined/cfengined/pkg/kvstore"
	"github.com/spf13/cobra"
)

// newBackupCommand hot-copies every KV database into a tar archive.
func newBackupCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the KV state to a tar archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadDaemonConfig()
			if err != nil {
				return err
			}

			resolver := kvstore.NewPathResolver(cfg.StateDir, cfg.WorkDir, nil)
			registry := kvstore.NewSQLiteRegistry(resolver)
			mgr := kvstore.NewTarBackupManager(registry, cfg.StateDir)

			f, err := os.Create(outFile)
			if err != nil {
				return err
			}
			defer f.Close()

			if err := mgr.Backup(cmd.Context(), f); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			fmt.Printf("backup written to %s\n", outFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "cfengined-backup.tar", "backup output file")
	return cmd
}
