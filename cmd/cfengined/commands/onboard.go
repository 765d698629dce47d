package commands

import (
	"fmt"

	"github.com/cfengined/cfengined/pkg/engine"
	"github.com/cfengined/cfengined/pkg/kvstore"
	"github.com/spf13/cobra"
)

// newOnboardCommand bootstraps a fresh remote target over password SSH so
// it can later be addressed by the remote_exec/remote_copy body
// attributes: it provisions a management keypair, installs it on the
// target, deploys cfengine-runner, and records the host in the state
// directory's host registry.
func newOnboardCommand() *cobra.Command {
	var (
		port                int
		user                string
		password            string
		keyName             string
		createUser          string
		sudoRules           string
		disablePasswordAuth bool
		runnerBinary        string
	)

	cmd := &cobra.Command{
		Use:   "onboard <host>",
		Short: "Onboard a remote host for remote_exec/remote_copy promises",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadDaemonConfig()
			if err != nil {
				return err
			}

			resolver := kvstore.NewPathResolver(cfg.StateDir, cfg.WorkDir, nil)
			registry := kvstore.NewSQLiteRegistry(resolver)
			ctx := cmd.Context()

			hostsHandle, err := registry.Open(ctx, kvstore.DBHosts)
			if err != nil {
				return fmt.Errorf("opening host registry: %w", err)
			}
			defer hostsHandle.Close(ctx)

			auditHandle, err := registry.Open(ctx, kvstore.DBAudit)
			if err != nil {
				return fmt.Errorf("opening audit log: %w", err)
			}
			defer auditHandle.Close(ctx)
			defer registry.Shutdown(ctx)

			hosts := engine.NewHostRegistry(hostsHandle)
			svc := engine.NewOnboardingService(hosts, auditHandle, cfg.StateDir, runnerBinary)

			result, err := svc.OnboardHost(ctx, &engine.OnboardingConfig{
				Host:                args[0],
				Port:                port,
				User:                user,
				Password:            password,
				KeyName:             keyName,
				CreateUser:          createUser,
				SudoRules:           sudoRules,
				DisablePasswordAuth: disablePasswordAuth,
			})
			if err != nil {
				return fmt.Errorf("onboarding %s: %w", args[0], err)
			}

			fmt.Printf("onboarded %s as host %s (user=%s key=%s)\n", result.Host, result.HostID, result.User, result.KeyPath)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&port, "port", 22, "SSH port on the target host")
	f.StringVar(&user, "user", "root", "initial SSH user to authenticate as")
	f.StringVar(&password, "password", "", "initial SSH password")
	f.StringVar(&keyName, "key-name", "cfengined", "management keypair name under the state directory's keys/ folder")
	f.StringVar(&createUser, "create-user", "", "management user to create on the target (defaults to --user)")
	f.StringVar(&sudoRules, "sudo-rules", "", "sudoers rule line to install for --create-user")
	f.BoolVar(&disablePasswordAuth, "disable-password-auth", false, "disable SSH password authentication once the key is installed")
	f.StringVar(&runnerBinary, "runner-binary", "/usr/libexec/cfengine-runner", "path template used to locate per-arch cfengine-runner binaries")

	return cmd
}
