package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const defaultConfigTemplate = `state_dir: "%s"
input_file: "%s"
schedule: "Min00_05"
splay_max: 120000000000
agent_binary: "%s"
`

// newInitCommand lays out a new cfengined workspace: a state directory for
// the KV databases and pid/socket files, an empty top-level policy file,
// and a default daemon config pointing at both.
func newInitCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a cfengined workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			stateDir := filepath.Join(dir, "state")
			if err := os.MkdirAll(stateDir, 0o750); err != nil {
				return fmt.Errorf("creating state dir: %w", err)
			}

			inputPath := filepath.Join(dir, "promises.cue")
			if _, err := os.Stat(inputPath); os.IsNotExist(err) {
				if err := os.WriteFile(inputPath, []byte("bundles: []\n"), 0o644); err != nil {
					return fmt.Errorf("writing policy file: %w", err)
				}
				fmt.Printf("created %s\n", inputPath)
			}

			agentBinary, err := os.Executable()
			if err != nil {
				agentBinary = "/usr/libexec/cfengine-agent"
			} else {
				agentBinary = filepath.Join(filepath.Dir(agentBinary), "cfengine-agent")
			}

			cfgPath := configPath
			if cfgPath == "" {
				cfgPath = filepath.Join(dir, "cfengined.cue")
			}
			content := fmt.Sprintf(defaultConfigTemplate, stateDir, inputPath, agentBinary)
			if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}

			fmt.Printf("created %s\nstate directory: %s\n", cfgPath, stateDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "workspace directory to initialize")
	return cmd
}
