package commands

import (
	"fmt"

	"github.com/cfengined/cfengined/pkg/policyload"
	"github.com/spf13/cobra"
)

// newValidateCommand parses and validates the policy tree without running
// a convergence pass: syntax, schema conformance, and structural
// invariants (duplicate bundles, undefined body references, inheritance
// cycles).
func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the policy tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadDaemonConfig()
			if err != nil {
				return err
			}

			loader := policyload.NewCUEParser()
			policy, err := loader.Load(cmd.Context(), []string{cfg.InputFile})
			if err != nil {
				return fmt.Errorf("policy invalid: %w", err)
			}
			if err := loader.Validate(cmd.Context(), policy); err != nil {
				return fmt.Errorf("policy invalid: %w", err)
			}

			fmt.Printf("policy valid: %d bundles, %d bodies\n", len(policy.Bundles), len(policy.Bodies))
			return nil
		},
	}
	return cmd
}
