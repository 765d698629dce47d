package commands

import (
	"fmt"
	"sort"
	"time"

	"github.com/cfengined/cfengined/pkg/engine"
	"github.com/spf13/cobra"
)

// newFactsCommand dumps the sys.* variable table and the time-derived
// hard classes a discovery pass would seed a run with, without running
// any promises.
func newFactsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "facts",
		Short: "Print the discovered sys.* variables and time classes",
		RunE: func(cmd *cobra.Command, args []string) error {
			discover := engine.NewLocalDiscoverer()
			env, err := discover.Discover(cmd.Context(), time.Now())
			if err != nil {
				return err
			}

			names := make([]string, 0, len(env.Vars))
			for name := range env.Vars {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("%s = %v\n", name, env.Vars[name].Value)
			}

			classNames := make([]string, 0, len(env.Classes))
			for _, c := range env.Classes {
				classNames = append(classNames, c.Name)
			}
			sort.Strings(classNames)
			fmt.Printf("classes: %v\n", classNames)
			return nil
		},
	}
}
