package commands

import (
	"context"
	"fmt"

	"github.com/cfengined/cfengined/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Global flags shared by every subcommand, mapped onto §6's process
// surface. Not every daemon flag makes sense on every subcommand (e.g.
// --no-fork only matters to the foreground run), but cobra's persistent
// flags give every command the same vocabulary the way cf-execd/cf-agent
// share a flag parser.
var (
	configPath   string
	inputFile    string
	define       []string
	negate       []string
	noLock       bool
	inform       bool
	verbose      bool
	debug        bool
	logLevel     string
	dryRun       bool
	noFork       bool
	once         bool
	noWinsrv     bool
	ldLibraryPath string
	color        string
	timestamp    bool
	ignorePreferredAugments bool
	skipDBCheck  string
	withRunagentSocket string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cfengined",
		Short: "cfengined - convergent policy scheduler daemon",
		Long: `cfengined evaluates a declarative policy tree of bundles and promises
against the local host, converging system state through promise-type
actuators (files, packages, services, commands, and more).

Run with no subcommand to start the scheduler daemon in the foreground,
reloading policy on a schedule and forking cfengine-agent for each run.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	f := rootCmd.PersistentFlags()
	f.StringVarP(&configPath, "config", "c", "/etc/cfengined/cfengined.cue", "daemon configuration file")
	f.StringVar(&inputFile, "file", "", "policy input file (overrides the config's input_file)")
	f.StringSliceVar(&define, "define", nil, "classes to define before evaluation")
	f.StringSliceVar(&negate, "negate", nil, "classes to negate before evaluation")
	f.BoolVar(&noLock, "no-lock", false, "ignore promise locks")
	f.BoolVar(&inform, "inform", false, "print INFO-level messages")
	f.BoolVarP(&verbose, "verbose", "v", false, "print VERBOSE-level messages")
	f.BoolVar(&debug, "debug", false, "print DEBUG-level messages")
	f.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.BoolVar(&dryRun, "dry-run", false, "evaluate without actuating")
	f.BoolVar(&noFork, "no-fork", false, "run in the foreground without forking")
	f.BoolVar(&once, "once", false, "check the schedule once, run if due, and exit")
	f.BoolVar(&noWinsrv, "no-winsrv", false, "do not run as a Windows service (ignored on this platform)")
	f.StringVar(&ldLibraryPath, "ld-library-path", "", "extra dynamic linker search path for actuator plugins")
	f.StringVar(&color, "color", "auto", "colorize output (auto, always, never)")
	f.BoolVar(&timestamp, "timestamp", false, "prefix log lines with a timestamp")
	f.BoolVar(&ignorePreferredAugments, "ignore-preferred-augments", false, "ignore augments.cue overrides")
	f.StringVar(&skipDBCheck, "skip-db-check", "no", "accepted and ignored: no startup KV integrity check runs (yes/no)")
	f.StringVar(&withRunagentSocket, "with-runagent-socket", "", "runagent socket directory, or \"no\" to disable")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newBackupCommand())
	rootCmd.AddCommand(newRestoreCommand())
	rootCmd.AddCommand(newOnboardCommand())

	return rootCmd
}

// setupLogging applies the verbose/debug/log-level flags to the global
// zerolog logger, following main.go's console-writer setup.
func setupLogging() {
	switch {
	case debug:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case verbose, inform:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		lvl, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			lvl = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(lvl)
	}
}

// loadDaemonConfig loads the daemon config file and layers --file on top
// of its input_file, so `--file` works against an otherwise-valid config
// the way cf-agent's own --file flag does.
func loadDaemonConfig() (*config.DaemonConfig, error) {
	cfg, err := config.NewLoader().Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", configPath, err)
	}
	if inputFile != "" {
		cfg.InputFile = inputFile
	}
	if withRunagentSocket != "" {
		if withRunagentSocket == "no" {
			cfg.RunagentSocketDir = ""
		} else {
			cfg.RunagentSocketDir = withRunagentSocket
		}
	}
	return cfg, nil
}

func logger() zerolog.Logger {
	return log.Logger
}
