// Command cfengine-agent runs one convergence run (up to three passes)
// over the policy tree and reports the result as a line of JSON on stdout. It is
// never invoked directly by an operator: cfengined (§4.8) forks and execs
// it for every scheduled run, or for a run requested over the runagent
// socket, so that a crash in actuator logic cannot take the scheduler
// process down with it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cfengined/cfengined/pkg/config"
	"github.com/cfengined/cfengined/pkg/engine"
	"github.com/cfengined/cfengined/pkg/policyload"
	"github.com/cfengined/cfengined/pkg/schedulerd"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		inputFile  string
		runID      string
		bundle     string
		dryRun     bool
		noLock     bool
		define     []string
		negate     []string
	)

	flags := pflag.NewFlagSet("cfengine-agent", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "/etc/cfengined/cfengined.cue", "daemon configuration file")
	flags.StringVar(&inputFile, "file", "", "policy input file (overrides the config's input_file)")
	flags.StringVar(&runID, "run-id", "", "run identifier assigned by the scheduler")
	flags.StringVar(&bundle, "bundle", "", "single-bundle selector (accepted but ignored: every bundle runs)")
	flags.BoolVar(&dryRun, "dry-run", false, "evaluate without actuating")
	flags.BoolVar(&noLock, "no-lock", false, "ignore promise locks")
	flags.StringSliceVar(&define, "define", nil, "classes to define before evaluation")
	flags.StringSliceVar(&negate, "negate", nil, "classes to negate before evaluation")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if runID == "" {
		return fmt.Errorf("--run-id is required")
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "cfengine-agent").Logger()

	cfg, err := config.NewLoader().Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if inputFile != "" {
		cfg.InputFile = inputFile
	}

	loader := policyload.NewCUEParser()
	dispatcher, evalCtx, policy, cleanup, err := schedulerd.AssembleDispatcher(context.Background(), cfg, loader, logger, dryRun, noLock)
	if err != nil {
		return fmt.Errorf("assembling dispatcher: %w", err)
	}
	defer cleanup()

	discover := engine.NewLocalDiscoverer()
	env, err := discover.Discover(context.Background(), time.Now())
	if err != nil {
		logger.Warn().Err(err).Msg("environment discovery failed")
	} else {
		for _, c := range env.Classes {
			evalCtx.ClassPutHard(c.Name, nil)
		}
		for k, v := range env.Vars {
			evalCtx.VariablePut(k, v.Value, v.Type, nil)
		}
	}
	negated := make(map[string]bool, len(negate))
	for _, name := range negate {
		negated[engine.CanonicalizeClassName(name)] = true
	}
	for _, name := range define {
		if !negated[engine.CanonicalizeClassName(name)] {
			evalCtx.ClassPutHard(name, nil)
		}
	}
	_ = bundle // not applied: Dispatcher.Run takes no bundle selector

	run, err := dispatcher.Run(context.Background(), evalCtx, policy, runID, dryRun)
	if err != nil {
		logger.Error().Err(err).Msg("convergence run failed")
		if run == nil {
			run = &engine.Run{ID: runID, Outcome: engine.FAIL}
		}
	}

	enc := json.NewEncoder(os.Stdout)
	if encErr := enc.Encode(run); encErr != nil {
		return fmt.Errorf("encoding run result: %w", encErr)
	}
	if run.Outcome == engine.FAIL {
		os.Exit(1)
	}
	return nil
}
