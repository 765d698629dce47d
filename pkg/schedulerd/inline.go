package schedulerd

import (
	"context"
	"time"

	"github.com/cfengined/cfengined/pkg/actuators/builtin"
	"github.com/cfengined/cfengined/pkg/actuators/wasmhost"
	"github.com/cfengined/cfengined/pkg/classalgebra"
	"github.com/cfengined/cfengined/pkg/compliance"
	"github.com/cfengined/cfengined/pkg/config"
	"github.com/cfengined/cfengined/pkg/engine"
	"github.com/cfengined/cfengined/pkg/expand"
	"github.com/cfengined/cfengined/pkg/iterate"
	"github.com/cfengined/cfengined/pkg/kvstore"
	"github.com/cfengined/cfengined/pkg/lockregistry"
	"github.com/rs/zerolog"
)

// AssembleDispatcher wires up a Dispatcher plus a fresh evaluation
// Context and loaded Policy, ready for one Dispatcher.Run call. It is
// the same wiring cmd/cfengine-agent performs for a forked run, reused
// here so the "if fork fails, run inline" fallback (§4.8 step 4) gets an
// identical dispatcher rather than a second, drifting implementation.
func AssembleDispatcher(ctx context.Context, cfg *config.DaemonConfig, loader engine.PolicyLoader, logger zerolog.Logger, dryRun, noLock bool) (*engine.Dispatcher, *engine.Context, *engine.Policy, func(), error) {
	resolver := kvstore.NewPathResolver(cfg.StateDir, cfg.WorkDir, nil)
	registry := kvstore.NewSQLiteRegistry(resolver)

	classesHandle, err := registry.Open(ctx, kvstore.DBClasses)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	locksHandle, err := registry.Open(ctx, kvstore.DBLocks)
	if err != nil {
		classesHandle.Close(ctx)
		return nil, nil, nil, nil, err
	}
	hostsHandle, err := registry.Open(ctx, kvstore.DBHosts)
	if err != nil {
		classesHandle.Close(ctx)
		locksHandle.Close(ctx)
		return nil, nil, nil, nil, err
	}

	cleanup := func() {
		classesHandle.Close(ctx)
		locksHandle.Close(ctx)
		hostsHandle.Close(ctx)
		registry.Shutdown(ctx)
	}

	classStore := kvstore.NewClassStore(classesHandle)
	evalCtx := engine.NewContext(classStore, dryRun)

	locks, err := lockregistry.New(locksHandle, cfg.StateDir)
	if err != nil {
		cleanup()
		return nil, nil, nil, nil, err
	}

	remote := builtin.NewRemoteDispatcher(engine.NewHostRegistry(hostsHandle))
	actuators := wasmhost.NewPluginActuatorRegistry(cfg.StateDir, &wasmhost.WASMHostConfig{})
	if err := builtin.RegisterAll(actuators, remote); err != nil {
		cleanup()
		return nil, nil, nil, nil, err
	}

	policy, err := loader.Load(ctx, []string{cfg.InputFile})
	if err != nil {
		cleanup()
		return nil, nil, nil, nil, err
	}

	complianceEngine, err := compliance.NewEngine(logger)
	if err != nil {
		cleanup()
		return nil, nil, nil, nil, err
	}

	var lockAcquirer engine.LockAcquirer = locks
	if noLock {
		lockAcquirer = noopLocks{}
	}

	dispatcher := &engine.Dispatcher{
		Classes:    classalgebra.New(),
		Expand:     expand.New(),
		Iterate:    iterate.New(),
		Bodies:     engine.NewDefaultBodyResolver(),
		Actuators:  actuators,
		Compliance: complianceEngine,
		Locks:      lockAcquirer,
		PromiseTypeOrder: []string{
			"meta", "vars", "classes", "users", "files",
			"packages", "commands", "methods", "services", "reports",
		},
	}

	return dispatcher, evalCtx, policy, cleanup, nil
}

// noopLocks disables lock acquisition entirely (--no-lock): every
// acquisition succeeds immediately and release is a no-op.
type noopLocks struct{}

func (noopLocks) Acquire(ctx context.Context, key string, ifElapsed, expireAfter time.Duration) (func(success bool), error) {
	return func(success bool) {}, nil
}

// runInline runs one convergence run in-process, used as the fallback
// when forking cfengine-agent fails.
func (d *Daemon) runInline(ctx context.Context, runID string, runOpts engine.RunOptions) (*engine.Run, error) {
	dispatcher, evalCtx, policy, cleanup, err := AssembleDispatcher(ctx, d.cfg, d.loader, d.logger, runOpts.DryRun || d.opts.DryRun, d.opts.NoLock)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	env, err := d.discover.Discover(ctx, time.Now())
	if err == nil {
		for _, c := range env.Classes {
			evalCtx.ClassPutHard(c.Name, nil)
		}
		for k, v := range env.Vars {
			evalCtx.VariablePut(k, v.Value, v.Type, nil)
		}
	}
	for _, name := range d.opts.Define {
		evalCtx.ClassPutHard(name, nil)
	}

	run, err := dispatcher.Run(ctx, evalCtx, policy, runID, runOpts.DryRun || d.opts.DryRun)
	if err != nil {
		return run, err
	}

	d.mu.Lock()
	d.runs[runID] = run
	d.mu.Unlock()
	return run, nil
}
