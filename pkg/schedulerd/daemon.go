package schedulerd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cfengined/cfengined/pkg/classalgebra"
	"github.com/cfengined/cfengined/pkg/config"
	"github.com/cfengined/cfengined/pkg/engine"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options carries the per-invocation overrides that, in cf-execd, arrive
// as CLI flags layered on top of the daemon's own config file: --define,
// --negate, --no-lock, --dry-run, --no-fork, --once.
type Options struct {
	Define  []string
	Negate  []string
	NoLock  bool
	DryRun  bool
	NoFork  bool
	Once    bool
}

// Daemon is the scheduler daemon (C8). One Daemon runs one policy tree
// against one state directory for the lifetime of the process.
type Daemon struct {
	cfg     *config.DaemonConfig
	opts    Options
	logger  zerolog.Logger
	loader  engine.PolicyLoader
	classes *classalgebra.Evaluator
	discover engine.Discoverer

	pidPath         string
	validatedAtPath string

	mu              sync.Mutex
	runs            map[string]*engine.Run
	lastValidatedAt time.Time

	// terminating is the signal-handler fast path (§9): set directly
	// inside the signal.Notify goroutine so splay/pulse sleeps can
	// observe shutdown without going through ctx on every tick.
	terminating atomic.Bool

	watcher *config.Watcher
	socket  *runagentSocket
}

// New assembles a Daemon from its configuration and CLI overrides. loader
// and discover are injected so cmd/cfengined controls which concrete
// PolicyLoader/Discoverer implementation backs the run (production uses
// policyload.NewCUEParser and engine.NewLocalDiscoverer).
func New(cfg *config.DaemonConfig, opts Options, loader engine.PolicyLoader, discover engine.Discoverer, logger zerolog.Logger) *Daemon {
	return &Daemon{
		cfg:             cfg,
		opts:            opts,
		logger:          logger.With().Str("component", "schedulerd").Logger(),
		loader:          loader,
		classes:         classalgebra.New(),
		discover:        discover,
		pidPath:         filepath.Join(cfg.StateDir, "cf-execd.pid"),
		validatedAtPath: filepath.Join(cfg.StateDir, "promises_validated_at"),
		runs:            make(map[string]*engine.Run),
	}
}

// Run is the daemon's main loop: apoptosis, pid file, optional runagent
// socket, then repeated ScheduleRun/splay/pulse cycles until ctx is
// cancelled or a termination signal arrives.
func (d *Daemon) Run(parent context.Context) error {
	if err := apoptosis(d.pidPath, d.logger); err != nil {
		d.logger.Warn().Err(err).Msg("apoptosis failed, continuing anyway")
	}
	if err := writePID(d.pidPath); err != nil {
		return engine.NewFatalError("failed to write pid file", err).WithDetail("path", d.pidPath)
	}
	defer os.Remove(d.pidPath)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	reloadCh := make(chan struct{}, 1)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				select {
				case reloadCh <- struct{}{}:
				default:
				}
			case syscall.SIGINT, syscall.SIGTERM:
				d.terminating.Store(true)
				cancel()
				return
			default:
				// SIGUSR1/SIGUSR2: internal toggles, no-op placeholder.
			}
		}
	}()

	if w, err := config.NewWatcher(d.cfg.InputDir, d.validatedAtPath, d.logger); err != nil {
		d.logger.Warn().Err(err).Msg("policy watcher unavailable")
	} else {
		d.watcher = w
		go w.Run(ctx)
	}

	if d.cfg.RunagentSocketDir != "" && d.cfg.RunagentSocketDir != "no" {
		sock, err := newRunagentSocket(d.cfg, d.logger, d.runOnceFromRunagent)
		if err != nil {
			d.logger.Error().Err(err).Msg("failed to start runagent socket")
		} else {
			d.socket = sock
			go sock.serve(ctx)
			defer sock.close()
		}
	}

	for {
		if d.terminating.Load() || ctx.Err() != nil {
			return nil
		}

		full := d.shouldFullReload()
		env, err := d.discover.Discover(ctx, time.Now())
		if err != nil {
			d.logger.Error().Err(err).Msg("environment discovery failed")
		}

		due := d.isDue(env)
		if full {
			d.logger.Info().Msg("full policy reload")
		}

		if due {
			splay := splayDuration(d.cfg.SplayMin, d.cfg.SplayMax)
			if !d.sleep(ctx, splay, reloadCh) {
				return nil
			}
			d.triggerRun(ctx)
		}

		if d.opts.Once {
			return nil
		}

		if !d.sleep(ctx, d.cfg.PulseInterval, reloadCh) {
			return nil
		}
	}
}

// shouldFullReload compares the validated-at file's mtime against the
// last one observed; a more recent timestamp means the policy changed
// since the last pass and a full reload (not just environment
// rediscovery) is due.
func (d *Daemon) shouldFullReload() bool {
	info, err := os.Stat(d.validatedAtPath)
	if err != nil {
		return false
	}
	if info.ModTime().After(d.lastValidatedAt) {
		d.lastValidatedAt = info.ModTime()
		return true
	}
	return false
}

// isDue evaluates the configured schedule expression (§4.5) against the
// environment's time classes plus any --define/--negate overrides.
func (d *Daemon) isDue(env *engine.Environment) bool {
	combined := make(map[string]bool)
	if env != nil {
		for _, c := range env.Classes {
			combined[c.Name] = true
		}
	}
	for _, name := range d.opts.Define {
		combined[engine.CanonicalizeClassName(name)] = true
	}
	for _, name := range d.opts.Negate {
		delete(combined, engine.CanonicalizeClassName(name))
	}

	due, err := d.classes.Evaluate(d.cfg.Schedule, combined)
	if err != nil {
		d.logger.Error().Err(err).Str("schedule", d.cfg.Schedule).Msg("invalid schedule expression")
		return false
	}
	return due
}

// sleep waits for interval, returning false if the daemon should stop.
// A reload signal or a policy-watcher event wakes it early without
// counting as shutdown, so the next ScheduleRun check runs promptly.
func (d *Daemon) sleep(ctx context.Context, interval time.Duration, reloadCh <-chan struct{}) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	var changed <-chan struct{}
	if d.watcher != nil {
		changed = d.watcher.Changed
	}

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-reloadCh:
		return true
	case <-changed:
		return true
	}
}

// splayDuration returns a random delay in [min, max], matching cf-execd's
// bounded random splay before an agent invocation.
func splayDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// triggerRun starts one convergence run through RunOnce. If forking
// cfengine-agent fails, RunOnce runs the convergence in-process instead
// (blocking) as cf-execd does, rather than skipping the run entirely.
func (d *Daemon) triggerRun(ctx context.Context) {
	run, err := d.RunOnce(ctx, engine.RunOptions{DryRun: d.opts.DryRun})
	if err != nil {
		d.logger.Error().Err(err).Msg("scheduled run failed")
		return
	}
	d.logger.Info().
		Str("run_id", run.ID).
		Str("outcome", run.Outcome.String()).
		Int("passes", run.Passes).
		Msg("scheduled run completed")
}

// RunOnce implements engine.Scheduler: it forks/execs cfengine-agent with
// flags mirroring this Daemon's own configuration and options, waits for
// it to finish, and records a Run entry from its exit status.
func (d *Daemon) RunOnce(ctx context.Context, runOpts engine.RunOptions) (*engine.Run, error) {
	runID := uuid.NewString()
	run := &engine.Run{ID: runID, StartedAt: time.Now(), DryRun: runOpts.DryRun || d.opts.DryRun}

	d.mu.Lock()
	d.runs[runID] = run
	d.mu.Unlock()

	args := d.agentArgs(runID, runOpts)
	cmd := exec.CommandContext(ctx, d.cfg.AgentBinary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		d.logger.Warn().Err(err).Msg("failed to fork cfengine-agent, running inline")
		return d.runInline(ctx, runID, runOpts)
	}

	waitErr := cmd.Wait()
	now := time.Now()
	run.EndedAt = &now
	if waitErr != nil {
		run.Outcome = engine.FAIL
		d.logger.Error().Err(waitErr).Str("stderr", stderr.String()).Msg("cfengine-agent run failed")
		return run, fmt.Errorf("cfengine-agent: %w: %s", waitErr, stderr.String())
	}

	// cfengine-agent prints the completed Run as a single line of JSON on
	// success (see cmd/cfengine-agent); fall back to the locally tracked
	// stub if it printed nothing parsable, rather than failing the run.
	var reported engine.Run
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &reported); err == nil && reported.ID == runID {
		run = &reported
	} else {
		run.Outcome = engine.NOOP
	}

	d.mu.Lock()
	d.runs[runID] = run
	d.mu.Unlock()
	return run, nil
}

// agentArgs builds the cfengine-agent command line for one scheduled run,
// mirroring §6's process surface.
func (d *Daemon) agentArgs(runID string, runOpts engine.RunOptions) []string {
	args := []string{
		"--file", d.cfg.InputFile,
		"--run-id", runID,
	}
	for _, c := range d.opts.Define {
		args = append(args, "--define", c)
	}
	for _, c := range d.opts.Negate {
		args = append(args, "--negate", c)
	}
	if d.opts.NoLock {
		args = append(args, "--no-lock")
	}
	if runOpts.DryRun || d.opts.DryRun {
		args = append(args, "--dry-run")
	}
	if runOpts.OnlyBundle != "" {
		args = append(args, "--bundle", runOpts.OnlyBundle)
	}
	return args
}

// GetStatus implements engine.Scheduler.
func (d *Daemon) GetStatus(ctx context.Context, runID string) (*engine.Run, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	run, ok := d.runs[runID]
	if !ok {
		return nil, fmt.Errorf("unknown run id: %s", runID)
	}
	return run, nil
}

// runOnceFromRunagent is the handler the runagent socket listener calls
// for each incoming connection request.
func (d *Daemon) runOnceFromRunagent(ctx context.Context) (*engine.Run, error) {
	return d.RunOnce(ctx, engine.RunOptions{})
}
