package engine

import (
	"context"
	"io"
	"time"
)

// PolicyLoader parses and validates policy sources into a Policy. The
// concrete implementation (pkg/policyload) decodes CUE documents; engine
// code only depends on this interface.
type PolicyLoader interface {
	// Load parses the given policy file or directory paths into a single
	// merged Policy.
	Load(ctx context.Context, paths []string) (*Policy, error)

	// Validate re-checks an already-loaded Policy against schemas and
	// structural invariants (duplicate bundles, undefined body
	// references, inheritance cycles) without reparsing.
	Validate(ctx context.Context, policy *Policy) error
}

// Environment is the result of a discovery pass: the sys.* variable table
// and the hard classes derived from host facts and wall-clock time.
type Environment struct {
	Vars    map[string]Variable
	Classes []Class

	DiscoveredAt time.Time
}

// Discoverer populates the evaluation context with environment facts
// ("sys.host", "sys.fqhost", ...) and time-derived hard classes
// ("Hr07", "Monday", "Min00_05", ...), once before each run.
type Discoverer interface {
	Discover(ctx context.Context, now time.Time) (*Environment, error)
}

// PromiseIteration is a single, fully-expanded actuation unit: one promise
// copy with its promiser/constraints resolved against one element of the
// iteration wheel's cross product.
type PromiseIteration struct {
	Promise *Promise
	Bundle  string
	Pass    int
	DryRun  bool
	RunID   string

	// EvalContext is the dispatcher's live evaluation context. vars and
	// classes actuators mutate it directly (VariablePut/ClassPutHard);
	// actuators that only touch the outside world (files, commands,
	// packages, services) can ignore it.
	EvalContext *Context
}

// Actuator performs the side effect a promise type is responsible for:
// files writes a file, commands runs a process, packages installs or
// removes a package, vars/classes mutate the evaluation context directly.
type Actuator interface {
	// PromiseType is the promise type this actuator handles, e.g. "files".
	PromiseType() string

	// Actuate carries out one promise iteration and reports the outcome.
	Actuate(ctx context.Context, iter *PromiseIteration) (*ActuationResult, error)
}

// ActuatorRegistry resolves a promise type to the Actuator that handles
// it, whether built in or loaded as a WASM plugin.
type ActuatorRegistry interface {
	// Register adds a built-in actuator.
	Register(a Actuator) error

	// RegisterPlugin loads a WASM module implementing name@version and
	// registers it under its declared promise type.
	RegisterPlugin(ctx context.Context, manifest *PluginManifest, wasmModule []byte) error

	// Get resolves a promise type to its actuator.
	Get(promiseType string) (Actuator, bool)

	// List returns the promise types currently registered.
	List() []string
}

// PluginManifest describes a WASM actuator plugin's identity and the host
// capabilities it requires.
type PluginManifest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	PromiseType  string   `json:"promise_type"`
	Capabilities []string `json:"capabilities"`
}

// Transport is the minimal surface the engine needs to act on a remote
// host: connect once, run one command, push one file. Concrete remote
// promise attributes (remote_exec, remote_copy) are implemented in terms
// of this interface; pkg/transport/ssh is the one shipped adapter.
type Transport interface {
	Connect(ctx context.Context, host string) error
	Exec(ctx context.Context, command string) (stdout, stderr []byte, exitCode int, err error)
	Upload(ctx context.Context, localPath, remotePath string) error
	Close() error
}

// ProcessProbe answers "is this process/service currently running", the
// primitive the services actuator needs without embedding an init-system
// client directly into the dispatcher.
type ProcessProbe interface {
	IsRunning(ctx context.Context, name string) (bool, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
}

// ComplianceEngine is the supplemental policy-as-code veto consulted by
// the dispatcher after every actuation; a result with Allowed false turns
// the outcome into DENIED regardless of what the actuator itself reports.
type ComplianceEngine interface {
	Evaluate(ctx context.Context, iter *PromiseIteration, proposed *ActuationResult) (*ComplianceResult, error)
	LoadPolicies(ctx context.Context, paths []string) error
}

// ComplianceResult is the outcome of one ComplianceEngine.Evaluate call.
type ComplianceResult struct {
	Allowed    bool                `json:"allowed"`
	Violations []ComplianceFinding `json:"violations,omitempty"`
}

// ComplianceFinding describes a single rule violation.
type ComplianceFinding struct {
	Policy   string `json:"policy"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// EventPublisher fans a Run's events out to subscribers. No type in this
// module implements it; the runagent socket and the CLI do not subscribe.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan Event, error)
	Unsubscribe(ctx context.Context, subscriptionID string) error
}

// EventFilter narrows a Subscribe call to events of interest.
type EventFilter struct {
	RunID     string  `json:"run_id,omitempty"`
	Bundle    string  `json:"bundle,omitempty"`
	MinLevel  Outcome `json:"min_level,omitempty"`
}

// Scheduler is the daemon's reload/run-now surface, driven by the splay
// timer and by runagent requests arriving over the UNIX socket.
type Scheduler interface {
	// RunOnce starts one convergence run and waits for it. The daemon
	// calls it after the splay delay; runagent requests call it directly.
	RunOnce(ctx context.Context, opts RunOptions) (*Run, error)

	// GetStatus retrieves the status of an in-progress or completed run.
	GetStatus(ctx context.Context, runID string) (*Run, error)
}

// RunOptions parameterizes a single convergence run.
type RunOptions struct {
	DryRun     bool   `json:"dry_run,omitempty"`
	MaxPasses  int    `json:"max_passes,omitempty"`
	OnlyBundle string `json:"only_bundle,omitempty"`
}

// BackupManager handles backup and restore of the named KV databases.
type BackupManager interface {
	Backup(ctx context.Context, dest io.Writer) error
	Restore(ctx context.Context, src io.Reader) error
	ListBackups(ctx context.Context) ([]BackupInfo, error)
}

// BackupInfo describes one stored backup archive.
type BackupInfo struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	Size          int64     `json:"size"`
	DatabaseCount int       `json:"database_count"`
}
