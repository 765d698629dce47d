// Package config loads and validates the scheduler daemon's own
// configuration: state/work directories, the run schedule, splay bounds,
// and the runagent control socket, grounded on the teacher's
// pkg/config/cue_parser.go and types.go CUE-plus-validator pattern.
package config

import "time"

// DaemonConfig is the decoded, validated configuration for one cfengined
// process (§6's process surface, minus the flags that only make sense as
// command-line overrides: --define/--negate/--dry-run/--once/--no-fork
// live on schedulerd.Options instead, see cmd/cfengined).
type DaemonConfig struct {
	// StateDir holds the KV databases, pid file, validated-at timestamp
	// file, and runagent socket.
	StateDir string `json:"state_dir" validate:"required"`

	// WorkDir is honoured read-only for legacy KV file locations.
	WorkDir string `json:"work_dir,omitempty"`

	// InputFile is the top-level policy entry point.
	InputFile string `json:"input_file" validate:"required"`

	// InputDir is the directory fsnotify watches for a prompt full
	// reload between scheduler ticks.
	InputDir string `json:"input_dir,omitempty"`

	// Schedule is a class-algebra expression (§4.5) evaluated against
	// the current time classes; when it is true the run is due.
	Schedule string `json:"schedule" validate:"required"`

	// SplayMin/SplayMax bound the randomized delay before a due run
	// actually starts, so a fleet of hosts doesn't converge in lockstep.
	SplayMin time.Duration `json:"splay_min"`
	SplayMax time.Duration `json:"splay_max" validate:"required"`

	// PulseInterval is the fixed sleep between ScheduleRun checks.
	PulseInterval time.Duration `json:"pulse_interval"`

	// RunagentSocketDir is the directory the runagent control socket is
	// created in. Empty or "no" disables the socket entirely.
	RunagentSocketDir string `json:"runagent_socket_dir,omitempty"`

	// RunagentAllowedUsers lists the usernames permitted to connect to
	// the runagent socket; re-applied whenever the set changes on reload.
	RunagentAllowedUsers []string `json:"runagent_allowed_users,omitempty"`

	// AgentBinary is the path to the cfengine-agent binary the daemon
	// forks and execs for each scheduled run, keeping actuator crashes
	// out of the scheduler's own process.
	AgentBinary string `json:"agent_binary" validate:"required"`

	// LogLevel sets the zerolog global level.
	LogLevel string `json:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`

	// SkipDBCheck is read from the config file, but nothing acts on it:
	// the daemon runs no startup integrity pass over the KV databases.
	SkipDBCheck bool `json:"skip_db_check,omitempty"`
}

// DefaultPulseInterval matches cf-execd's fixed one-minute pulse.
const DefaultPulseInterval = time.Minute

// applyDefaults fills zero-valued optional fields the way the CUE schema's
// own defaults would, for config values decoded from a bare JSON/CUE
// struct without the unify step (e.g. in tests).
func (c *DaemonConfig) applyDefaults() {
	if c.PulseInterval == 0 {
		c.PulseInterval = DefaultPulseInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
