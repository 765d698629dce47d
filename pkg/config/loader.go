package config

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
)

// defaultsCUE is unified with the loaded document before decode, supplying
// the same defaults the teacher's CUE schemas express with "| *value".
const defaultsCUE = `
work_dir: string | *""
input_dir: string | *""
splay_min: int | *0
pulse_interval: int | *60000000000
runagent_socket_dir: string | *""
runagent_allowed_users: [...string] | *[]
log_level: string | *"info"
skip_db_check: bool | *false
`

// Loader decodes a daemon configuration file and validates the result.
type Loader struct {
	ctx       *cue.Context
	validator *validator.Validate
}

// NewLoader creates a new daemon config loader.
func NewLoader() *Loader {
	return &Loader{
		ctx:       cuecontext.New(),
		validator: validator.New(),
	}
}

// Load reads a CUE configuration file, unifies it with field defaults,
// decodes it into a DaemonConfig, and runs struct-tag validation.
func (l *Loader) Load(path string) (*DaemonConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	defaults := l.ctx.CompileString(defaultsCUE)
	val := l.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	unified := defaults.Unify(val)
	if err := unified.Err(); err != nil {
		return nil, fmt.Errorf("config %s conflicts with defaults: %w", path, err)
	}

	// splay_min/splay_max/pulse_interval are plain nanosecond integers in
	// CUE; they decode straight into the time.Duration fields below since
	// Duration's underlying kind is int64.
	var cfg DaemonConfig
	if err := unified.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := l.validator.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config %s failed validation: %w", path, err)
	}

	return &cfg, nil
}
