package schedulerd

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/cfengined/cfengined/pkg/classalgebra"
	"github.com/cfengined/cfengined/pkg/config"
	"github.com/cfengined/cfengined/pkg/engine"
	"github.com/rs/zerolog"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.DaemonConfig{
		StateDir:    dir,
		InputFile:   filepath.Join(dir, "promises.cue"),
		Schedule:    "Min00_05",
		SplayMax:    5 * time.Second,
		AgentBinary: "/bin/true",
	}
	d := New(cfg, Options{}, nil, nil, zerolog.Nop())
	return d
}

func TestIsDue_MatchesScheduleClass(t *testing.T) {
	d := newTestDaemon(t)
	env := &engine.Environment{Classes: []engine.Class{{Name: "Min00_05"}}}
	if !d.isDue(env) {
		t.Fatal("expected schedule class to be due")
	}
}

func TestIsDue_NoMatch(t *testing.T) {
	d := newTestDaemon(t)
	env := &engine.Environment{Classes: []engine.Class{{Name: "Min05_10"}}}
	if d.isDue(env) {
		t.Fatal("expected schedule class not to be due")
	}
}

func TestIsDue_NegateOverridesDefine(t *testing.T) {
	d := newTestDaemon(t)
	d.opts.Define = []string{"Min00_05"}
	d.opts.Negate = []string{"Min00_05"}
	env := &engine.Environment{}
	if d.isDue(env) {
		t.Fatal("expected negate to cancel a defined schedule class")
	}
}

func TestIsDue_InvalidScheduleIsNeverDue(t *testing.T) {
	d := newTestDaemon(t)
	d.cfg.Schedule = "("
	d.classes = classalgebra.New()
	env := &engine.Environment{Classes: []engine.Class{{Name: "Min00_05"}}}
	if d.isDue(env) {
		t.Fatal("an unparsable schedule expression must never be due")
	}
}

func TestShouldFullReload(t *testing.T) {
	d := newTestDaemon(t)
	if d.shouldFullReload() {
		t.Fatal("no validated-at file yet: expected no reload")
	}

	if err := os.WriteFile(d.validatedAtPath, []byte("1"), 0o644); err != nil {
		t.Fatalf("write validated-at: %v", err)
	}
	if !d.shouldFullReload() {
		t.Fatal("fresh validated-at file: expected a reload")
	}
	if d.shouldFullReload() {
		t.Fatal("second check with no further write: expected no reload")
	}
}

func TestSplayDuration_Bounds(t *testing.T) {
	min, max := 2*time.Second, 3*time.Second
	for i := 0; i < 50; i++ {
		d := splayDuration(min, max)
		if d < min || d > max {
			t.Fatalf("splayDuration() = %v, want in [%v, %v]", d, min, max)
		}
	}
}

func TestSplayDuration_MaxNotGreaterThanMin(t *testing.T) {
	if got := splayDuration(5*time.Second, 5*time.Second); got != 5*time.Second {
		t.Fatalf("splayDuration(equal bounds) = %v, want 5s", got)
	}
	if got := splayDuration(5*time.Second, 1*time.Second); got != 5*time.Second {
		t.Fatalf("splayDuration(max<min) = %v, want min (5s)", got)
	}
}

func TestWritePID_CreatesParentDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "cf-execd.pid")
	if err := writePID(path); err != nil {
		t.Fatalf("writePID: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if string(raw) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pid file = %q, want %d", raw, os.Getpid())
	}
}

func TestApoptosis_NoPriorPidFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	if err := apoptosis(filepath.Join(dir, "cf-execd.pid"), zerolog.Nop()); err != nil {
		t.Fatalf("apoptosis with no pid file: %v", err)
	}
}

func TestApoptosis_StalePidFromDeadProcessIsIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cf-execd.pid")
	// a pid extremely unlikely to be alive, grounded on the same ESRCH
	// tolerance cf-execd's Apoptosis applies to an already-exited process.
	if err := os.WriteFile(path, []byte("999999"), 0o644); err != nil {
		t.Fatalf("seed pid file: %v", err)
	}
	if err := apoptosis(path, zerolog.Nop()); err != nil {
		t.Fatalf("apoptosis with dead pid: %v", err)
	}
}
