package compliance

import (
	"context"
	"testing"

	"github.com/cfengined/cfengined/pkg/engine"
	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("no built-in policies loaded")
	}

	expected := []string{
		"protected-paths",
		"destructive-commands",
		"package-removal-restricted",
		"dry-run-override",
	}

	for _, name := range expected {
		found := false
		for _, p := range policies {
			if p.Name == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected built-in policy not found: %s", name)
		}
	}
}

func filesIteration(path string) *engine.PromiseIteration {
	return &engine.PromiseIteration{
		Promise: &engine.Promise{
			ID:          "files:" + path,
			PromiseType: "files",
			Promiser:    engine.ScalarRval(path),
		},
		Bundle: "main",
		RunID:  "run-1",
	}
}

func TestEvaluate_ProtectedPaths(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name          string
		path          string
		outcome       engine.Outcome
		expectAllowed bool
	}{
		{"unprotected path changes", "/srv/app/config.yml", engine.CHANGE, true},
		{"protected path changes", "/etc/passwd", engine.CHANGE, false},
		{"protected path no change", "/etc/passwd", engine.NOOP, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(context.Background(), filesIteration(tt.path), &engine.ActuationResult{Outcome: tt.outcome})
			if err != nil {
				t.Fatalf("evaluation failed: %v", err)
			}
			if result.Allowed != tt.expectAllowed {
				t.Errorf("expected allowed=%v, got %v (violations: %+v)", tt.expectAllowed, result.Allowed, result.Violations)
			}
		})
	}
}

func TestEvaluate_DestructiveCommands(t *testing.T) {
	eng := newTestEngine(t)

	iter := &engine.PromiseIteration{
		Promise: &engine.Promise{
			ID:          "commands:cleanup",
			PromiseType: "commands",
			Promiser:    engine.ScalarRval("rm -rf /var/lib/app/cache"),
		},
		Bundle: "main",
		RunID:  "run-1",
	}

	result, err := eng.Evaluate(context.Background(), iter, &engine.ActuationResult{Outcome: engine.CHANGE})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Error("expected recursive delete command to be denied")
	}
}

func TestEvaluate_PackageRemoval(t *testing.T) {
	eng := newTestEngine(t)

	iter := &engine.PromiseIteration{
		Promise: &engine.Promise{
			ID:          "packages:openssh-server",
			PromiseType: "packages",
			Promiser:    engine.ScalarRval("openssh-server"),
			Constraints: []engine.Constraint{
				{Lval: "package_policy", Rval: engine.ScalarRval("absent")},
			},
		},
		Bundle: "main",
		RunID:  "run-1",
	}

	result, err := eng.Evaluate(context.Background(), iter, &engine.ActuationResult{Outcome: engine.CHANGE})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Error("expected removal of a protected package to be denied")
	}
}

func TestEvaluate_DryRunOverride(t *testing.T) {
	eng := newTestEngine(t)

	iter := filesIteration("/srv/app/config.yml")
	iter.DryRun = true

	result, err := eng.Evaluate(context.Background(), iter, &engine.ActuationResult{Outcome: engine.CHANGE})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "dry-run-override" {
			found = true
		}
	}
	if !found {
		t.Error("expected a dry-run-override warning")
	}
	if !result.Allowed {
		t.Error("a warning-severity violation should not deny the outcome")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.DisablePolicy("protected-paths"); err != nil {
		t.Fatalf("failed to disable policy: %v", err)
	}

	policy, err := eng.GetPolicy("protected-paths")
	if err != nil {
		t.Fatalf("failed to get policy: %v", err)
	}
	if policy.Enabled {
		t.Error("policy should be disabled")
	}

	result, err := eng.Evaluate(context.Background(), filesIteration("/etc/passwd"), &engine.ActuationResult{Outcome: engine.CHANGE})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	for _, v := range result.Violations {
		if v.Policy == "protected-paths" {
			t.Error("disabled policy should not generate violations")
		}
	}

	if err := eng.EnablePolicy("protected-paths"); err != nil {
		t.Fatalf("failed to enable policy: %v", err)
	}
	policy, err = eng.GetPolicy("protected-paths")
	if err != nil {
		t.Fatalf("failed to get policy: %v", err)
	}
	if !policy.Enabled {
		t.Error("policy should be enabled")
	}
}

func TestReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)

	initial := len(eng.ListPolicies())

	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("failed to reload policies: %v", err)
	}

	if after := len(eng.ListPolicies()); after != initial {
		t.Errorf("expected %d policies after reload, got %d", initial, after)
	}
}

func TestListPolicies(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("no policies returned")
	}

	for _, p := range policies {
		if p.Name == "" {
			t.Error("policy has empty name")
		}
		if p.Rego == "" {
			t.Error("policy has empty rego code")
		}
		if p.CreatedAt.IsZero() {
			t.Error("policy has zero CreatedAt")
		}
	}
}
