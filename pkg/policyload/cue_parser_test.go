package policyload

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cfengined/cfengined/pkg/engine"
)

func TestCUEParser_ParseInline(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		checkFunc func(*testing.T, *engine.Policy)
	}{
		{
			name: "valid simple policy",
			content: `
bundles: [{
	name: "main"
	type: "agent"
	promises: {
		vars: [{promiser: "x", string: "world"}]
		reports: [{promiser: "hello $(x)"}]
	}
}]
`,
			checkFunc: func(t *testing.T, p *engine.Policy) {
				if len(p.Bundles) != 1 {
					t.Fatalf("expected 1 bundle, got %d", len(p.Bundles))
				}
				if p.Bundles[0].Name != "main" {
					t.Errorf("expected bundle name 'main', got %s", p.Bundles[0].Name)
				}
				varsSection := p.Bundles[0].SectionByType("vars")
				if varsSection == nil || len(varsSection.Promises) != 1 {
					t.Fatalf("expected 1 vars promise")
				}
				if varsSection.Promises[0].Promiser.Scalar != "x" {
					t.Errorf("expected promiser 'x', got %s", varsSection.Promises[0].Promiser.Scalar)
				}
			},
		},
		{
			name:    "invalid CUE syntax",
			content: `bundles: [{ name: "main" invalid syntax here }]`,
			wantErr: true,
		},
		{
			name:    "missing required promiser",
			content: `bundles: [{name: "main", type: "agent", promises: {vars: [{string: "world"}]}}]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := parser.ParseInline(ctx, tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, p)
			}
		})
	}
}

func TestCUEParser_ParseFile(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.cue")

	content := `
bundles: [{
	name: "filetest"
	type: "agent"
	promises: {
		files: [{
			promiser: "/etc/motd"
			content: "hello"
		}]
	}
}]
`
	if err := os.WriteFile(testFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	p, err := parser.Load(ctx, []string{testFile})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Bundles) != 1 || p.Bundles[0].Name != "filetest" {
		t.Fatalf("unexpected bundles: %+v", p.Bundles)
	}

	section := p.Bundles[0].SectionByType("files")
	if section == nil || len(section.Promises) != 1 {
		t.Fatalf("expected 1 files promise")
	}
	if section.Promises[0].Promiser.Scalar != "/etc/motd" {
		t.Errorf("expected promiser '/etc/motd', got %s", section.Promises[0].Promiser.Scalar)
	}
}

func TestCUEParser_BodyInheritanceCycleRejected(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	content := `
bundles: [{name: "main", type: "agent"}]
bodies: [
	{name: "a", type: "perms", inherit_from: ["b"]},
	{name: "b", type: "perms", inherit_from: ["a"]},
]
`
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "cycle.cue")
	if err := os.WriteFile(testFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	if _, err := parser.Load(ctx, []string{testFile}); err == nil {
		t.Fatal("expected a cycle error, got none")
	}
}

func TestCUEParser_GuardCombinesIfAndUnless(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	content := `
bundles: [{
	name: "main"
	type: "agent"
	promises: {
		reports: [{promiser: "hi", if: "linux", unless: "windows"}]
	}
}]
`
	p, err := parser.ParseInline(ctx, content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	guard := p.Bundles[0].SectionByType("reports").Promises[0].Guard
	if guard != "linux.!(windows)" {
		t.Errorf("unexpected guard: %s", guard)
	}
}
