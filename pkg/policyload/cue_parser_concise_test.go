package policyload

import (
	"context"
	"testing"

	"github.com/cfengined/cfengined/pkg/engine"
)

// TestMultiplePromiseTypes exercises a bundle declaring several promise
// types at once, the shape a real base policy takes.
func TestMultiplePromiseTypes(t *testing.T) {
	parser := NewCUEParser()

	content := `
bundles: [{
	name: "main"
	type: "agent"
	promises: {
		vars: [{promiser: "greeting", string: "world"}]
		classes: [{promiser: "ok", expression: "any"}]
		packages: [
			{promiser: "nginx", package_policy: "present"},
			{promiser: "postgresql", package_policy: "present", package_version: "14.5"},
			{promiser: "apache2", package_policy: "absent"},
		]
	}
}]
`

	policy, err := parser.ParseInline(context.Background(), content)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}

	pkgSection := policy.Bundles[0].SectionByType("packages")
	if pkgSection == nil || len(pkgSection.Promises) != 3 {
		t.Fatalf("expected 3 packages promises, got %+v", pkgSection)
	}

	nginx := findPromiser(pkgSection.Promises, "nginx")
	if nginx == nil {
		t.Fatal("nginx promise not found")
	}
	if constraintScalar(nginx, "package_policy") != "present" {
		t.Errorf("expected package_policy 'present', got %q", constraintScalar(nginx, "package_policy"))
	}

	postgres := findPromiser(pkgSection.Promises, "postgresql")
	if postgres == nil {
		t.Fatal("postgresql promise not found")
	}
	if constraintScalar(postgres, "package_version") != "14.5" {
		t.Errorf("expected version '14.5', got %q", constraintScalar(postgres, "package_version"))
	}

	apache := findPromiser(pkgSection.Promises, "apache2")
	if apache == nil {
		t.Fatal("apache2 promise not found")
	}
	if constraintScalar(apache, "package_policy") != "absent" {
		t.Errorf("expected package_policy 'absent', got %q", constraintScalar(apache, "package_policy"))
	}
}

// TestMultipleBundles verifies bundle boundaries are kept distinct across
// bundles declared in a single source.
func TestMultipleBundles(t *testing.T) {
	parser := NewCUEParser()

	content := `
bundles: [
	{name: "one", type: "agent", promises: {reports: [{promiser: "from one"}]}},
	{name: "two", type: "agent", promises: {reports: [{promiser: "from two"}]}},
]
`
	policy, err := parser.ParseInline(context.Background(), content)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(policy.Bundles) != 2 {
		t.Fatalf("expected 2 bundles, got %d", len(policy.Bundles))
	}
	if policy.BundleByName("one") == nil || policy.BundleByName("two") == nil {
		t.Fatalf("expected bundles 'one' and 'two', got %+v", policy.Bundles)
	}
}

func findPromiser(promises []*engine.Promise, promiser string) *engine.Promise {
	for _, p := range promises {
		if p.Promiser.IsScalar() && p.Promiser.Scalar == promiser {
			return p
		}
	}
	return nil
}

func constraintScalar(p *engine.Promise, lval string) string {
	for _, c := range p.Constraints {
		if c.Lval == lval && c.Rval.IsScalar() {
			return c.Rval.Scalar
		}
	}
	return ""
}
