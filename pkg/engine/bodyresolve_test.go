package engine

import "testing"

func TestResolvePromiseMergesInheritedBody(t *testing.T) {
	policy := &Policy{
		Bodies: []*Body{
			{Name: "base_perms", Type: "perms", Constraints: []Constraint{
				{Lval: "mode", Rval: ScalarRval("0644")},
				{Lval: "owner", Rval: ScalarRval("root")},
			}},
			{Name: "strict_perms", Type: "perms", InheritFrom: []string{"base_perms"}, Constraints: []Constraint{
				{Lval: "mode", Rval: ScalarRval("0600")},
			}},
		},
	}

	p := &Promise{
		ID:          "p1",
		PromiseType: "files",
		Promiser:    ScalarRval("/etc/shadow"),
		Constraints: []Constraint{
			{Lval: "perms", Rval: ScalarRval("strict_perms")},
		},
	}

	r := NewDefaultBodyResolver()
	resolved, err := r.ResolvePromise(policy, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	byLval := make(map[string]string)
	for _, c := range resolved.Constraints {
		if c.Rval.IsScalar() {
			byLval[c.Lval] = c.Rval.Scalar
		}
	}

	if byLval["mode"] != "0600" {
		t.Fatalf("expected child body's mode to win, got %q", byLval["mode"])
	}
	if byLval["owner"] != "root" {
		t.Fatalf("expected inherited owner from base body, got %q", byLval["owner"])
	}
}

func TestResolvePromiseDetectsCycle(t *testing.T) {
	policy := &Policy{
		Bodies: []*Body{
			{Name: "a", Type: "perms", InheritFrom: []string{"b"}},
			{Name: "b", Type: "perms", InheritFrom: []string{"a"}},
		},
	}
	p := &Promise{
		PromiseType: "files",
		Constraints: []Constraint{{Lval: "perms", Rval: ScalarRval("a")}},
	}

	r := NewDefaultBodyResolver()
	if _, err := r.ResolvePromise(policy, p); err == nil {
		t.Fatalf("expected cycle error")
	}
}
