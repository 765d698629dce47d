package classalgebra

import "testing"

func TestEvaluateBasic(t *testing.T) {
	classes := map[string]bool{"linux": true, "debian": true, "windows": false}
	e := New()

	cases := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"linux", true},
		{"windows", false},
		{"!windows", true},
		{"linux&debian", true},
		{"linux.debian", true},
		{"linux&windows", false},
		{"linux|windows", true},
		{"windows||darwin", false},
		{"!(linux&windows)", true},
		{"!linux|!debian", false},
	}

	for _, c := range cases {
		got, err := e.Evaluate(c.expr, classes)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", c.expr, err)
		}
		if got != c.want {
			t.Errorf("%q: got %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestEvaluateClassMatching(t *testing.T) {
	classes := map[string]bool{"pkg_installed_nginx": true, "pkg_installed_curl": true, "other": true}
	e := New()

	got, err := e.Evaluate(`class_matching(/^pkg_installed_/)`, classes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Fatalf("expected match")
	}

	got, err = e.Evaluate(`class_matching(/^pkg_missing_/)`, classes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got {
		t.Fatalf("expected no match")
	}
}

func TestEvaluateClassCount(t *testing.T) {
	classes := map[string]bool{"node_a_up": true, "node_b_up": true, "node_c_up": false}
	e := New()

	got, err := e.Evaluate(`class_count(/_up$/, 2)`, classes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Fatalf("expected count==2 to match")
	}

	got, err = e.Evaluate(`class_count(/_up$/, 3..10)`, classes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got {
		t.Fatalf("expected count==2 to fall outside 3..10")
	}
}

func TestEvaluateSyntaxError(t *testing.T) {
	e := New()
	if _, err := e.Evaluate("linux&(debian", nil); err == nil {
		t.Fatalf("expected error for unbalanced parens")
	}
}
