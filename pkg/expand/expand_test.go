package expand

import (
	"testing"
	"time"

	"github.com/cfengined/cfengined/pkg/engine"
)

func fixedNow() time.Time { return time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC) }

func TestExpandScalarSubstitution(t *testing.T) {
	ctx := engine.NewContext(nil, false)
	ctx.PushFrame(engine.FrameBundle, "test")
	_ = ctx.VariablePut("name", "web01", engine.VarString, nil)

	e := &Expander{Now: fixedNow}
	got, err := e.ExpandScalar(ctx, "default", "host $(name) is up")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "host web01 is up" {
		t.Fatalf("got %q", got)
	}
}

func TestExpandRvalNakedListDereference(t *testing.T) {
	ctx := engine.NewContext(nil, false)
	ctx.PushFrame(engine.FrameBundle, "test")
	_ = ctx.VariablePut("hosts", []string{"a", "b", "c"}, engine.VarSlist, nil)

	e := &Expander{Now: fixedNow}
	got, err := e.ExpandRval(ctx, "default", engine.ScalarRval("$(hosts)"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsList() || len(got.List) != 3 {
		t.Fatalf("expected naked list dereference, got %+v", got)
	}
}

func TestExpandScalarEmbeddedListJoins(t *testing.T) {
	ctx := engine.NewContext(nil, false)
	ctx.PushFrame(engine.FrameBundle, "test")
	_ = ctx.VariablePut("hosts", []string{"a", "b"}, engine.VarSlist, nil)

	e := &Expander{Now: fixedNow}
	got, err := e.ExpandScalar(ctx, "default", "hosts: $(hosts)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hosts: a, b" {
		t.Fatalf("got %q", got)
	}
}

func TestFnCallEagerEvaluation(t *testing.T) {
	ctx := engine.NewContext(nil, false)
	ctx.PushFrame(engine.FrameBundle, "test")
	_ = ctx.VariablePut("raw", "Hello World", engine.VarString, nil)

	e := &Expander{Now: fixedNow}
	call := engine.FnCallRval("canonify", engine.ScalarRval("$(raw)"))
	got, err := e.ExpandRval(ctx, "default", call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Scalar != "Hello_World" {
		t.Fatalf("got %q", got.Scalar)
	}
}

func TestFnIfelseSelectsFirstSetClass(t *testing.T) {
	ctx := engine.NewContext(nil, false)
	ctx.ClassPutHard("debian", nil)

	e := &Expander{Now: fixedNow}
	call := engine.FnCallRval("ifelse",
		engine.ScalarRval("redhat"), engine.ScalarRval("yum"),
		engine.ScalarRval("debian"), engine.ScalarRval("apt"),
		engine.ScalarRval("unknown"))
	got, err := e.ExpandRval(ctx, "default", call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Scalar != "apt" {
		t.Fatalf("got %q, want apt", got.Scalar)
	}
}

func TestFnJoinAndSplitstring(t *testing.T) {
	ctx := engine.NewContext(nil, false)
	e := &Expander{Now: fixedNow}

	joinCall := engine.FnCallRval("join", engine.ScalarRval(","), engine.ListRval(engine.ScalarRval("a"), engine.ScalarRval("b")))
	got, err := e.ExpandRval(ctx, "default", joinCall)
	if err != nil || got.Scalar != "a,b" {
		t.Fatalf("join: got %q, err %v", got.Scalar, err)
	}

	splitCall := engine.FnCallRval("splitstring", engine.ScalarRval("a,b,c"), engine.ScalarRval(","))
	got, err = e.ExpandRval(ctx, "default", splitCall)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.List) != 3 || got.List[1].Scalar != "b" {
		t.Fatalf("split: got %+v", got.List)
	}
}

func TestFnClassmatch(t *testing.T) {
	ctx := engine.NewContext(nil, false)
	ctx.ClassPutHard("pkg_installed_nginx", nil)

	e := &Expander{Now: fixedNow}
	call := engine.FnCallRval("classmatch", engine.ScalarRval("^pkg_installed_"))
	got, err := e.ExpandRval(ctx, "default", call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Scalar != "true" {
		t.Fatalf("got %q, want true", got.Scalar)
	}
}
