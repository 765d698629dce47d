package iterate

import (
	"testing"

	"github.com/cfengined/cfengined/pkg/engine"
)

func TestWheelCrossProduct(t *testing.T) {
	ctx := engine.NewContext(nil, false)
	ctx.PushFrame(engine.FrameBundle, "test")
	_ = ctx.VariablePut("hosts", []string{"a", "b"}, engine.VarSlist, nil)
	_ = ctx.VariablePut("ports", []string{"80", "443", "8080"}, engine.VarSlist, nil)

	p := &engine.Promise{
		Promiser: engine.ScalarRval("$(hosts):$(ports)"),
	}

	w := New()
	total, err := w.Prepare(ctx, p)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if total != 6 {
		t.Fatalf("got total %d, want 6", total)
	}

	count := 0
	for w.Next(ctx) {
		count++
	}
	if count != 6 {
		t.Fatalf("iterated %d times, want 6", count)
	}
	if w.Next(ctx) {
		t.Fatalf("wheel should be exhausted")
	}
}

func TestWheelNoLists(t *testing.T) {
	ctx := engine.NewContext(nil, false)
	p := &engine.Promise{Promiser: engine.ScalarRval("/etc/motd")}

	w := New()
	total, err := w.Prepare(ctx, p)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if total != 1 {
		t.Fatalf("got total %d, want 1", total)
	}
	if !w.Next(ctx) {
		t.Fatalf("expected exactly one iteration")
	}
	if w.Next(ctx) {
		t.Fatalf("expected no second iteration")
	}
}

func TestWheelExemptsIfelseArguments(t *testing.T) {
	ctx := engine.NewContext(nil, false)
	ctx.PushFrame(engine.FrameBundle, "test")
	_ = ctx.VariablePut("candidates", []string{"x", "y", "z"}, engine.VarSlist, nil)

	p := &engine.Promise{
		Promiser: engine.ScalarRval("fixed"),
		Constraints: []engine.Constraint{
			{Lval: "comment", Rval: engine.FnCallRval("ifelse",
				engine.ScalarRval("any"), engine.ScalarRval("$(candidates)"))},
		},
	}

	w := New()
	total, err := w.Prepare(ctx, p)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if total != 1 {
		t.Fatalf("ifelse arguments must not feed the odometer, got total %d", total)
	}
	if !w.HasIfelse(p) {
		t.Fatalf("expected HasIfelse to detect the ifelse call")
	}
}
