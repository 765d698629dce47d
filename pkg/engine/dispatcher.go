package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"
)

// ClassEvaluator evaluates a class-guard expression against a combined
// class set. Implemented by pkg/classalgebra; declared here so this
// package does not import its own consumer.
type ClassEvaluator interface {
	Evaluate(expr string, classes map[string]bool) (bool, error)
}

// Expander resolves variable and function-call references in an Rvalue.
// Implemented by pkg/expand.
type Expander interface {
	ExpandRval(ctx *Context, namespace string, rval Rvalue) (Rvalue, error)
}

// IterationWheel drives the cross-product iteration over the references a
// promise's rvalues contain. Implemented by pkg/iterate.
type IterationWheel interface {
	// Prepare discovers wheels from the promise's promiser/promisee/
	// constraints and returns the number of iterations in the cross
	// product (0 means the promise is suppressed, except ifelse).
	Prepare(ctx *Context, p *Promise) (int, error)

	// Next advances to the next tuple, binding iterator variables into
	// ctx's innermost frame. Returns false once exhausted.
	Next(ctx *Context) bool

	// HasIfelse reports whether p's constraints reference the ifelse
	// builtin, which forces at least one actuation.
	HasIfelse(p *Promise) bool
}

// BodyResolver merges a promise's body-reference constraints, walking
// InheritFrom oldest-first so later attributes override earlier ones.
type BodyResolver interface {
	ResolvePromise(policy *Policy, p *Promise) (*Promise, error)
}

// Dispatcher is the promise dispatcher (C4): it walks a Policy's bundles in
// declared order and actuates each promise against the evaluation context.
type Dispatcher struct {
	Classes   ClassEvaluator
	Expand    Expander
	Iterate   IterationWheel
	Bodies    BodyResolver
	Actuators ActuatorRegistry
	Compliance ComplianceEngine // nil disables the veto layer
	Locks     LockAcquirer
	Events    EventPublisher // nil disables event emission

	// PromiseTypeOrder is the normal dispatch order within a bundle;
	// promise types not listed run after it, in declared order.
	PromiseTypeOrder []string
}

// LockAcquirer is the subset of the lock registry (C6) the dispatcher
// needs to gate non-idempotent actuators behind ifelapsed/expireafter.
type LockAcquirer interface {
	Acquire(ctx context.Context, key string, ifElapsed, expireAfter time.Duration) (release func(success bool), err error)
}

const maxConvergencePasses = 3

// Run evaluates every bundle in policy.Bundles against ctx, returning the
// aggregated outcome of the whole run. It performs up to three
// convergence passes, stopping early once a pass introduces no new
// classes and no CHANGE outcomes.
func (d *Dispatcher) Run(goCtx context.Context, ctx *Context, policy *Policy, runID string, dryRun bool) (*Run, error) {
	run := &Run{ID: runID, StartedAt: time.Now(), DryRun: dryRun}

	prevClassCount := len(ctx.CombinedClasses("", time.Now()))
	for pass := 1; pass <= maxConvergencePasses; pass++ {
		run.Passes = pass
		passOutcome := NOOP
		sawChange := false

		for _, bundle := range policy.Bundles {
			outcome, err := d.runBundle(goCtx, ctx, policy, bundle, runID, pass, dryRun)
			if err != nil {
				return run, err
			}
			passOutcome = Aggregate(passOutcome, outcome)
			if outcome == CHANGE {
				sawChange = true
			}
		}

		run.Outcome = Aggregate(run.Outcome, passOutcome)
		classCount := len(ctx.CombinedClasses("", time.Now()))
		if !sawChange && classCount == prevClassCount {
			break
		}
		prevClassCount = classCount
	}

	now := time.Now()
	run.EndedAt = &now
	return run, nil
}

func (d *Dispatcher) runBundle(goCtx context.Context, ctx *Context, policy *Policy, bundle *Bundle, runID string, pass int, dryRun bool) (Outcome, error) {
	ctx.PushFrame(FrameBundle, bundle.Name)
	defer ctx.PopFrame(FrameBundle)

	outcome := NOOP
	for _, promiseType := range d.orderedSectionTypes(bundle) {
		section := bundle.SectionByType(promiseType)
		if section == nil {
			continue
		}
		for _, p := range section.Promises {
			o, err := d.DispatchPromise(goCtx, ctx, policy, p, bundle.Name, runID, pass, dryRun)
			if err != nil && !IsPolicyError(err) && !IsExpansionError(err) {
				return outcome, err
			}
			outcome = Aggregate(outcome, o)
		}
	}
	return outcome, nil
}

// orderedSectionTypes returns bundle's promise types in the configured
// normal order, followed by any remaining types in declared order.
func (d *Dispatcher) orderedSectionTypes(bundle *Bundle) []string {
	seen := make(map[string]bool, len(bundle.Sections))
	ordered := make([]string, 0, len(bundle.Sections))

	for _, t := range d.PromiseTypeOrder {
		if bundle.SectionByType(t) != nil && !seen[t] {
			ordered = append(ordered, t)
			seen[t] = true
		}
	}
	for _, s := range bundle.Sections {
		if !seen[s.PromiseType] {
			ordered = append(ordered, s.PromiseType)
			seen[s.PromiseType] = true
		}
	}
	return ordered
}

// DispatchPromise runs the full C4 algorithm for a single promise: guard
// check, body-inheritance merge, iteration, per-iteration actuation,
// compliance veto, and outcome aggregation.
func (d *Dispatcher) DispatchPromise(goCtx context.Context, ctx *Context, policy *Policy, p *Promise, bundle, runID string, pass int, dryRun bool) (Outcome, error) {
	combined := ctx.CombinedClasses(bundle, time.Now())
	if p.Guard != "" {
		ok, err := d.Classes.Evaluate(p.Guard, combined)
		if err != nil {
			return FAIL, NewPolicyError("invalid class guard", err).WithPromise(p.ID).WithBundle(bundle)
		}
		if !ok {
			d.emit(goCtx, runID, p, bundle, pass, SKIPPED, "guard not satisfied")
			return SKIPPED, nil
		}
	}

	resolved, err := d.Bodies.ResolvePromise(policy, p)
	if err != nil {
		return FAIL, NewPolicyError("body resolution failed", err).WithPromise(p.ID).WithBundle(bundle)
	}

	ctx.PushFrame(FramePromise, resolved.ID)
	defer ctx.PopFrame(FramePromise)

	n, err := d.Iterate.Prepare(ctx, resolved)
	if err != nil {
		return FAIL, NewExpansionError("iterator preparation failed", err).WithPromise(p.ID).WithBundle(bundle)
	}
	if n == 0 && !d.Iterate.HasIfelse(resolved) {
		d.emit(goCtx, runID, p, bundle, pass, SKIPPED, "empty iteration wheel")
		return SKIPPED, nil
	}
	if n == 0 {
		n = 1
	}

	outcome := NOOP
	actuator, hasActuator := d.Actuators.Get(resolved.PromiseType)

	for i := 0; i < n; i++ {
		ctx.PushFrame(FrameIteration, resolved.ID)
		ctx.SetThis("promiser", Variable{Ref: "this.promiser", Type: VarString, Value: resolved.Promiser.Scalar})
		ctx.SetThis("handle", Variable{Ref: "this.handle", Type: VarString, Value: resolved.Handle})
		ctx.SetThis("promise_filename", Variable{Ref: "this.promise_filename", Type: VarString, Value: resolved.Location.File})
		ctx.SetThis("promise_dirname", Variable{Ref: "this.promise_dirname", Type: VarString, Value: filepath.Dir(resolved.Location.File)})
		if i > 0 || n > 1 {
			d.Iterate.Next(ctx)
		}

		expanded, err := d.expandPromise(ctx, resolved)
		if err != nil {
			ctx.PopFrame(FrameIteration)
			return FAIL, err
		}

		iterOutcome, err := d.actuateIteration(goCtx, ctx, expanded, bundle, runID, pass, dryRun, actuator, hasActuator, combined)
		if err != nil {
			ctx.PopFrame(FrameIteration)
			return FAIL, err
		}
		outcome = Aggregate(outcome, iterOutcome)

		if resolved.PromiseType == "vars" || resolved.PromiseType == "meta" {
			// Double rate: re-expand so peers in the same pass see the
			// variable this iteration may just have defined.
			if _, err := d.expandPromise(ctx, resolved); err != nil {
				ctx.PopFrame(FrameIteration)
				return FAIL, err
			}
		}

		ctx.PopFrame(FrameIteration)
	}

	d.emit(goCtx, runID, p, bundle, pass, outcome, "")
	return outcome, nil
}

func (d *Dispatcher) expandPromise(ctx *Context, p *Promise) (*Promise, error) {
	expanded := *p
	var err error
	if expanded.Promiser, err = d.Expand.ExpandRval(ctx, "", p.Promiser); err != nil {
		return nil, NewExpansionError("expanding promiser", err).WithPromise(p.ID)
	}
	expanded.Constraints = make([]Constraint, len(p.Constraints))
	for i, c := range p.Constraints {
		rv, err := d.Expand.ExpandRval(ctx, "", c.Rval)
		if err != nil {
			return nil, NewExpansionError("expanding constraint "+c.Lval, err).WithPromise(p.ID)
		}
		expanded.Constraints[i] = Constraint{Lval: c.Lval, Rval: rv}
	}
	return &expanded, nil
}

func (d *Dispatcher) actuateIteration(goCtx context.Context, ctx *Context, expanded *Promise, bundle, runID string, pass int, dryRun bool, actuator Actuator, hasActuator bool, classesBefore map[string]bool) (Outcome, error) {
	iter := &PromiseIteration{Promise: expanded, Bundle: bundle, Pass: pass, DryRun: dryRun, RunID: runID, EvalContext: ctx}

	if !hasActuator {
		return FAIL, NewSystemError("no actuator registered for promise type "+expanded.PromiseType, nil).WithPromise(expanded.ID)
	}

	var release func(bool)
	if d.Locks != nil {
		ifElapsed, expireAfter := lockDurations(expanded)
		r, err := d.Locks.Acquire(goCtx, lockKey(bundle, expanded), ifElapsed, expireAfter)
		if err != nil {
			if IsLockContention(err) {
				return SKIPPED, nil
			}
			return FAIL, err
		}
		release = r
	}

	result, actErr := actuator.Actuate(goCtx, iter)
	success := actErr == nil && result != nil && result.Outcome != FAIL
	if release != nil {
		release(success)
	}
	if actErr != nil {
		return FAIL, NewSystemError("actuator error", actErr).WithPromise(expanded.ID)
	}

	if d.Compliance != nil {
		verdict, err := d.Compliance.Evaluate(goCtx, iter, result)
		if err != nil {
			return FAIL, NewSystemError("compliance evaluation failed", err).WithPromise(expanded.ID)
		}
		if !verdict.Allowed {
			return DENIED, nil
		}
	}

	return result.Outcome, nil
}

func (d *Dispatcher) emit(goCtx context.Context, runID string, p *Promise, bundle string, pass int, outcome Outcome, message string) {
	if d.Events == nil {
		return
	}
	_ = d.Events.Publish(goCtx, &Event{
		RunID:     runID,
		PromiseID: p.ID,
		Bundle:    bundle,
		Pass:      pass,
		Outcome:   outcome,
		Timestamp: time.Now(),
		Message:   message,
	})
}

func lockKey(bundle string, p *Promise) string {
	return bundle + "/" + p.PromiseType + "/" + p.Promiser.Scalar + "/" + p.Handle
}

func lockDurations(p *Promise) (ifElapsed, expireAfter time.Duration) {
	for _, c := range p.Constraints {
		switch c.Lval {
		case "ifelapsed":
			if c.Rval.IsScalar() {
				if mins, err := parseMinutes(c.Rval.Scalar); err == nil {
					ifElapsed = mins
				}
			}
		case "expireafter":
			if c.Rval.IsScalar() {
				if mins, err := parseMinutes(c.Rval.Scalar); err == nil {
					expireAfter = mins
				}
			}
		}
	}
	return
}

func parseMinutes(s string) (time.Duration, error) {
	var mins int
	_, err := fmt.Sscan(s, &mins)
	if err != nil {
		return 0, err
	}
	return time.Duration(mins) * time.Minute, nil
}
