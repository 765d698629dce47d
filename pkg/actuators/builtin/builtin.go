// Package builtin implements the actuators every base policy can rely on
// without loading a WASM plugin: vars, classes, files, commands, packages,
// and services. Each is grounded on the corresponding legacy_runner
// handler (pkg/actuators/legacy_runner/handlers) for the actual system
// call it makes, adapted from a subprocess-and-JSON-params shape to the
// direct engine.Actuator call the dispatcher makes in-process.
package builtin

import (
	"strconv"

	"github.com/cfengined/cfengined/pkg/engine"
)

// constraint looks up the first constraint with the given lval.
func constraint(p *engine.Promise, lval string) (engine.Rvalue, bool) {
	for _, c := range p.Constraints {
		if c.Lval == lval {
			return c.Rval, true
		}
	}
	return engine.Rvalue{}, false
}

// scalarConstraint returns the scalar string value of a constraint, or def
// if the constraint is absent or not a scalar.
func scalarConstraint(p *engine.Promise, lval, def string) string {
	rv, ok := constraint(p, lval)
	if !ok || !rv.IsScalar() {
		return def
	}
	return rv.Scalar
}

func boolConstraint(p *engine.Promise, lval string, def bool) bool {
	rv, ok := constraint(p, lval)
	if !ok || !rv.IsScalar() {
		return def
	}
	b, err := strconv.ParseBool(rv.Scalar)
	if err != nil {
		return def
	}
	return b
}

// listConstraint flattens a list constraint to strings; a naked-dereferenced
// scalar is treated as a one-element list so callers don't special-case it.
func listConstraint(p *engine.Promise, lval string) []string {
	rv, ok := constraint(p, lval)
	if !ok {
		return nil
	}
	return rvalStrings(rv)
}

func rvalStrings(rv engine.Rvalue) []string {
	switch rv.Type {
	case engine.RvalScalar:
		return []string{rv.Scalar}
	case engine.RvalList:
		out := make([]string, 0, len(rv.List))
		for _, item := range rv.List {
			out = append(out, rvalStrings(item)...)
		}
		return out
	default:
		return nil
	}
}

func promiserString(p *engine.Promise) string {
	if p.Promiser.IsScalar() {
		return p.Promiser.Scalar
	}
	return ""
}

// result builds an ActuationResult, defaulting Details to nil so callers
// don't have to allocate an empty map for the common case.
func result(outcome engine.Outcome, message string) *engine.ActuationResult {
	return &engine.ActuationResult{Outcome: outcome, Message: message}
}

// RegisterAll registers every builtin actuator on reg. remote may be nil,
// in which case a remote_exec/remote_copy attribute fails the promise
// instead of dispatching over SSH.
func RegisterAll(reg engine.ActuatorRegistry, remote *RemoteDispatcher) error {
	actuators := []engine.Actuator{
		NewVars(),
		NewClasses(),
		NewFiles(remote),
		NewCommands(remote),
		NewPackages(),
		NewServices(nil),
	}
	for _, a := range actuators {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}
