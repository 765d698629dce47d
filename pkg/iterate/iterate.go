// Package iterate implements the iteration engine (C3): discovery of the
// list-valued variables referenced by a promise (the "wheel"), and an
// odometer that walks every combination of their elements, grounded on
// libpromises/expand.c's MapIteratorsFromRval/PromiseIteratorNext.
package iterate

import (
	"regexp"
	"sort"

	"github.com/cfengined/cfengined/pkg/engine"
)

var refPattern = regexp.MustCompile(`\$[({]([A-Za-z0-9_.\[\]]+)[)}]`)

// exemptFunctions take a list argument and fold it into a scalar or a new
// list themselves; their list arguments must not also feed the odometer,
// or every element would be iterated twice over.
var exemptFunctions = map[string]bool{
	"ifelse":   true,
	"maplist":  true,
	"mapdata":  true,
	"maparray": true,
}

// Wheel is the C3 iteration engine for a single promise. It is not safe
// for concurrent use; the dispatcher owns exactly one Wheel per promise
// it is currently expanding.
type Wheel struct {
	keys    []string
	values  [][]engine.Rvalue
	indices []int
	total   int
	started bool
	done    bool
}

func New() *Wheel { return &Wheel{} }

// Prepare discovers every list/container variable referenced (by naked
// dereference) in p's promiser and constraints, and returns the number of
// iterations the cross product of their lengths requires. A promise with
// no list references iterates exactly once.
func (w *Wheel) Prepare(ctx *engine.Context, p *engine.Promise) (int, error) {
	refs := make(map[string]bool)
	discoverRefs(p.Promiser, refs)
	for _, c := range p.Constraints {
		discoverRefs(c.Rval, refs)
	}

	w.keys = nil
	for ref := range refs {
		val, typ, ok := ctx.VariableGet(ref)
		if !ok {
			continue
		}
		items, isList := listItems(val, typ)
		if !isList {
			continue
		}
		w.keys = append(w.keys, ref)
		_ = items
	}
	sort.Strings(w.keys)

	w.values = make([][]engine.Rvalue, len(w.keys))
	w.total = 1
	for i, ref := range w.keys {
		val, typ, _ := ctx.VariableGet(ref)
		items, _ := listItems(val, typ)
		w.values[i] = items
		w.total *= len(items)
	}
	if len(w.keys) == 0 {
		w.total = 1
	}

	w.indices = make([]int, len(w.keys))
	w.started = false
	w.done = false
	return w.total, nil
}

// HasIfelse reports whether p's promiser or any constraint invokes ifelse,
// which always actuates once even when none of its own condition/value
// arguments are exposed to the odometer.
func (w *Wheel) HasIfelse(p *engine.Promise) bool {
	if callsIfelse(p.Promiser) {
		return true
	}
	for _, c := range p.Constraints {
		if callsIfelse(c.Rval) {
			return true
		}
	}
	return false
}

// Next advances to the next combination, binding ctx's "this" scope with
// each wheel variable's current element, and reports whether a
// combination remains. The first call after Prepare binds the first
// combination (all zero indices) rather than advancing past it.
func (w *Wheel) Next(ctx *engine.Context) bool {
	if w.done {
		return false
	}
	if w.total == 0 {
		w.done = true
		return false
	}

	if !w.started {
		w.started = true
	} else if !w.advance() {
		w.done = true
		return false
	}

	for i, ref := range w.keys {
		ctx.SetThis(ref, engine.Variable{Ref: ref, Type: engine.VarString, Value: stringifyRval(w.values[i][w.indices[i]])})
		ctx.SetThis("this", engine.Variable{Ref: "this", Type: engine.VarString, Value: stringifyRval(w.values[i][w.indices[i]])})
	}
	return true
}

func (w *Wheel) advance() bool {
	for i := len(w.indices) - 1; i >= 0; i-- {
		w.indices[i]++
		if w.indices[i] < len(w.values[i]) {
			return true
		}
		w.indices[i] = 0
	}
	return false
}

func discoverRefs(rval engine.Rvalue, refs map[string]bool) {
	switch rval.Type {
	case engine.RvalScalar:
		for _, m := range refPattern.FindAllStringSubmatch(rval.Scalar, -1) {
			refs[m[1]] = true
		}
	case engine.RvalList:
		for _, item := range rval.List {
			discoverRefs(item, refs)
		}
	case engine.RvalFnCall:
		if exemptFunctions[rval.FnName] {
			return
		}
		for _, arg := range rval.FnArgs {
			discoverRefs(arg, refs)
		}
	}
}

func callsIfelse(rval engine.Rvalue) bool {
	if rval.Type == engine.RvalFnCall && rval.FnName == "ifelse" {
		return true
	}
	for _, arg := range rval.FnArgs {
		if callsIfelse(arg) {
			return true
		}
	}
	for _, item := range rval.List {
		if callsIfelse(item) {
			return true
		}
	}
	return false
}

func listItems(val interface{}, typ engine.VarType) ([]engine.Rvalue, bool) {
	switch typ {
	case engine.VarSlist, engine.VarRlist:
		items, ok := val.([]string)
		if !ok {
			return nil, false
		}
		out := make([]engine.Rvalue, len(items))
		for i, s := range items {
			out[i] = engine.ScalarRval(s)
		}
		return out, true
	case engine.VarContainer:
		items, ok := val.([]interface{})
		if !ok {
			return nil, false
		}
		out := make([]engine.Rvalue, len(items))
		for i, v := range items {
			out[i] = engine.ContainerRval(v)
		}
		return out, true
	default:
		return nil, false
	}
}

func stringifyRval(rv engine.Rvalue) string {
	if rv.IsScalar() {
		return rv.Scalar
	}
	return ""
}
