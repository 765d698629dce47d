package builtin

import (
	"context"

	"github.com/cfengined/cfengined/pkg/engine"
)

// varTypeKeywords maps the constraint lval cfengine uses to declare a
// variable's type to the VarType the evaluation context stores it under.
var varTypeKeywords = map[string]engine.VarType{
	"string":  engine.VarString,
	"int":     engine.VarInt,
	"real":    engine.VarReal,
	"slist":   engine.VarSlist,
	"ilist":   engine.VarSlist,
	"rlist":   engine.VarSlist,
	"data":    engine.VarContainer,
}

// Vars implements the "vars" promise type (C1): "name" TYPE => value;
// defines a variable in the innermost bundle scope via Context.VariablePut.
type Vars struct{}

func NewVars() *Vars { return &Vars{} }

func (v *Vars) PromiseType() string { return "vars" }

func (v *Vars) Actuate(_ context.Context, iter *engine.PromiseIteration) (*engine.ActuationResult, error) {
	p := iter.Promise
	name := promiserString(p)
	if name == "" {
		return result(engine.FAIL, "vars promiser must be a scalar variable name"), nil
	}
	if iter.EvalContext == nil {
		return result(engine.FAIL, "no evaluation context attached to iteration"), nil
	}

	var typ engine.VarType
	var rval engine.Rvalue
	var found bool
	for _, c := range p.Constraints {
		if t, ok := varTypeKeywords[c.Lval]; ok {
			typ, rval, found = t, c.Rval, true
			break
		}
	}
	if !found {
		return result(engine.SKIPPED, "no recognized type constraint on vars promise"), nil
	}

	if iter.DryRun {
		return result(engine.WARN, "would define "+name), nil
	}

	if _, _, exists := iter.EvalContext.VariableGet(name); exists {
		return result(engine.NOOP, name+" already defined"), nil
	}

	value := nativeValue(rval)
	if err := iter.EvalContext.VariablePut(name, value, typ, nil); err != nil {
		return nil, err
	}
	return result(engine.CHANGE, "defined "+name), nil
}

// nativeValue converts an expanded Rvalue into the plain Go value the
// evaluation context's variable table stores (string, []string, or a
// decoded container).
func nativeValue(rv engine.Rvalue) interface{} {
	switch rv.Type {
	case engine.RvalScalar:
		return rv.Scalar
	case engine.RvalList:
		return rvalStrings(rv)
	case engine.RvalContainer:
		return rv.Container
	default:
		return nil
	}
}
