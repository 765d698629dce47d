package builtin

import (
	"context"
	"strconv"
	"time"

	"github.com/cfengined/cfengined/pkg/engine"
)

// Classes implements the "classes" promise type (C1): "name" expression =>
// condition; defines a class when the guard (if any) holds, choosing hard,
// soft, or persistent storage from the promise's constraints.
type Classes struct{}

func NewClasses() *Classes { return &Classes{} }

func (c *Classes) PromiseType() string { return "classes" }

func (c *Classes) Actuate(_ context.Context, iter *engine.PromiseIteration) (*engine.ActuationResult, error) {
	p := iter.Promise
	name := promiserString(p)
	if name == "" {
		return result(engine.FAIL, "classes promiser must be a scalar class name"), nil
	}
	if iter.EvalContext == nil {
		return result(engine.FAIL, "no evaluation context attached to iteration"), nil
	}

	if cond, ok := constraint(p, "expression"); ok && cond.IsScalar() && cond.Scalar == "!any" {
		return result(engine.SKIPPED, "expression !any"), nil
	}

	if iter.DryRun {
		return result(engine.WARN, "would define class "+name), nil
	}

	scope := scalarConstraint(p, "scope", "bundle")
	persistMins := scalarConstraint(p, "persistence", "")

	var err error
	switch {
	case persistMins != "":
		mins, perr := strconv.Atoi(persistMins)
		if perr != nil {
			return result(engine.FAIL, "persistence must be an integer number of minutes"), nil
		}
		policy := engine.ClassPromotionPreserve
		if boolConstraint(p, "persistence_reset", false) {
			policy = engine.ClassPromotionReset
		}
		err = iter.EvalContext.ClassPutPersistent(iter.Bundle, name, time.Duration(mins)*time.Minute, policy, time.Now())
	case scope == "namespace":
		iter.EvalContext.ClassPutHard(name, nil)
	default:
		err = iter.EvalContext.ClassPutSoft(name, nil)
	}
	if err != nil {
		return nil, err
	}
	return result(engine.CHANGE, "defined class "+name), nil
}
