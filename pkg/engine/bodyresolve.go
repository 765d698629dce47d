package engine

// DefaultBodyResolver implements BodyResolver: it deep-copies a promise
// and folds in every body it references (by constraint rvals shaped like
// a bare body name), taking each attribute from the most specific body in
// the inheritance chain that sets it, so a more specific body's attributes
// override its ancestors', per
// SPEC_FULL's body-inheritance merge step of the dispatch algorithm.
type DefaultBodyResolver struct{}

func NewDefaultBodyResolver() *DefaultBodyResolver { return &DefaultBodyResolver{} }

// ResolvePromise returns a copy of p in which each body-reference
// constraint is replaced by the referenced body's constraints, inherited
// ones included; p's directly-stated attributes always win over anything
// a body supplies.
func (r *DefaultBodyResolver) ResolvePromise(policy *Policy, p *Promise) (*Promise, error) {
	resolved := *p
	resolved.Constraints = append([]Constraint(nil), p.Constraints...)

	merged := make([]Constraint, 0, len(resolved.Constraints))
	seen := make(map[string]bool, len(resolved.Constraints))

	// Directly-stated attributes are claimed first so no body can supply a
	// second value for them.
	for _, c := range resolved.Constraints {
		if !c.Rval.IsScalar() || policy.BodyByName(p.PromiseType, c.Rval.Scalar) == nil {
			seen[c.Lval] = true
		}
	}

	for _, c := range resolved.Constraints {
		if !c.Rval.IsScalar() {
			merged = append(merged, c)
			seen[c.Lval] = true
			continue
		}

		body := policy.BodyByName(p.PromiseType, c.Rval.Scalar)
		if body == nil {
			merged = append(merged, c)
			seen[c.Lval] = true
			continue
		}

		chain, err := r.inheritanceChain(policy, body)
		if err != nil {
			return nil, err
		}
		for i := len(chain) - 1; i >= 0; i-- {
			for _, bc := range chain[i].Constraints {
				if !seen[bc.Lval] {
					merged = append(merged, bc)
					seen[bc.Lval] = true
				}
			}
		}
	}

	resolved.Constraints = merged
	return &resolved, nil
}

// inheritanceChain returns body's ancestors oldest-first, followed by
// body itself, validating there is no cycle along the way.
func (r *DefaultBodyResolver) inheritanceChain(policy *Policy, body *Body) ([]*Body, error) {
	visited := make(map[string]bool)
	var chain []*Body

	var walk func(b *Body) error
	walk = func(b *Body) error {
		key := bodyKey(b.Type, b.Name)
		if visited[key] {
			return NewPolicyError("body inheritance cycle detected", nil).WithCode(ErrCodeCycle).WithDetail("body", key)
		}
		visited[key] = true
		for _, parentName := range b.InheritFrom {
			parent := policy.BodyByName(b.Type, parentName)
			if parent == nil {
				return NewPolicyError("body inherits from undefined body", nil).WithDetail("body", key).WithDetail("parent", parentName)
			}
			if err := walk(parent); err != nil {
				return err
			}
		}
		chain = append(chain, b)
		return nil
	}

	if err := walk(body); err != nil {
		return nil, err
	}
	return chain, nil
}
