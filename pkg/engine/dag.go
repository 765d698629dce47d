package engine

import (
	"fmt"
	"strings"
)

// bodyKey uniquely identifies a body by type and name, since two bodies of
// different types may share a name.
func bodyKey(typ, name string) string { return typ + ":" + name }

// BodyGraphBuilder builds the inheritance graph over a policy's bodies,
// validates it is acyclic, and computes a resolution order in which a
// body's ancestors are always resolved before the body itself.
type BodyGraphBuilder struct {
	bodies map[string]*Body

	// adjacencyList maps a body key to the keys of bodies that inherit
	// from it directly.
	adjacencyList map[string][]string

	// inDegree tracks how many bodies a given body directly inherits from.
	inDegree map[string]int

	// levels groups body keys by resolution order; level 0 has no
	// ancestors.
	levels [][]string
}

func NewBodyGraphBuilder() *BodyGraphBuilder {
	return &BodyGraphBuilder{
		bodies:        make(map[string]*Body),
		adjacencyList: make(map[string][]string),
		inDegree:      make(map[string]int),
	}
}

// BuildAndValidate indexes bodies, checks for duplicate (type, name) pairs
// and missing InheritFrom targets, detects inheritance cycles, and returns
// the bodies in an order safe for merging ancestors before descendants.
func (b *BodyGraphBuilder) BuildAndValidate(bodies []*Body) ([]*Body, error) {
	if len(bodies) == 0 {
		return nil, nil
	}

	if err := b.initialize(bodies); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	ordered := make([]*Body, 0, len(bodies))
	for _, level := range b.levels {
		for _, key := range level {
			ordered = append(ordered, b.bodies[key])
		}
	}
	return ordered, nil
}

func (b *BodyGraphBuilder) initialize(bodies []*Body) error {
	for _, body := range bodies {
		key := bodyKey(body.Type, body.Name)
		if _, exists := b.bodies[key]; exists {
			return NewPolicyError(fmt.Sprintf("duplicate body %s %s", body.Type, body.Name), nil).
				WithCode(ErrCodeCycle)
		}
		b.bodies[key] = body
		if _, ok := b.adjacencyList[key]; !ok {
			b.adjacencyList[key] = nil
		}
		b.inDegree[key] = 0
	}

	for _, body := range bodies {
		key := bodyKey(body.Type, body.Name)
		for _, parentName := range body.InheritFrom {
			parentKey := bodyKey(body.Type, parentName)
			if _, exists := b.bodies[parentKey]; !exists {
				return NewPolicyError(
					fmt.Sprintf("body %s %s inherits from undefined body %s", body.Type, body.Name, parentName),
					nil,
				).WithCode(ErrCodeCycle)
			}
			// Edge from parent to child: parent must resolve first.
			b.adjacencyList[parentKey] = append(b.adjacencyList[parentKey], key)
			b.inDegree[key]++
		}
	}

	return nil
}

func (b *BodyGraphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for key := range b.bodies {
		if visited[key] {
			continue
		}
		if cycle := b.detectCyclesUtil(key, visited, recStack, nil); cycle != nil {
			return NewPolicyError(
				fmt.Sprintf("body inheritance cycle detected: %s", strings.Join(cycle, " -> ")),
				nil,
			).WithCode(ErrCodeCycle)
		}
	}
	return nil
}

func (b *BodyGraphBuilder) detectCyclesUtil(key string, visited, recStack map[string]bool, path []string) []string {
	visited[key] = true
	recStack[key] = true
	path = append(path, key)

	for _, child := range b.adjacencyList[key] {
		if !visited[child] {
			if cycle := b.detectCyclesUtil(child, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[child] {
			start := -1
			for i, id := range path {
				if id == child {
					start = i
					break
				}
			}
			if start >= 0 {
				return append(path[start:], child)
			}
			return []string{child}
		}
	}

	recStack[key] = false
	return nil
}

// computeLevels assigns a resolution level to each body using Kahn's
// algorithm: bodies with no ancestors resolve at level 0, and a body
// resolves only once every body it inherits from has resolved.
func (b *BodyGraphBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for k, v := range b.inDegree {
		inDegreeCopy[k] = v
	}

	current := make([]string, 0)
	for key, degree := range inDegreeCopy {
		if degree == 0 {
			current = append(current, key)
		}
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, key := range current {
			for _, child := range b.adjacencyList[key] {
				inDegreeCopy[child]--
				if inDegreeCopy[child] == 0 {
					next = append(next, child)
				}
			}
		}
		current = next
	}

	if processed != len(b.bodies) {
		return NewFatalError("failed to resolve all bodies - cycle detection missed an edge", nil).
			WithCode(ErrCodeCycle)
	}
	return nil
}

// GetLevels returns the computed resolution levels, grouped by depth from
// bodies with no ancestors.
func (b *BodyGraphBuilder) GetLevels() [][]string {
	return b.levels
}
