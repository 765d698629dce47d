package engine

import (
	"strings"
	"sync"
	"time"
)

// FrameKind tags a Context stack frame by the policy construct it was
// pushed for.
type FrameKind int

const (
	FrameBundle FrameKind = iota
	FrameSection
	FrameBody
	FramePromise
	FrameIteration
)

func (k FrameKind) String() string {
	switch k {
	case FrameBundle:
		return "bundle"
	case FrameSection:
		return "section"
	case FrameBody:
		return "body"
	case FramePromise:
		return "promise"
	case FrameIteration:
		return "iteration"
	default:
		return "unknown"
	}
}

// Frame is one entry on the Context stack: a variable table and a soft
// class set scoped to one bundle, body, promise, or iteration step.
type Frame struct {
	Kind FrameKind
	Ref  string

	vars    map[string]Variable
	classes map[string]Class
}

func newFrame(kind FrameKind, ref string) *Frame {
	return &Frame{
		Kind:    kind,
		Ref:     ref,
		vars:    make(map[string]Variable),
		classes: make(map[string]Class),
	}
}

// Context is the evaluation context (C1): a stack of frames, plus the
// process-wide hard class set and the special "sys"/"const" variable
// tables. One Context exists per agent invocation.
type Context struct {
	mu sync.Mutex

	stack []*Frame

	hardClasses map[string]Class
	sysVars     map[string]Variable
	constVars   map[string]Variable

	// persist is consulted for persistent classes (class_put_persistent,
	// class_is_defined); nil disables persistence (e.g. in "plan" mode).
	persist PersistentClassStore

	// this is the special "this" scope, repopulated on every
	// promise-iteration frame push.
	this map[string]Variable

	dryRun bool
}

// PersistentClassStore is the subset of C7 the context needs to read and
// write persistent classes without importing pkg/kvstore directly.
type PersistentClassStore interface {
	PutClass(namespace, name string, expiresAt time.Time) error
	GetClasses(namespace string) (map[string]time.Time, error)
}

// NewContext creates a fresh evaluation context with empty hard/sys/const
// tables. Use VariablePut with a "sys." ref and ClassPutHard to seed it
// from a Discoverer before evaluating any bundle.
func NewContext(persist PersistentClassStore, dryRun bool) *Context {
	return &Context{
		hardClasses: make(map[string]Class),
		sysVars:     make(map[string]Variable),
		constVars:   make(map[string]Variable),
		persist:     persist,
		dryRun:      dryRun,
	}
}

func (c *Context) DryRun() bool { return c.dryRun }

// PushFrame pushes a new frame of the given kind onto the stack. Pushing a
// FrameIteration frame clears the "this" scope of any prior iteration's
// bindings; the dispatcher then binds promiser, promise_filename,
// promise_dirname, and handle into it.
func (c *Context) PushFrame(kind FrameKind, ref string) *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := newFrame(kind, ref)
	c.stack = append(c.stack, f)
	if kind == FrameIteration {
		c.this = make(map[string]Variable)
	}
	return f
}

// PopFrame pops the innermost frame, asserting it matches kind.
func (c *Context) PopFrame(kind FrameKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.stack) == 0 {
		return NewSystemError("pop_frame on empty stack", nil).WithCode(ErrCodeScopeAbsent)
	}
	top := c.stack[len(c.stack)-1]
	if top.Kind != kind {
		return NewSystemError("pop_frame kind mismatch", nil).
			WithCode(ErrCodeScopeAbsent).
			WithDetail("expected", kind.String()).
			WithDetail("actual", top.Kind.String())
	}
	c.stack = c.stack[:len(c.stack)-1]
	return nil
}

// TopFrame returns the innermost frame, or nil if the stack is empty.
func (c *Context) TopFrame() *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stack) == 0 {
		return nil
	}
	return c.stack[len(c.stack)-1]
}

// SetThis binds a key in the special "this" scope, used for iterator
// bindings and the promiser/handle/filename keys populated on iteration
// frame push.
func (c *Context) SetThis(key string, value Variable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.this == nil {
		c.this = make(map[string]Variable)
	}
	c.this[key] = value
}

// VariablePut writes a variable into the innermost frame (bundle scope for
// a bare name, or the named scope when ref carries one), returning
// SCOPE_ABSENT when no frame of the requested scope is open.
func (c *Context) VariablePut(ref string, value interface{}, typ VarType, tags map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	scope, name := splitScope(ref)
	switch scope {
	case "sys":
		c.sysVars[name] = Variable{Ref: ref, Type: typ, Value: value, Tags: tags}
		return nil
	case "const":
		c.constVars[name] = Variable{Ref: ref, Type: typ, Value: value, Tags: tags}
		return nil
	case "this":
		if c.this == nil {
			c.this = make(map[string]Variable)
		}
		c.this[name] = Variable{Ref: ref, Type: typ, Value: value, Tags: tags}
		return nil
	}

	frame := c.innermostBundleFrame()
	if frame == nil {
		return NewExpansionError("variable_put: no frame in scope", nil).
			WithCode(ErrCodeScopeAbsent).
			WithDetail("ref", ref)
	}
	frame.vars[ref] = Variable{Ref: ref, Type: typ, Value: value, Tags: tags}
	return nil
}

// VariableGet searches the frame stack inner-to-outer, falling through to
// the special this/sys/const scopes, and returns (value, type, true) on a
// hit.
func (c *Context) VariableGet(ref string) (interface{}, VarType, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	scope, name := splitScope(ref)
	switch scope {
	case "sys":
		if v, ok := c.sysVars[name]; ok {
			return v.Value, v.Type, true
		}
		return nil, "", false
	case "const":
		if v, ok := c.constVars[name]; ok {
			return v.Value, v.Type, true
		}
		return nil, "", false
	case "this":
		if v, ok := c.this[name]; ok {
			return v.Value, v.Type, true
		}
		return nil, "", false
	}

	for i := len(c.stack) - 1; i >= 0; i-- {
		if v, ok := c.stack[i].vars[ref]; ok {
			return v.Value, v.Type, true
		}
	}
	if v, ok := c.this[ref]; ok {
		return v.Value, v.Type, true
	}
	return nil, "", false
}

func (c *Context) innermostBundleFrame() *Frame {
	for i := len(c.stack) - 1; i >= 0; i-- {
		if c.stack[i].Kind == FrameBundle {
			return c.stack[i]
		}
	}
	return nil
}

func splitScope(ref string) (scope, name string) {
	if i := strings.Index(ref, "."); i >= 0 {
		head := ref[:i]
		switch head {
		case "sys", "const", "this", "mon", "match":
			return head, ref[i+1:]
		}
	}
	return "", ref
}

// ClassPutHard sets a global, run-lifetime class.
func (c *Context) ClassPutHard(name string, tags map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hardClasses[CanonicalizeClassName(name)] = Class{Name: CanonicalizeClassName(name), Kind: ClassHard}
}

// ClassPutSoft sets a class scoped to the innermost bundle frame.
func (c *Context) ClassPutSoft(name string, tags map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	frame := c.innermostBundleFrame()
	if frame == nil {
		return NewExpansionError("class_put_soft: no frame in scope", nil).WithCode(ErrCodeScopeAbsent)
	}
	canon := CanonicalizeClassName(name)
	frame.classes[canon] = Class{Name: canon, Kind: ClassSoft}
	return nil
}

// ClassPromotionPolicy controls how a re-put persistent class's TTL is
// handled when it is already present.
type ClassPromotionPolicy int

const (
	ClassPromotionPreserve ClassPromotionPolicy = iota
	ClassPromotionReset
)

// ClassPutPersistent records a persistent class via the PersistentClassStore,
// honoring PRESERVE (keep the existing expiry if still live) or RESET
// (always apply the new ttl).
func (c *Context) ClassPutPersistent(namespace, name string, ttl time.Duration, policy ClassPromotionPolicy, now time.Time) error {
	if c.persist == nil {
		return NewSystemError("class_put_persistent: no persistent store configured", nil)
	}
	canon := CanonicalizeClassName(name)

	if policy == ClassPromotionPreserve {
		existing, err := c.persist.GetClasses(namespace)
		if err == nil {
			if exp, ok := existing[canon]; ok && exp.After(now) {
				return nil
			}
		}
	}
	return c.persist.PutClass(namespace, canon, now.Add(ttl))
}

// CombinedClasses returns the union of hard, soft (all open frames), and
// live persistent classes, for consumption by the class algebra evaluator.
func (c *Context) CombinedClasses(namespace string, now time.Time) map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make(map[string]bool)
	for name, cls := range c.hardClasses {
		if cls.ExpiresAt.IsZero() || cls.ExpiresAt.After(now) {
			result[name] = true
		}
	}
	for _, frame := range c.stack {
		for name := range frame.classes {
			result[name] = true
		}
	}
	if c.persist != nil {
		if persisted, err := c.persist.GetClasses(namespace); err == nil {
			for name, exp := range persisted {
				if exp.After(now) {
					result[name] = true
				}
			}
		}
	}
	return result
}

// CanonicalizeClassName replaces every byte outside [A-Za-z0-9_] with '_',
// per the class-name canonicalisation invariant.
func CanonicalizeClassName(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}
