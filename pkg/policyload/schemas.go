package policyload

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for decoded bundles, promises and
// bodies. CUEParser.Load and ParseInline do not consult it.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a schema registry seeded with the built-in
// bundle/promise/body schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	sr.RegisterSchema("bundle", builtinBundleSchema)
	sr.RegisterSchema("body", builtinBodySchema)
	sr.RegisterSchema("promise", builtinPromiseSchema)
}

// RegisterSchema compiles and registers a CUE schema under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema unifies data against a named schema and reports any
// violation as an error.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

const builtinBundleSchema = `
// Bundle schema for cfengined policy bundles.
#Bundle: {
	name: string & =~"^[a-zA-Z_][a-zA-Z0-9_]*$"
	type: "agent" | "common" | "edit_line" | "edit_xml" | *"agent"
	namespace?: string
	args?: [...string]
	promises?: {[string]: [...#Promise]}
}
`

const builtinPromiseSchema = `
// Promise schema: every promise needs a promiser; everything else is a
// promise-type-specific lval => rval attribute.
#Promise: {
	promiser: _
	promisee?: _
	handle?: string
	if?: string
	ifvarclass?: string
	unless?: string
	...
}
`

const builtinBodySchema = `
// Body schema for cfengined reusable attribute blocks.
#Body: {
	name: string & =~"^[a-zA-Z_][a-zA-Z0-9_]*$"
	type: string
	inherit_from?: [...string]
	...
}
`

// ValidateBundle validates a decoded bundle map against the bundle schema.
func (sr *SchemaRegistry) ValidateBundle(ctx context.Context, bundle map[string]interface{}) error {
	return sr.ValidateAgainstSchema(ctx, "bundle", bundle)
}

// ValidateBody validates a decoded body map against the body schema.
func (sr *SchemaRegistry) ValidateBody(ctx context.Context, body map[string]interface{}) error {
	return sr.ValidateAgainstSchema(ctx, "body", body)
}
