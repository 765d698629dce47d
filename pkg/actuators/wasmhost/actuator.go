package wasmhost

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cfengined/cfengined/pkg/engine"
)

// PluginActuator adapts a single loaded WASM Provider to the engine.Actuator
// interface the dispatcher calls. One PluginActuator is created per
// registered plugin version; it owns the promise type the plugin declared
// in its manifest and translates each PromiseIteration into the provider's
// Read/Plan/Apply cycle.
type PluginActuator struct {
	promiseType string
	provider    engine.Provider
}

func (a *PluginActuator) PromiseType() string { return a.promiseType }

// Actuate reads the plugin's view of current state, plans against the
// promise's desired state, and applies the plan unless the iteration is a
// dry run. A plan with no changes reports NOOP without calling Apply.
func (a *PluginActuator) Actuate(ctx context.Context, iter *engine.PromiseIteration) (*engine.ActuationResult, error) {
	desired, err := desiredStateJSON(iter.Promise)
	if err != nil {
		return nil, engine.NewSystemError("failed to encode promiser state for plugin", err).
			WithDetail("promise_type", a.promiseType)
	}

	resourceID := iter.Promise.ID

	read, err := a.provider.Read(ctx, engine.ReadRequest{
		ResourceID: resourceID,
		Config:     desired,
	})
	if err != nil {
		return nil, engine.NewSystemError("plugin read failed", err).WithDetail("promise_type", a.promiseType)
	}

	plan, err := a.provider.Plan(ctx, engine.PlanRequest{
		ResourceID:   resourceID,
		DesiredState: desired,
		ActualState:  read.State,
		Operation:    engine.OperationUpdate,
	})
	if err != nil {
		return nil, engine.NewSystemError("plugin plan failed", err).WithDetail("promise_type", a.promiseType)
	}

	if plan.Operation == engine.OperationNoop || len(plan.Changes) == 0 {
		return &engine.ActuationResult{Outcome: engine.NOOP}, nil
	}

	if iter.DryRun {
		return &engine.ActuationResult{
			Outcome: engine.WARN,
			Message: fmt.Sprintf("plugin %s would apply %d change(s)", a.promiseType, len(plan.Changes)),
		}, nil
	}

	applied, err := a.provider.Apply(ctx, engine.ApplyRequest{
		ResourceID:     resourceID,
		DesiredState:   desired,
		ActualState:    read.State,
		Operation:      plan.Operation,
		PlannedChanges: plan.Changes,
	})
	if err != nil {
		return &engine.ActuationResult{Outcome: engine.FAIL, Message: err.Error()}, nil
	}

	return &engine.ActuationResult{
		Outcome: engine.CHANGE,
		Message: fmt.Sprintf("plugin %s applied %d change(s)", a.promiseType, len(plan.Changes)),
		Details: map[string]interface{}{"new_state": json.RawMessage(applied.NewState)},
	}, nil
}

// desiredStateJSON flattens a promise's promiser and constraints into the
// JSON config document a Provider expects, since plugins speak in
// resource configs rather than promise/constraint pairs.
func desiredStateJSON(p *engine.Promise) (json.RawMessage, error) {
	doc := map[string]interface{}{"promiser": rvalString(p.Promiser)}
	for _, c := range p.Constraints {
		doc[c.Lval] = rvalString(c.Rval)
	}
	return json.Marshal(doc)
}

// rvalString renders an already-expanded Rvalue as a plain value for a
// plugin's JSON config document. By the time the dispatcher calls an
// actuator every Rvalue has been through pkg/expand, so scalars are plain
// strings and lists/containers carry their final decoded shape.
func rvalString(r engine.Rvalue) interface{} {
	switch r.Type {
	case engine.RvalScalar:
		return r.Scalar
	case engine.RvalList:
		items := make([]interface{}, len(r.List))
		for i, item := range r.List {
			items[i] = rvalString(item)
		}
		return items
	case engine.RvalContainer:
		return r.Container
	default:
		return nil
	}
}

// PluginActuatorRegistry implements engine.ActuatorRegistry, backing
// RegisterPlugin with the kept Registry/WASMHostProvider machinery and
// wrapping each resolved provider in a PluginActuator so the dispatcher
// only ever sees the narrow Actuator surface.
type PluginActuatorRegistry struct {
	builtin  map[string]engine.Actuator
	wasm     *Registry
	promises map[string]string // promiseType -> plugin key (name@version)
}

func NewPluginActuatorRegistry(baseDir string, hostConfig *WASMHostConfig) *PluginActuatorRegistry {
	return &PluginActuatorRegistry{
		builtin:  make(map[string]engine.Actuator),
		wasm:     NewRegistry(baseDir, hostConfig),
		promises: make(map[string]string),
	}
}

func (r *PluginActuatorRegistry) Register(a engine.Actuator) error {
	r.builtin[a.PromiseType()] = a
	return nil
}

func (r *PluginActuatorRegistry) RegisterPlugin(ctx context.Context, manifest *engine.PluginManifest, wasmModule []byte) error {
	providerManifest := &engine.ProviderManifest{
		Metadata: engine.ProviderMetadata{
			Name:                 manifest.Name,
			Version:              manifest.Version,
			RequiredCapabilities: manifest.Capabilities,
		},
	}
	if err := r.wasm.Register(ctx, providerManifest, wasmModule); err != nil {
		return engine.NewSystemError("failed to register plugin", err).WithDetail("name", manifest.Name)
	}
	r.promises[manifest.PromiseType] = buildProviderKey(manifest.Name, manifest.Version)
	return nil
}

func (r *PluginActuatorRegistry) Get(promiseType string) (engine.Actuator, bool) {
	if a, ok := r.builtin[promiseType]; ok {
		return a, true
	}
	key, ok := r.promises[promiseType]
	if !ok {
		return nil, false
	}
	name, version := splitProviderKey(key)
	provider, err := r.wasm.Get(context.Background(), name, version)
	if err != nil {
		return nil, false
	}
	return &PluginActuator{promiseType: promiseType, provider: provider}, true
}

func (r *PluginActuatorRegistry) List() []string {
	types := make([]string, 0, len(r.builtin)+len(r.promises))
	for t := range r.builtin {
		types = append(types, t)
	}
	for t := range r.promises {
		types = append(types, t)
	}
	return types
}

func splitProviderKey(key string) (name, version string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '@' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
