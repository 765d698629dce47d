// Package engine provides the core types and interfaces of the policy
// evaluation engine: the promise/bundle/body data model, the evaluation
// context, the promise dispatcher, and the small capability interfaces
// (Actuator, Transport, PolicyLoader, Discoverer, ComplianceEngine) that
// let the rest of the tree plug into it.
//
// # Overview
//
// A policy is a tree of Bundles, each holding Sections of Promises grouped
// by promise type ("vars", "classes", "files", "commands", "packages",
// "services", ...). Evaluating a bundle means dispatching every promise to
// its Actuator, once per element of its iteration wheel's cross product,
// guarded by its class expression, until a fixed point or the pass limit
// is reached:
//
//  1. Discover - populate sys.* variables and time-derived classes (Discoverer)
//  2. Expand - resolve $(ref)/@{ref} and evaluate eager function calls (pkg/expand)
//  3. Iterate - build the odometer over every list-valued reference (pkg/iterate)
//  4. Dispatch - evaluate the guard, resolve body inheritance, call the Actuator
//  5. Converge - aggregate outcomes and repeat until nothing changes
//
// # Core Domain Types
//
//   - Policy/Bundle/Section/Promise/Constraint/Body: the parsed policy tree
//   - Rvalue: the scalar/list/fncall/container/none right-hand-value union
//   - Class/Variable: the evaluation context's class set and variable table
//   - Outcome: NOOP < SKIPPED < CHANGE < WARN < FAIL < DENIED, worst wins
//   - ActuationResult: what an Actuator reports for one promise iteration
//
// # Actuator Interface
//
// Promise types are handled by Actuators, built in or loaded as WASM
// plugins through an ActuatorRegistry:
//
//	type Actuator interface {
//	    PromiseType() string
//	    Actuate(ctx context.Context, iter *PromiseIteration) (*ActuationResult, error)
//	}
//
// # Error Classification
//
// Errors are classified by ErrorClass for callers that need to tell a
// policy mistake from a lock contention from a corrupted store:
//
//	if IsLockContention(err) {
//	    // skip this pass, retry later
//	}
//
// # Thread Safety
//
// Context methods lock an internal mutex; a *Frame returned by PushFrame or
// TopFrame is not guarded. The dispatcher uses one Context for a whole run,
// across every bundle and pass. Kept and loaded
// components (stores, registries, transports) document their own
// concurrency guarantees.
package engine
