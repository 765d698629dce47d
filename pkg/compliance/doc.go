// Package compliance provides Open Policy Agent (OPA) integration for
// cfengined: a supplemental policy-as-code veto consulted by the dispatcher
// after each promise iteration is actuated.
//
// # Architecture
//
// The package has four parts:
//
//  1. Engine - compiles and evaluates Rego policies against promise iterations
//  2. Loader - loads policies from files, directories, and bundles
//  3. Types - data structures for policies, violations, and evaluation input
//  4. Built-in policies - pre-defined safety rules
//
// # Usage
//
//	eng, err := compliance.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := eng.Evaluate(ctx, iter, proposed)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Allowed {
//	    for _, v := range result.Violations {
//	        fmt.Printf("policy %s violated: %s\n", v.Policy, v.Message)
//	    }
//	}
//
// Loading custom policies:
//
//	err = eng.LoadPolicies(ctx, []string{"/etc/cfengined/policies"})
//
// # Built-in policies
//
//  1. protected-paths - denies files promises targeting system-critical paths
//  2. destructive-commands - denies commands promises running recursive deletes
//  3. package-removal-restricted - denies removing packages a host depends on
//  4. dry-run-override - flags an actuator reporting CHANGE during a dry run
//
// # Custom policies
//
// Custom policies are written in Rego against the same input shape:
//
//	package custom.policies.backup
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.promise.promise_type == "files"
//	    not startswith(input.promise.promiser.scalar, "/var/backups/")
//	    input.bundle == "backup"
//
//	    violation := {
//	        "message": "backup bundle may only touch /var/backups",
//	        "severity": "error",
//	    }
//	}
//
// # Severity levels
//
//   - info: informational
//   - warning: reviewed but doesn't block
//   - error: blocks the outcome (turns it into DENIED)
//   - critical: blocks the outcome, the same as error
package compliance
