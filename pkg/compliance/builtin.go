package compliance

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies, consulted by the
// dispatcher after every actuation before an outcome is accepted.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedPathsPolicy(),
		destructiveCommandsPolicy(),
		packageRemovalPolicy(),
		dryRunOverridePolicy(),
	}
}

// protectedPathsPolicy denies any files promise that would delete or
// rewrite a path under a system-critical prefix.
func protectedPathsPolicy() Policy {
	return Policy{
		Name:        "protected-paths",
		Description: "Denies files promises targeting system-critical paths when the outcome would change them",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"files", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package cfengined.policies.protected_paths

import rego.v1

protected_prefixes := ["/etc/passwd", "/etc/shadow", "/etc/sudoers", "/boot/"]

deny contains violation if {
	input.promise.promise_type == "files"
	input.proposed_outcome == "CHANGE"
	path := input.promise.promiser.scalar

	some prefix in protected_prefixes
	startswith(path, prefix)

	violation := {
		"message": sprintf("files promise %s targets protected path %s", [input.promise.id, path]),
		"severity": "critical",
		"promise_id": input.promise.id,
	}
}`,
	}
}

// destructiveCommandsPolicy denies commands promises whose promiser shells
// out to a recursive delete.
func destructiveCommandsPolicy() Policy {
	return Policy{
		Name:        "destructive-commands",
		Description: "Denies commands promises invoking recursive deletes",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"commands", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package cfengined.policies.destructive_commands

import rego.v1

deny contains violation if {
	input.promise.promise_type == "commands"
	cmd := input.promise.promiser.scalar

	regex.match("rm\\s+-[a-zA-Z]*r[a-zA-Z]*f|rm\\s+-[a-zA-Z]*f[a-zA-Z]*r", cmd)

	violation := {
		"message": sprintf("commands promise %s runs a recursive delete: %s", [input.promise.id, cmd]),
		"severity": "critical",
		"promise_id": input.promise.id,
	}
}`,
	}
}

// packageRemovalPolicy denies removal of packages the base operating
// system depends on to stay reachable.
func packageRemovalPolicy() Policy {
	return Policy{
		Name:        "package-removal-restricted",
		Description: "Denies removal of packages required to keep a host manageable",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"packages", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package cfengined.policies.package_removal

import rego.v1

protected_packages := {"openssh-server", "systemd", "cfengined"}

deny contains violation if {
	input.promise.promise_type == "packages"
	name := input.promise.promiser.scalar
	name in protected_packages

	some c in input.promise.constraints
	c.lval == "package_policy"
	c.rval.scalar == "absent"

	violation := {
		"message": sprintf("packages promise %s would remove protected package %s", [input.promise.id, name]),
		"severity": "error",
		"promise_id": input.promise.id,
	}
}`,
	}
}

// dryRunOverridePolicy catches an actuator that reports CHANGE while the
// iteration was flagged DryRun, which would indicate an actuator bug
// rather than a real policy conflict.
func dryRunOverridePolicy() Policy {
	return Policy{
		Name:        "dry-run-override",
		Description: "Flags an actuator that reports CHANGE during a dry run instead of WARN",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"dry-run", "hygiene"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package cfengined.policies.dry_run_override

import rego.v1

deny contains violation if {
	input.context.dry_run == true
	input.proposed_outcome == "CHANGE"

	violation := {
		"message": sprintf("promise %s reported CHANGE during a dry run", [input.promise.id]),
		"severity": "warning",
		"promise_id": input.promise.id,
	}
}`,
	}
}
