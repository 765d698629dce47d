package builtin

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/cfengined/cfengined/pkg/engine"
)

// Packages implements the "packages" promise type (C1): the promiser is a
// package name, package_policy decides present or absent (any other policy
// fails the promise). Grounded on
// legacy_runner/handlers/package.go's PkgEnsureHandler, including its
// apt/dnf/yum/zypper detection and command shapes.
type Packages struct{}

func NewPackages() *Packages { return &Packages{} }

func (pk *Packages) PromiseType() string { return "packages" }

func (pk *Packages) Actuate(ctx context.Context, iter *engine.PromiseIteration) (*engine.ActuationResult, error) {
	p := iter.Promise
	name := promiserString(p)
	if name == "" {
		return result(engine.FAIL, "packages promiser must be a scalar package name"), nil
	}

	policy := scalarConstraint(p, "package_policy", "present")
	manager := scalarConstraint(p, "package_method", "")
	if manager == "" {
		var err error
		manager, err = detectPackageManager()
		if err != nil {
			return result(engine.FAIL, err.Error()), nil
		}
	}

	installed, _, err := isPackageInstalled(ctx, manager, name)
	if err != nil {
		return nil, fmt.Errorf("checking package status of %s: %w", name, err)
	}

	switch policy {
	case "present", "":
		if installed {
			return result(engine.NOOP, name+" already present"), nil
		}
		if iter.DryRun {
			return result(engine.WARN, "would install "+name), nil
		}
		version := scalarConstraint(p, "package_version", "")
		if err := installPackage(ctx, manager, name, version); err != nil {
			return nil, fmt.Errorf("installing %s: %w", name, err)
		}
		return result(engine.CHANGE, "installed "+name), nil

	case "absent":
		if !installed {
			return result(engine.NOOP, name+" already absent"), nil
		}
		if iter.DryRun {
			return result(engine.WARN, "would remove "+name), nil
		}
		if err := removePackage(ctx, manager, name); err != nil {
			return nil, fmt.Errorf("removing %s: %w", name, err)
		}
		return result(engine.CHANGE, "removed "+name), nil

	default:
		return result(engine.FAIL, "unsupported package_policy "+policy), nil
	}
}

func detectPackageManager() (string, error) {
	for _, mgr := range []string{"apt", "dnf", "yum", "zypper"} {
		if _, err := exec.LookPath(mgr); err == nil {
			return mgr, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found")
}

func isPackageInstalled(ctx context.Context, manager, name string) (bool, string, error) {
	var cmd *exec.Cmd
	switch manager {
	case "apt":
		cmd = exec.CommandContext(ctx, "dpkg-query", "-W", "-f=${Version}", name)
	case "dnf", "yum", "zypper":
		cmd = exec.CommandContext(ctx, "rpm", "-q", "--queryformat", "%{VERSION}-%{RELEASE}", name)
	default:
		return false, "", fmt.Errorf("unsupported package manager: %s", manager)
	}
	out, err := cmd.Output()
	if err != nil {
		return false, "", nil
	}
	return true, strings.TrimSpace(string(out)), nil
}

func installPackage(ctx context.Context, manager, name, version string) error {
	spec := name
	if version != "" {
		switch manager {
		case "apt":
			spec = name + "=" + version
		case "dnf", "yum", "zypper":
			spec = name + "-" + version
		}
	}
	return exec.CommandContext(ctx, manager, "install", "-y", spec).Run()
}

func removePackage(ctx context.Context, manager, name string) error {
	return exec.CommandContext(ctx, manager, "remove", "-y", name).Run()
}
