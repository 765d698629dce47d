package builtin

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/cfengined/cfengined/pkg/engine"
)

// systemdProbe is the default engine.ProcessProbe, grounded on
// legacy_runner/handlers/service.go's systemctl is-active/start/stop calls.
type systemdProbe struct{}

func (systemdProbe) IsRunning(ctx context.Context, name string) (bool, error) {
	out, _ := exec.CommandContext(ctx, "systemctl", "is-active", name).Output()
	return strings.TrimSpace(string(out)) == "active", nil
}

func (systemdProbe) Start(ctx context.Context, name string) error {
	return exec.CommandContext(ctx, "systemctl", "start", name).Run()
}

func (systemdProbe) Stop(ctx context.Context, name string) error {
	return exec.CommandContext(ctx, "systemctl", "stop", name).Run()
}

// Services implements the "services" promise type (C1): the promiser is a
// service name, service_policy drives start/stop. Probing is delegated to
// an engine.ProcessProbe so callers can substitute a fake in tests; a nil
// probe defaults to systemctl, the only init system legacy_runner's
// ServiceReloadHandler targeted.
type Services struct {
	probe engine.ProcessProbe
}

func NewServices(probe engine.ProcessProbe) *Services {
	if probe == nil {
		probe = systemdProbe{}
	}
	return &Services{probe: probe}
}

func (s *Services) PromiseType() string { return "services" }

func (s *Services) Actuate(ctx context.Context, iter *engine.PromiseIteration) (*engine.ActuationResult, error) {
	p := iter.Promise
	name := promiserString(p)
	if name == "" {
		return result(engine.FAIL, "services promiser must be a scalar service name"), nil
	}

	policy := scalarConstraint(p, "service_policy", "start")

	running, err := s.probe.IsRunning(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("checking status of %s: %w", name, err)
	}

	switch policy {
	case "start", "":
		if running {
			return result(engine.NOOP, name+" already running"), nil
		}
		if iter.DryRun {
			return result(engine.WARN, "would start "+name), nil
		}
		if err := s.probe.Start(ctx, name); err != nil {
			return nil, fmt.Errorf("starting %s: %w", name, err)
		}
		return result(engine.CHANGE, "started "+name), nil

	case "stop", "disable":
		if !running {
			return result(engine.NOOP, name+" already stopped"), nil
		}
		if iter.DryRun {
			return result(engine.WARN, "would stop "+name), nil
		}
		if err := s.probe.Stop(ctx, name); err != nil {
			return nil, fmt.Errorf("stopping %s: %w", name, err)
		}
		return result(engine.CHANGE, "stopped "+name), nil

	case "restart":
		if iter.DryRun {
			return result(engine.WARN, "would restart "+name), nil
		}
		if running {
			if err := s.probe.Stop(ctx, name); err != nil {
				return nil, fmt.Errorf("stopping %s: %w", name, err)
			}
		}
		if err := s.probe.Start(ctx, name); err != nil {
			return nil, fmt.Errorf("starting %s: %w", name, err)
		}
		return result(engine.CHANGE, "restarted "+name), nil

	default:
		return result(engine.FAIL, "unsupported service_policy "+policy), nil
	}
}
