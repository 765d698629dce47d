package builtin

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"time"

	"github.com/cfengined/cfengined/pkg/engine"
)

// Commands implements the "commands" promise type (C1): the promiser is
// the executable or shell line to run. Grounded on
// legacy_runner/handlers/exec.go's ExecHandler, minus the sudo-over-stdin
// branches that only made sense for a subprocess running as a different
// user than the runner.
type Commands struct {
	remote *RemoteDispatcher
}

func NewCommands(remote *RemoteDispatcher) *Commands { return &Commands{remote: remote} }

func (c *Commands) PromiseType() string { return "commands" }

func (c *Commands) Actuate(ctx context.Context, iter *engine.PromiseIteration) (*engine.ActuationResult, error) {
	p := iter.Promise
	command := promiserString(p)
	if command == "" {
		return result(engine.FAIL, "commands promiser must be a scalar command line"), nil
	}

	args := listConstraint(p, "args")
	shell := scalarConstraint(p, "shell", "/bin/sh")
	workdir := scalarConstraint(p, "contain.chdir", "")
	remoteHost := scalarConstraint(p, "remote_exec", "")

	if iter.DryRun {
		if remoteHost != "" {
			return result(engine.WARN, "would run "+command+" on "+remoteHost), nil
		}
		return result(engine.WARN, "would run "+command), nil
	}

	if remoteHost != "" {
		return c.actuateRemote(ctx, remoteHost, command)
	}

	var cmd *exec.Cmd
	if len(args) > 0 {
		cmd = exec.CommandContext(ctx, command, args...)
	} else {
		cmd = exec.CommandContext(ctx, shell, "-c", command)
	}
	if workdir != "" {
		cmd.Dir = workdir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, runErr
		}
	}

	details := map[string]interface{}{
		"exit_code":   exitCode,
		"duration_ms": duration.Milliseconds(),
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
	}

	if exitCode != 0 {
		return &engine.ActuationResult{Outcome: engine.FAIL, Message: command + " exited " + strconv.Itoa(exitCode), Details: details}, nil
	}
	return &engine.ActuationResult{Outcome: engine.CHANGE, Message: "ran " + command, Details: details}, nil
}

// actuateRemote runs command on host via the remote_exec body attribute.
func (c *Commands) actuateRemote(ctx context.Context, host, command string) (*engine.ActuationResult, error) {
	stdout, stderr, exitCode, err := c.remote.Exec(ctx, host, command)
	details := map[string]interface{}{
		"exit_code": exitCode,
		"stdout":    stdout,
		"stderr":    stderr,
		"host":      host,
	}
	if err != nil {
		details["exit_code"] = exitCode
		return &engine.ActuationResult{Outcome: engine.FAIL, Message: "remote_exec on " + host + ": " + err.Error(), Details: details}, nil
	}
	return &engine.ActuationResult{Outcome: engine.CHANGE, Message: "ran " + command + " on " + host, Details: details}, nil
}
