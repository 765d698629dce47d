package builtin

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cfengined/cfengined/pkg/engine"
)

// Files implements the "files" promise type (C1): the promiser is a path,
// constraints describe the desired content, mode, and backup policy. The
// write path is grounded on legacy_runner/handlers/file.go's
// FileWriteHandler, adapted from sudo-subprocess writes to direct os calls
// run by the cfengine daemon's own privileges.
type Files struct {
	remote *RemoteDispatcher
}

func NewFiles(remote *RemoteDispatcher) *Files { return &Files{remote: remote} }

func (f *Files) PromiseType() string { return "files" }

func (f *Files) Actuate(ctx context.Context, iter *engine.PromiseIteration) (*engine.ActuationResult, error) {
	p := iter.Promise
	path := promiserString(p)
	if path == "" {
		return result(engine.FAIL, "files promiser must be a scalar path"), nil
	}

	content, hasContent := constraint(p, "content")
	editLine := listConstraint(p, "edit_line")
	state := scalarConstraint(p, "delete", "")
	remoteHost := scalarConstraint(p, "remote_copy", "")
	if state == "true" {
		return f.delete(path)
	}
	if !hasContent && len(editLine) == 0 {
		return result(engine.SKIPPED, "no content or edit_line constraint"), nil
	}
	if remoteHost != "" {
		return f.actuateRemoteCopy(ctx, iter, remoteHost, path)
	}

	desired := []byte(scalarConstraint(p, "content", ""))
	if !content.IsScalar() && len(editLine) > 0 {
		existing, _ := os.ReadFile(path)
		desired = applyEditLines(existing, editLine)
	}

	info, statErr := os.Stat(path)
	exists := statErr == nil
	if exists {
		current, err := os.ReadFile(path)
		if err == nil && bytesEqual(current, desired) && modeMatches(p, info) {
			return result(engine.NOOP, path+" already matches desired state"), nil
		}
	}

	if iter.DryRun {
		return result(engine.WARN, "would write "+path), nil
	}

	if boolConstraint(p, "backup", false) && exists {
		if err := copyFilePreservingMode(path, path+".bak"); err != nil {
			return nil, fmt.Errorf("backing up %s: %w", path, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating parent directory for %s: %w", path, err)
	}

	mode := os.FileMode(0644)
	if m := scalarConstraint(p, "mode", ""); m != "" {
		parsed, err := strconv.ParseUint(m, 8, 32)
		if err != nil {
			return result(engine.FAIL, "invalid mode "+m), nil
		}
		mode = os.FileMode(parsed)
	}

	if err := os.WriteFile(path, desired, mode); err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	if exists {
		_ = os.Chmod(path, mode)
	}

	hash := sha256.Sum256(desired)
	return &engine.ActuationResult{
		Outcome: engine.CHANGE,
		Message: "wrote " + path,
		Details: map[string]interface{}{"checksum": fmt.Sprintf("%x", hash), "bytes": len(desired)},
	}, nil
}

// actuateRemoteCopy pushes the promise's content constraint to path on
// host via the remote_copy body attribute, staging it through a local
// temp file since Transport.Upload takes a local source path.
func (f *Files) actuateRemoteCopy(ctx context.Context, iter *engine.PromiseIteration, host, path string) (*engine.ActuationResult, error) {
	p := iter.Promise
	desired := []byte(scalarConstraint(p, "content", ""))

	mode := os.FileMode(0644)
	if m := scalarConstraint(p, "mode", ""); m != "" {
		parsed, err := strconv.ParseUint(m, 8, 32)
		if err != nil {
			return result(engine.FAIL, "invalid mode "+m), nil
		}
		mode = os.FileMode(parsed)
	}

	if iter.DryRun {
		return result(engine.WARN, "would copy "+path+" to "+host), nil
	}

	tmp, err := os.CreateTemp("", "cfengined-remote-copy-*")
	if err != nil {
		return nil, fmt.Errorf("staging remote_copy payload for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(desired); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("staging remote_copy payload for %s: %w", path, err)
	}
	tmp.Close()

	if err := f.remote.Upload(ctx, host, tmp.Name(), path, uint32(mode.Perm())); err != nil {
		return result(engine.FAIL, "remote_copy to "+host+": "+err.Error()), nil
	}

	hash := sha256.Sum256(desired)
	return &engine.ActuationResult{
		Outcome: engine.CHANGE,
		Message: "copied " + path + " to " + host,
		Details: map[string]interface{}{"checksum": fmt.Sprintf("%x", hash), "host": host},
	}, nil
}

func (f *Files) delete(path string) (*engine.ActuationResult, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return result(engine.NOOP, path+" already absent"), nil
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("removing %s: %w", path, err)
	}
	return result(engine.CHANGE, "removed "+path), nil
}

func modeMatches(p *engine.Promise, info os.FileInfo) bool {
	m := scalarConstraint(p, "mode", "")
	if m == "" {
		return true
	}
	parsed, err := strconv.ParseUint(m, 8, 32)
	if err != nil {
		return true
	}
	return info.Mode().Perm() == os.FileMode(parsed)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// applyEditLines appends any line in wanted that is not already present,
// cfengine's insert_lines-style convergence: a second pass is a NOOP.
func applyEditLines(existing []byte, wanted []string) []byte {
	present := make(map[string]bool)
	out := existing
	for _, line := range splitLines(existing) {
		present[line] = true
	}
	for _, line := range wanted {
		if !present[line] {
			if len(out) > 0 && out[len(out)-1] != '\n' {
				out = append(out, '\n')
			}
			out = append(out, []byte(line+"\n")...)
			present[line] = true
		}
	}
	return out
}

func splitLines(b []byte) []string {
	var lines []string
	start := 0
	for i, c := range b {
		if c == '\n' {
			lines = append(lines, string(b[start:i]))
			start = i + 1
		}
	}
	if start < len(b) {
		lines = append(lines, string(b[start:]))
	}
	return lines
}

func copyFilePreservingMode(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode())
}
