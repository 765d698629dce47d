package schedulerd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
)

// writePID records the current process id at path, creating parent
// directories as needed.
func writePID(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// apoptosis reads a leftover pid file from a previous instance and, if
// that process still answers to signal 0, sends it SIGTERM before this
// instance takes over the state directory. Grounded on cf-execd's
// Apoptosis(), simplified from a process-table scan by binary name to a
// pid-file check since Go has no equivalent of CFEngine's
// SelectProcesses/process_owner matching.
func apoptosis(pidPath string, logger zerolog.Logger) error {
	raw, err := os.ReadFile(pidPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 || pid == os.Getpid() {
		return nil
	}

	if err := syscall.Kill(pid, 0); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("checking stale pid %d: %w", pid, err)
	}

	logger.Warn().Int("pid", pid).Msg("killing stale scheduler instance")
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("killing stale pid %d: %w", pid, err)
	}
	return nil
}
