package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher notifies the scheduler daemon's main loop promptly when the
// policy input directory or the validated-at timestamp file changes,
// supplementing (not replacing) the per-pulse ScheduleRun poll.
type Watcher struct {
	fsw    *fsnotify.Watcher
	logger zerolog.Logger

	// Changed is closed-over by the caller: each send means "wake up and
	// re-run ScheduleRun now instead of waiting for the next pulse".
	Changed chan struct{}
}

// NewWatcher watches inputDir (if non-empty) and the directory containing
// validatedAtPath for writes, renames, and creates.
func NewWatcher(inputDir, validatedAtPath string, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{fsw: fsw, logger: logger, Changed: make(chan struct{}, 1)}

	dirs := map[string]bool{}
	if inputDir != "" {
		dirs[inputDir] = true
	}
	if validatedAtPath != "" {
		dirs[filepath.Dir(validatedAtPath)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	return w, nil
}

// Run drains fsnotify events into Changed until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case w.Changed <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("policy watcher error")
		}
	}
}
