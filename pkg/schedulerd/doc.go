// Package schedulerd implements the scheduler daemon (C8): a process
// that writes its pid file, then loops reloading policy on a poll-plus-
// fsnotify basis, deciding whether a run is due from the current time
// classes, and forking a separate cfengine-agent process to do the
// actual convergence run so an actuator crash cannot take the scheduler
// down with it.
//
// Grounded on cf-execd.c's CFExecdMainLoop/ScheduleRun/HandleRequestsOrSleep
// and adapted to Go idiom: the process-wide "pending termination" flag is
// a context.Context cancelled from a signal.Notify goroutine, the
// splay/pulse sleeps are select statements over timers and channels
// instead of raw select(2) on a socket fd, and "reap zombie children"
// becomes a blocking exec.Cmd.Wait() call per spawned agent rather than
// a manual waitpid loop.
package schedulerd
