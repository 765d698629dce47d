// Package config decodes and validates the scheduler daemon's own
// configuration: state and work directories, the run schedule expression,
// splay bounds, and the runagent control socket settings. It is unrelated
// to the policy a daemon run actuates (pkg/policyload handles that); this
// package only covers how the daemon itself is configured to run.
//
// Loader.Load parses a CUE file, unifies it with field defaults, decodes
// it into a DaemonConfig, and validates the result with struct tags.
// Watcher supplements the daemon's per-pulse poll with an fsnotify-driven
// prompt wakeup when the policy input directory or validated-at timestamp
// file changes.
package config
