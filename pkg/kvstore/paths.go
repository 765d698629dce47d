package kvstore

import "path/filepath"

// dbFilenames maps a DBID to the filename it is stored under, mirroring
// dbm_api.c's DB_PATHS_STATEDIR table.
var dbFilenames = map[DBID]string{
	DBClasses:           "cf_classes.db",
	DBVariables:         "cf_variables.db",
	DBPerformance:       "performance.db",
	DBChecksums:         "checksum_digests.db",
	DBFilestats:         "cf_filestats.db",
	DBChanges:           "cf_changes.db",
	DBObservations:      "cf_observations.db",
	DBState:             "cf_state.db",
	DBLastseen:          "cf_lastseen.db",
	DBAudit:             "audit.db",
	DBLocks:             "cf_lock.db",
	DBHistory:           "history.db",
	DBPackagesInstalled: "cf_packages_installed.db",
	DBPackagesUpdates:   "cf_packages_updates.db",
	DBCookies:           "cookies.db",
}

// PathResolver resolves a DBID to the file it should be opened from,
// honouring an older path under the work directory when one is already
// present there — the engine never creates a new database under the work
// directory, only under the state directory.
type PathResolver struct {
	StateDir string
	WorkDir  string
	exists   func(path string) bool
}

func NewPathResolver(stateDir, workDir string, exists func(string) bool) *PathResolver {
	if exists == nil {
		exists = fileExists
	}
	return &PathResolver{StateDir: stateDir, WorkDir: workDir, exists: exists}
}

// Resolve returns the path a database should be opened from.
func (r *PathResolver) Resolve(id DBID) string {
	name, ok := dbFilenames[id]
	if !ok {
		name = string(id) + ".db"
	}

	statePath := filepath.Join(r.StateDir, name)
	if r.WorkDir != "" {
		workPath := filepath.Join(r.WorkDir, name)
		if workPath != statePath && r.exists(workPath) && !r.exists(statePath) {
			return workPath
		}
	}
	return statePath
}
