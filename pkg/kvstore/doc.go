// Package kvstore implements the persistent KV store: a family of named,
// single-table SQLite databases reached through a refcounted registry,
// with rename-and-recreate corruption recovery.
package kvstore
