// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime tunables and metrics layer for the shmchan channel core.
//
// Provides concurrent-safe state handling primitives including:
//   - Snapshot tunable reads with typed accessors and defaults
//   - Runtime observers for tunable reloads
//   - Process-local metrics export with lazy probes
//
// Nothing in this package touches shared memory; it carries the knobs and
// observability the channel layer consults outside the hot path.
package control
