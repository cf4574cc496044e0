// Package snapshot reconstructs table state from the transaction log.
//
// A Snapshot is an immutable value: the live file set, tombstones, and
// metadata as of one version. The Builder folds log entries into snapshots,
// seeding from the newest checkpoint when one covers the requested version
// and folding incrementally from its cache when the request is at or past
// the last materialized version.
package snapshot
