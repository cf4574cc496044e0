package logstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/silt/internal/action"
)

var (
	// ErrVersionExists reports that a conditional append lost the race:
	// another writer already committed the target version.
	ErrVersionExists = errors.New("version already exists")

	// ErrVersionNotFound reports a read of a version that does not exist,
	// either because it was never committed or because it was pruned.
	ErrVersionNotFound = errors.New("version not found")
)

// LogStore is the durable, append-only transaction log. Versions are
// 0-based and strictly monotonic; the conditional Append is the table's
// sole serialization point.
type LogStore interface {
	// Append durably writes the entry for version. It fails with
	// ErrVersionExists, writing nothing, if the version is already taken.
	// Any other error leaves the outcome ambiguous: callers must re-read
	// the version before concluding the append failed.
	Append(ctx context.Context, version int64, actions []action.Action) error

	// Read returns the actions of one entry, in commit order, or
	// ErrVersionNotFound.
	Read(ctx context.Context, version int64) ([]action.Action, error)

	// LatestVersion returns the highest committed version, -1 if the log
	// is empty.
	LatestVersion(ctx context.Context) (int64, error)

	// EarliestVersion returns the lowest readable version, -1 if the log
	// is empty. Greater than zero once the log has been pruned.
	EarliestVersion(ctx context.Context) (int64, error)

	// LatestCheckpoint returns the newest checkpoint, or nil if none has
	// been written.
	LatestCheckpoint(ctx context.Context) (*Checkpoint, error)

	// WriteCheckpoint persists a checkpoint. Rewriting a checkpoint at an
	// existing version is a no-op; checkpoints are deterministic.
	WriteCheckpoint(ctx context.Context, cp *Checkpoint) error

	// PruneBelow deletes all entries with version < version and returns
	// how many were removed. Checkpoints are never pruned.
	PruneBelow(ctx context.Context, version int64) (int, error)
}

// Checkpoint is a materialized fold of the log at Version: add actions for
// every live file, remove actions for tombstones still inside the retention
// window, and the current table metadata. A reader seeds from the checkpoint
// and replays only the entries after Version.
type Checkpoint struct {
	Version int64
	Actions []action.Action
}

// LogDir is the directory under the table root holding the transaction log.
const LogDir = "_txn_log"

// EntryPath returns the log entry path for a version, zero-padded so that
// lexicographic listing order is version order.
func EntryPath(version int64) string {
	return fmt.Sprintf("%s/%020d.json", LogDir, version)
}

// CheckpointPath returns the checkpoint file path for a version.
func CheckpointPath(version int64) string {
	return fmt.Sprintf("%s/%020d.checkpoint.json", LogDir, version)
}

// entryVersion extracts the version from a log entry path. It returns
// ok=false for anything that is not a plain entry (checkpoints, the
// _last_checkpoint pointer, stray files).
func entryVersion(path string) (int64, bool) {
	name, found := strings.CutPrefix(path, LogDir+"/")
	if !found {
		return 0, false
	}
	digits, found := strings.CutSuffix(name, ".json")
	if !found || strings.Contains(digits, ".") || len(digits) != 20 {
		return 0, false
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
