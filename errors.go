package silt

import (
	"errors"

	"github.com/roach88/silt/internal/logstore"
	"github.com/roach88/silt/internal/txn"
	"github.com/roach88/silt/internal/vacuum"
)

// Failure classes, matchable with errors.Is.
var (
	// ErrConflict marks commits rejected because a concurrent writer
	// overlapped this transaction's footprint. errors.As against
	// *ConflictError yields the version, path, and reason.
	ErrConflict = txn.ErrConflict

	// ErrAborted marks commits that exhausted their retry budget.
	ErrAborted = txn.ErrAborted

	// ErrSnapshotExpired marks transactions whose read version was pruned
	// from the log while they were open.
	ErrSnapshotExpired = txn.ErrSnapshotExpired

	// ErrVersionNotFound marks reads of versions never committed or
	// already pruned.
	ErrVersionNotFound = logstore.ErrVersionNotFound

	// ErrRetentionTooShort marks vacuum horizons below the safety floor.
	ErrRetentionTooShort = vacuum.ErrRetentionTooShort

	// ErrTableExists marks Create on a root that already holds a table.
	ErrTableExists = errors.New("table already exists")

	// ErrTableNotFound marks Open on a root with no table.
	ErrTableNotFound = errors.New("table not found")
)

// ConflictError reports the first overlapping action found between a
// transaction's read version and the log tip.
type ConflictError = txn.ConflictError

// AbortError reports a commit that ran out of attempts; Cause is the last
// conflict or race it lost.
type AbortError = txn.AbortError

// ConflictReason distinguishes what kind of concurrent work collided.
type ConflictReason = txn.Reason

// Conflict reasons carried by ConflictError.
const (
	ReasonConcurrentDelete = txn.ReasonConcurrentDelete
	ReasonConcurrentAppend = txn.ReasonConcurrentAppend
	ReasonMetadataChanged  = txn.ReasonMetadataChanged
)

// IsConflict reports whether err is a commit conflict.
func IsConflict(err error) bool { return txn.IsConflict(err) }

// IsAborted reports whether err is an exhausted retry budget.
func IsAborted(err error) bool { return txn.IsAborted(err) }
