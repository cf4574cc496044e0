package txn

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict matches any ConflictError via errors.Is.
	ErrConflict = errors.New("transaction conflict")

	// ErrAborted matches any AbortError via errors.Is.
	ErrAborted = errors.New("transaction aborted")

	// ErrSnapshotExpired reports that a transaction's read version is no
	// longer reconstructible: log entries it depends on were pruned while
	// the transaction was open. The transaction must be replanned from a
	// fresh snapshot.
	ErrSnapshotExpired = errors.New("snapshot expired")
)

// Reason categorizes what a concurrent writer did to invalidate a
// transaction's plan.
type Reason string

const (
	// ReasonConcurrentDelete indicates a concurrent commit removed a file
	// this transaction staged for removal or had read.
	ReasonConcurrentDelete Reason = "CONCURRENT_DELETE"

	// ReasonConcurrentAppend indicates a concurrent commit added data
	// inside this transaction's declared read scope.
	ReasonConcurrentAppend Reason = "CONCURRENT_APPEND"

	// ReasonMetadataChanged indicates a concurrent commit replaced the
	// table metadata the transaction planned under.
	ReasonMetadataChanged Reason = "METADATA_CHANGED"
)

// ConflictError reports the first conflicting action found between a
// transaction's read version and the log tip.
type ConflictError struct {
	// Version is the committed version carrying the conflicting action.
	Version int64

	// Path is the file the transactions collided over. Empty for metadata
	// conflicts.
	Path string

	// Reason identifies the conflict category.
	Reason Reason
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: version %d touched %s", e.Reason, e.Version, e.Path)
	}
	return fmt.Sprintf("%s: version %d", e.Reason, e.Version)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// AbortError reports a commit abandoned after exhausting its retry budget.
type AbortError struct {
	// Attempts is how many commit attempts were made.
	Attempts int

	// Cause is the conflict or race that exhausted the final attempt.
	Cause error
}

// Error implements the error interface.
func (e *AbortError) Error() string {
	return fmt.Sprintf("aborted after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *AbortError) Unwrap() error { return ErrAborted }

// IsConflict reports whether err is a transaction conflict.
// Uses errors.Is to handle wrapped errors.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsAborted reports whether err is a retry-budget exhaustion.
// Uses errors.Is to handle wrapped errors.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}
