package txn

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/silt/internal/action"
	"github.com/roach88/silt/internal/snapshot"
)

// RecomputeFunc restages a transaction against a fresh snapshot after a
// conflict. Implementations clear nothing themselves; the coordinator resets
// the staged actions before invoking it.
type RecomputeFunc func(ctx context.Context, snap *snapshot.Snapshot) error

// ReadScope narrows conflict detection to the partition slices a
// transaction's predicate read. Without a scope, only same-file removals
// conflict; with one, concurrent data changes inside the scope do too.
type ReadScope struct {
	// Partitions lists exact-match partition values. A concurrent action
	// overlaps the scope when one entry's pairs all match the action's
	// partition values.
	Partitions []map[string]string
}

// overlaps reports whether a file with the given partition values falls
// inside the scope. A file missing a scoped column cannot be proven
// disjoint and counts as overlapping; a scope declared without partitions
// means the whole table was read.
func (s *ReadScope) overlaps(values map[string]string) bool {
	if len(s.Partitions) == 0 {
		return true
	}
	for _, want := range s.Partitions {
		matched := true
		for col, v := range want {
			have, ok := values[col]
			if ok && have != v {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

// Transaction is one mutation in flight: the snapshot version it planned
// against, the staged footprint, and the operation it will record. Nothing
// is external until Commit; an abandoned transaction needs no cleanup.
//
// A Transaction is owned by a single goroutine; it is not safe for
// concurrent use.
type Transaction struct {
	id          string
	operation   string
	params      map[string]string
	readVersion int64

	scope     *ReadScope
	removes   []action.Remove
	adds      []action.Add
	stagedRem map[string]struct{}
	stagedAdd map[string]struct{}

	recompute RecomputeFunc
}

// New opens a transaction planned against readVersion. The id must be
// unique per transaction; it is recorded in the commit record and used to
// resolve ambiguous append outcomes.
func New(id, operation string, readVersion int64) *Transaction {
	return &Transaction{
		id:          id,
		operation:   operation,
		readVersion: readVersion,
		stagedRem:   make(map[string]struct{}),
		stagedAdd:   make(map[string]struct{}),
	}
}

// ID returns the transaction identifier.
func (tx *Transaction) ID() string { return tx.id }

// Operation returns the operation tag recorded at commit.
func (tx *Transaction) Operation() string { return tx.operation }

// ReadVersion returns the version the transaction is currently planned
// against. It advances when the coordinator replans after a conflict.
func (tx *Transaction) ReadVersion() int64 { return tx.readVersion }

// SetParam records an operation parameter for the commit record, e.g. the
// predicate of a delete.
func (tx *Transaction) SetParam(key, value string) {
	if tx.params == nil {
		tx.params = make(map[string]string)
	}
	tx.params[key] = value
}

// SetReadScope declares the partition slices the transaction's planning
// read, enabling append conflict detection inside them.
func (tx *Transaction) SetReadScope(scope *ReadScope) {
	tx.scope = scope
}

// OnConflict registers fn to recompute the staged actions after a conflict.
// Without it, Commit surfaces the first conflict to the caller.
func (tx *Transaction) OnConflict(fn RecomputeFunc) {
	tx.recompute = fn
}

// Stage adds removes and adds to the pending footprint. It has no external
// effect. Staging a path twice in the same category fails and leaves the
// transaction unchanged.
func (tx *Transaction) Stage(removes []action.Remove, adds []action.Add) error {
	seenRem := make(map[string]struct{}, len(removes))
	for _, r := range removes {
		_, dup := tx.stagedRem[r.Path]
		if _, again := seenRem[r.Path]; dup || again {
			return fmt.Errorf("stage: remove %q already staged", r.Path)
		}
		seenRem[r.Path] = struct{}{}
	}
	seenAdd := make(map[string]struct{}, len(adds))
	for _, a := range adds {
		_, dup := tx.stagedAdd[a.Path]
		if _, again := seenAdd[a.Path]; dup || again {
			return fmt.Errorf("stage: add %q already staged", a.Path)
		}
		seenAdd[a.Path] = struct{}{}
	}
	for _, r := range removes {
		tx.stagedRem[r.Path] = struct{}{}
		tx.removes = append(tx.removes, r)
	}
	for _, a := range adds {
		tx.stagedAdd[a.Path] = struct{}{}
		tx.adds = append(tx.adds, a)
	}
	return nil
}

// Reset discards the staged footprint, keeping identity, operation, and
// scope. The coordinator calls it before replanning.
func (tx *Transaction) Reset() {
	tx.removes = nil
	tx.adds = nil
	tx.stagedRem = make(map[string]struct{})
	tx.stagedAdd = make(map[string]struct{})
}

// Empty reports whether nothing is staged. An empty transaction still
// commits its audit record.
func (tx *Transaction) Empty() bool {
	return len(tx.removes) == 0 && len(tx.adds) == 0
}

func (tx *Transaction) removesPath(path string) bool {
	_, ok := tx.stagedRem[path]
	return ok
}

// entry materializes the log entry: removes, then adds, then the closing
// commit record. Removes without a deletion time are stamped with the
// commit time.
func (tx *Transaction) entry(now time.Time) []action.Action {
	ts := now.UnixMilli()
	out := make([]action.Action, 0, len(tx.removes)+len(tx.adds)+1)
	for _, r := range tx.removes {
		if r.DeletionTimestamp == 0 {
			r.DeletionTimestamp = ts
		}
		out = append(out, r)
	}
	for _, a := range tx.adds {
		out = append(out, a)
	}
	out = append(out, action.CommitInfo{
		Timestamp:           ts,
		Operation:           tx.operation,
		OperationParameters: tx.params,
		ReadVersion:         tx.readVersion,
		TxnID:               tx.id,
	})
	return out
}
