package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/silt/internal/action"
	"github.com/roach88/silt/internal/logstore"
)

// checkConflicts scans every version committed after the transaction's read
// version, up to and including tip, for actions that invalidate its plan:
//
//   - a remove of a path the transaction also removes (the same file cannot
//     be deleted twice);
//   - with a declared read scope, any data change inside it (the predicate
//     planned against files that have since moved);
//   - a metadata replacement (schema or partitioning changed underneath).
//
// A gap entry that has been pruned means the table's history moved past the
// transaction entirely; that surfaces as ErrSnapshotExpired.
func (c *Coordinator) checkConflicts(ctx context.Context, tx *Transaction, tip int64) error {
	for v := tx.readVersion + 1; v <= tip; v++ {
		actions, err := c.log.Read(ctx, v)
		if err != nil {
			if errors.Is(err, logstore.ErrVersionNotFound) {
				return fmt.Errorf("version %d vanished under open transaction %s: %w",
					v, tx.id, ErrSnapshotExpired)
			}
			return fmt.Errorf("conflict check: %w", err)
		}
		for _, a := range actions {
			switch a := a.(type) {
			case action.Remove:
				if tx.removesPath(a.Path) {
					return &ConflictError{Version: v, Path: a.Path, Reason: ReasonConcurrentDelete}
				}
				if tx.scope != nil && tx.scope.overlaps(a.PartitionValues) {
					return &ConflictError{Version: v, Path: a.Path, Reason: ReasonConcurrentDelete}
				}
			case action.Add:
				if tx.scope != nil && a.DataChange && tx.scope.overlaps(a.PartitionValues) {
					return &ConflictError{Version: v, Path: a.Path, Reason: ReasonConcurrentAppend}
				}
			case action.Metadata:
				return &ConflictError{Version: v, Reason: ReasonMetadataChanged}
			}
		}
	}
	return nil
}
