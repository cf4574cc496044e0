// Package history exposes the transaction log as an audit sequence of
// commit records, newest first, without materializing snapshots.
package history

import (
	"context"
	"fmt"

	"github.com/roach88/silt/internal/action"
	"github.com/roach88/silt/internal/logstore"
)

// Reader reads commit records straight off the log.
type Reader struct {
	log logstore.LogStore
}

// NewReader returns a Reader over the given log.
func NewReader(log logstore.LogStore) *Reader {
	return &Reader{log: log}
}

// History returns the commit records of the newest limit versions, newest
// first, each stamped with its version. A limit of zero or less returns
// every readable version, latest down to the earliest unpruned entry.
//
// Returns an empty slice (not nil) for an empty log.
func (r *Reader) History(ctx context.Context, limit int) ([]action.CommitInfo, error) {
	latest, err := r.log.LatestVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	if latest < 0 {
		return []action.CommitInfo{}, nil
	}
	earliest, err := r.log.EarliestVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	n := latest - earliest + 1
	if limit > 0 && int64(limit) < n {
		n = int64(limit)
	}
	out := make([]action.CommitInfo, 0, n)
	for v := latest; v >= earliest && int64(len(out)) < n; v-- {
		actions, err := r.log.Read(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("history at version %d: %w", v, err)
		}
		out = append(out, commitInfoAt(v, actions))
	}
	return out, nil
}

// commitInfoAt extracts the entry's closing commit record and stamps the
// version on it. An entry written without one (a foreign writer) yields a
// synthetic record carrying only the version.
func commitInfoAt(version int64, actions []action.Action) action.CommitInfo {
	for i := len(actions) - 1; i >= 0; i-- {
		if ci, ok := actions[i].(action.CommitInfo); ok {
			ci.Version = version
			return ci
		}
	}
	return action.CommitInfo{Version: version}
}
