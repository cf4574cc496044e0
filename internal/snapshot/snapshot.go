package snapshot

import (
	"sort"

	"github.com/roach88/silt/internal/action"
)

// Snapshot is the table state at one version. Snapshots are immutable and
// safe to share across goroutines; accessors return copies or values the
// caller must not mutate.
type Snapshot struct {
	version    int64
	timestamp  int64
	metadata   action.Metadata
	live       map[string]action.Add
	tombstones map[string]action.Remove
}

// Version returns the log version this snapshot materializes.
func (s *Snapshot) Version() int64 { return s.version }

// Timestamp returns the commit time of the snapshot's version in epoch
// milliseconds. Zero when the closing entry carried no commit record.
func (s *Snapshot) Timestamp() int64 { return s.timestamp }

// Metadata returns the table metadata in force at this version.
func (s *Snapshot) Metadata() action.Metadata { return s.metadata }

// LiveFiles returns the live file set sorted by path.
func (s *Snapshot) LiveFiles() []action.Add {
	files := make([]action.Add, 0, len(s.live))
	for _, a := range s.live {
		files = append(files, a)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

// Live reports whether path is in the live set, returning its add record.
func (s *Snapshot) Live(path string) (action.Add, bool) {
	a, ok := s.live[path]
	return a, ok
}

// LiveCount returns the size of the live set.
func (s *Snapshot) LiveCount() int { return len(s.live) }

// Tombstones returns the removed-but-retained files sorted by path. A
// tombstone persists until the path is re-added or garbage collection
// retires the file.
func (s *Snapshot) Tombstones() []action.Remove {
	removes := make([]action.Remove, 0, len(s.tombstones))
	for _, r := range s.tombstones {
		removes = append(removes, r)
	}
	sort.Slice(removes, func(i, j int) bool { return removes[i].Path < removes[j].Path })
	return removes
}

// CheckpointActions flattens the snapshot into the action list a checkpoint
// stores: metadata first, then tombstones and live files sorted by path.
// Replaying these actions through the fold reproduces the snapshot exactly.
func (s *Snapshot) CheckpointActions() []action.Action {
	actions := make([]action.Action, 0, 1+len(s.tombstones)+len(s.live))
	actions = append(actions, s.metadata)
	for _, r := range s.Tombstones() {
		actions = append(actions, r)
	}
	for _, a := range s.LiveFiles() {
		actions = append(actions, a)
	}
	return actions
}

// state is the mutable accumulator behind a build. It starts empty or as a
// copy of an existing snapshot, folds entries, and freezes into a new
// Snapshot; the source snapshot is never touched.
type state struct {
	version    int64
	timestamp  int64
	metadata   action.Metadata
	live       map[string]action.Add
	tombstones map[string]action.Remove
}

func newState() *state {
	return &state{
		version:    -1,
		live:       make(map[string]action.Add),
		tombstones: make(map[string]action.Remove),
	}
}

func stateFrom(s *Snapshot) *state {
	st := &state{
		version:    s.version,
		timestamp:  s.timestamp,
		metadata:   s.metadata,
		live:       make(map[string]action.Add, len(s.live)),
		tombstones: make(map[string]action.Remove, len(s.tombstones)),
	}
	for k, v := range s.live {
		st.live[k] = v
	}
	for k, v := range s.tombstones {
		st.tombstones[k] = v
	}
	return st
}

// apply folds one entry's actions in order. Within an entry, later actions
// win for the same path.
func (st *state) apply(version int64, actions []action.Action) {
	for _, a := range actions {
		switch a := a.(type) {
		case action.Add:
			st.live[a.Path] = a
			delete(st.tombstones, a.Path)
		case action.Remove:
			delete(st.live, a.Path)
			st.tombstones[a.Path] = a
		case action.Metadata:
			st.metadata = a
		case action.CommitInfo:
			st.timestamp = a.Timestamp
		}
	}
	st.version = version
}

func (st *state) snapshot() *Snapshot {
	return &Snapshot{
		version:    st.version,
		timestamp:  st.timestamp,
		metadata:   st.metadata,
		live:       st.live,
		tombstones: st.tombstones,
	}
}
