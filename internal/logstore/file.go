package logstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/roach88/silt/internal/action"
	"github.com/roach88/silt/internal/storage"
)

const lastCheckpointPath = LogDir + "/_last_checkpoint"

// lastCheckpoint is the pointer file naming the newest checkpoint, so
// readers find it without listing the log directory.
type lastCheckpoint struct {
	Version int64 `json:"version"`
	Size    int64 `json:"size"` // action count, informational
}

// FileStore keeps the log as one file per version under the table root.
// Atomicity comes from Storage.Create, which fails if the path exists.
type FileStore struct {
	storage storage.Storage
}

// NewFileStore returns a FileStore over the given storage.
func NewFileStore(s storage.Storage) *FileStore {
	return &FileStore{storage: s}
}

func (f *FileStore) Append(ctx context.Context, version int64, actions []action.Action) error {
	data, err := action.EncodeEntry(actions)
	if err != nil {
		return fmt.Errorf("append version %d: %w", version, err)
	}
	if err := f.storage.Create(ctx, EntryPath(version), data); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("append version %d: %w", version, ErrVersionExists)
		}
		return fmt.Errorf("append version %d: %w", version, err)
	}
	return nil
}

func (f *FileStore) Read(ctx context.Context, version int64) ([]action.Action, error) {
	data, err := f.storage.Read(ctx, EntryPath(version))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read version %d: %w", version, ErrVersionNotFound)
		}
		return nil, fmt.Errorf("read version %d: %w", version, err)
	}
	actions, err := action.DecodeEntry(data)
	if err != nil {
		return nil, fmt.Errorf("read version %d: %w", version, err)
	}
	return actions, nil
}

func (f *FileStore) LatestVersion(ctx context.Context) (int64, error) {
	latest, _, err := f.versionBounds(ctx)
	return latest, err
}

func (f *FileStore) EarliestVersion(ctx context.Context) (int64, error) {
	_, earliest, err := f.versionBounds(ctx)
	return earliest, err
}

func (f *FileStore) versionBounds(ctx context.Context) (latest, earliest int64, err error) {
	files, err := f.storage.List(ctx, LogDir+"/")
	if err != nil {
		return -1, -1, fmt.Errorf("list log: %w", err)
	}
	latest, earliest = -1, -1
	for _, fi := range files {
		v, ok := entryVersion(fi.Path)
		if !ok {
			continue
		}
		if v > latest {
			latest = v
		}
		if earliest == -1 || v < earliest {
			earliest = v
		}
	}
	return latest, earliest, nil
}

func (f *FileStore) LatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	data, err := f.storage.Read(ctx, lastCheckpointPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint pointer: %w", err)
	}
	var ptr lastCheckpoint
	if err := json.Unmarshal(data, &ptr); err != nil {
		return nil, fmt.Errorf("decode checkpoint pointer: %w", err)
	}
	raw, err := f.storage.Read(ctx, CheckpointPath(ptr.Version))
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %d: %w", ptr.Version, err)
	}
	actions, err := action.DecodeEntry(raw)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %d: %w", ptr.Version, err)
	}
	return &Checkpoint{Version: ptr.Version, Actions: actions}, nil
}

func (f *FileStore) WriteCheckpoint(ctx context.Context, cp *Checkpoint) error {
	data, err := action.EncodeEntry(cp.Actions)
	if err != nil {
		return fmt.Errorf("write checkpoint %d: %w", cp.Version, err)
	}
	// The checkpoint file lands before the pointer moves, so a crash
	// between the two writes leaves the previous checkpoint intact.
	if err := f.storage.Put(ctx, CheckpointPath(cp.Version), data); err != nil {
		return fmt.Errorf("write checkpoint %d: %w", cp.Version, err)
	}
	ptr, err := json.Marshal(lastCheckpoint{Version: cp.Version, Size: int64(len(cp.Actions))})
	if err != nil {
		return fmt.Errorf("write checkpoint %d: %w", cp.Version, err)
	}
	if err := f.storage.Put(ctx, lastCheckpointPath, ptr); err != nil {
		return fmt.Errorf("write checkpoint pointer: %w", err)
	}
	return nil
}

func (f *FileStore) PruneBelow(ctx context.Context, version int64) (int, error) {
	files, err := f.storage.List(ctx, LogDir+"/")
	if err != nil {
		return 0, fmt.Errorf("prune log: %w", err)
	}
	pruned := 0
	for _, fi := range files {
		v, ok := entryVersion(fi.Path)
		if !ok || v >= version {
			continue
		}
		if err := f.storage.Delete(ctx, fi.Path); err != nil {
			return pruned, fmt.Errorf("prune version %d: %w", v, err)
		}
		pruned++
	}
	return pruned, nil
}
