package storage

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-memory Storage for tests. Create is atomic under the
// store mutex, which makes Memory suitable for exercising concurrent
// commit races without touching disk.
type Memory struct {
	mu    sync.RWMutex
	files map[string]memFile

	// deleteErr, when set, is consulted before every Delete so tests can
	// inject per-path failures.
	deleteErr func(path string) error
}

type memFile struct {
	data    []byte
	modTime time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{files: make(map[string]memFile)}
}

// FailDeletes makes Delete return fn's error for paths where fn is non-nil.
func (m *Memory) FailDeletes(fn func(path string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = fn
}

// SetModTime backdates a stored file. Retention tests use it to age files
// past the horizon without sleeping.
func (m *Memory) SetModTime(path string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[path]; ok {
		f.modTime = t
		m.files[path] = f
	}
}

func (m *Memory) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var files []FileInfo
	for path, f := range m.files {
		if strings.HasPrefix(path, prefix) {
			files = append(files, FileInfo{Path: path, Size: int64(len(f.data)), ModTime: f.modTime})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (m *Memory) Read(ctx context.Context, path string) ([]byte, error) {
	clean, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[clean]
	if !ok {
		return nil, fmt.Errorf("storage: read %q: %w", path, fs.ErrNotExist)
	}
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out, nil
}

func (m *Memory) Create(ctx context.Context, path string, data []byte) error {
	clean, err := cleanPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[clean]; ok {
		return fmt.Errorf("storage: create %q: %w", path, fs.ErrExist)
	}
	m.files[clean] = memFile{data: append([]byte(nil), data...), modTime: time.Now()}
	return nil
}

func (m *Memory) Put(ctx context.Context, path string, data []byte) error {
	clean, err := cleanPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[clean] = memFile{data: append([]byte(nil), data...), modTime: time.Now()}
	return nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	clean, err := cleanPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		if derr := m.deleteErr(clean); derr != nil {
			return fmt.Errorf("storage: delete %q: %w", path, derr)
		}
	}
	if _, ok := m.files[clean]; !ok {
		return fmt.Errorf("storage: delete %q: %w", path, fs.ErrNotExist)
	}
	delete(m.files, clean)
	return nil
}
