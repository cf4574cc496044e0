package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Local is a Storage backed by a directory on the host filesystem.
type Local struct {
	root string
}

// NewLocal returns a Local rooted at dir, creating it if necessary.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	return &Local{root: abs}, nil
}

// Root returns the absolute root directory.
func (l *Local) Root() string {
	return l.root
}

func (l *Local) hostPath(path string) (string, error) {
	clean, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}

// List walks the root and returns files under prefix, sorted by path.
func (l *Local) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	var files []FileInfo
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !strings.HasPrefix(rel, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, FileInfo{Path: rel, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list %q: %w", prefix, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Read returns the content of path.
func (l *Local) Read(ctx context.Context, path string) ([]byte, error) {
	host, err := l.hostPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(host)
	if err != nil {
		return nil, fmt.Errorf("storage: read %q: %w", path, err)
	}
	return data, nil
}

// Create writes data to path only if it does not exist yet.
//
// The content is staged in a hidden temp file and claimed with a hard
// link, so the final path either does not exist or holds the complete,
// synced content: concurrent readers can never observe a torn entry, and
// two racing writers get exactly one winner.
func (l *Local) Create(ctx context.Context, path string, data []byte) error {
	host, err := l.hostPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return fmt.Errorf("storage: create %q: %w", path, err)
	}

	tmp := filepath.Join(filepath.Dir(host), ".tmp-"+uuid.NewString())
	if err := writeSynced(tmp, data); err != nil {
		return fmt.Errorf("storage: create %q: %w", path, err)
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, host); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("storage: create %q: %w", path, fs.ErrExist)
		}
		return fmt.Errorf("storage: create %q: %w", path, err)
	}
	return nil
}

// Put writes data to path, replacing previous content, via temp-and-rename.
func (l *Local) Put(ctx context.Context, path string, data []byte) error {
	host, err := l.hostPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return fmt.Errorf("storage: put %q: %w", path, err)
	}
	tmp := filepath.Join(filepath.Dir(host), ".tmp-"+uuid.NewString())
	if err := writeSynced(tmp, data); err != nil {
		return fmt.Errorf("storage: put %q: %w", path, err)
	}
	if err := os.Rename(tmp, host); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: put %q: %w", path, err)
	}
	return nil
}

// Delete removes path.
func (l *Local) Delete(ctx context.Context, path string) error {
	host, err := l.hostPath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(host); err != nil {
		return fmt.Errorf("storage: delete %q: %w", path, err)
	}
	return nil
}

// writeSynced writes data to path and fsyncs before closing. Log appends
// must be durable before the commit is acknowledged.
func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
