package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// FileInfo describes one stored file.
type FileInfo struct {
	// Path is forward-slash relative to the store root.
	Path string

	Size int64

	// ModTime is the file's last modification time. Garbage collection
	// uses it to leave freshly written, not-yet-committed files alone.
	ModTime time.Time
}

// Storage is the capability set the transaction core needs from a file
// store. Implementations must be safe for concurrent use.
type Storage interface {
	// List returns every file whose path starts with prefix, sorted by
	// path. An empty prefix lists the whole store. Directories are not
	// reported.
	List(ctx context.Context, prefix string) ([]FileInfo, error)

	// Read returns the full content of path. Missing files report
	// fs.ErrNotExist.
	Read(ctx context.Context, path string) ([]byte, error)

	// Create writes data to path only if path does not exist yet, and is
	// durable before returning. An existing path reports fs.ErrExist with
	// no partial write. This conditional write is the log's sole
	// serialization primitive.
	Create(ctx context.Context, path string, data []byte) error

	// Put writes data to path, replacing any previous content. Used for
	// overwritable bookkeeping such as the checkpoint pointer, never for
	// log entries.
	Put(ctx context.Context, path string, data []byte) error

	// Delete removes path. Missing files report fs.ErrNotExist.
	Delete(ctx context.Context, path string) error
}

// cleanPath validates a store-relative path. Absolute paths and parent
// traversal are rejected so a storage root is a containment boundary.
func cleanPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("storage: empty path")
	}
	if strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("storage: absolute path %q not allowed", path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return "", fmt.Errorf("storage: path %q escapes the store root", path)
		}
	}
	return path, nil
}
