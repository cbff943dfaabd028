// Package storage defines the archive backend used when staged artifacts
// are retained remotely instead of deleted.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// Store is a flat key/value object store. Keys use "/" separators.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Put uploads size bytes from r under key, replacing any existing object.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get returns the object stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns keys starting with prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Name identifies the backend in logs and metrics.
	Name() string
}

// Key joins prefix and the parts into an object key.
func Key(prefix string, parts ...string) string {
	all := make([]string, 0, len(parts)+1)
	if p := strings.Trim(prefix, "/"); p != "" {
		all = append(all, p)
	}
	all = append(all, parts...)
	return path.Join(all...)
}

// PutFile streams the file at filePath into store under key.
func PutFile(ctx context.Context, store Store, key, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filePath, err)
	}

	if err := store.Put(ctx, key, f, info.Size()); err != nil {
		return fmt.Errorf("%s put %s: %w", store.Name(), key, err)
	}
	return nil
}
