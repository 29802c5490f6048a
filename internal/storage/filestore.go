/**
 * Page image file store.
 *
 * Page files live on local disk under the configured upload root. Paths
 * stored in the database are relative to that root; reads are confined to
 * it so a corrupted row can never escape the upload directory.
 */

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore reads page images from the upload directory
type FileStore struct {
	root string
}

// NewFileStore creates a file store rooted at the upload directory
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("upload directory is required")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve upload directory: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("upload directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("upload path %s is not a directory", abs)
	}

	return &FileStore{root: abs}, nil
}

// ReadPage reads a page image by its stored relative path
func (f *FileStore) ReadPage(relPath string) ([]byte, error) {
	if relPath == "" {
		return nil, fmt.Errorf("page file path is required")
	}

	full := filepath.Join(f.root, filepath.Clean("/"+relPath))
	if !strings.HasPrefix(full, f.root+string(filepath.Separator)) {
		return nil, fmt.Errorf("page file path %q escapes upload directory", relPath)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read page file %s: %w", relPath, err)
	}
	return data, nil
}
