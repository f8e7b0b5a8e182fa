package blob

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// LocalStore implements Store over the local filesystem. Locations are
// ordinary file paths. Used by tests and local development runs.
type LocalStore struct{}

// NewLocalStore returns a filesystem-backed Store.
func NewLocalStore() *LocalStore { return &LocalStore{} }

// List returns every file under prefix, recursively, in lexical order.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(prefix, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == prefix {
				return filepath.SkipAll
			}
			return err
		}
		if !d.IsDir() {
			out = append(out, filepath.ToSlash(path))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(out)
	return out, nil
}

// Download reads the file at location.
func (s *LocalStore) Download(ctx context.Context, location string) ([]byte, error) {
	body, err := os.ReadFile(location)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", location, err)
	}
	return body, nil
}

// Upload writes body to location, creating parent directories as needed.
func (s *LocalStore) Upload(ctx context.Context, location string, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(location), 0o755); err != nil {
		return fmt.Errorf("upload %s: %w", location, err)
	}
	if err := os.WriteFile(location, body, 0o644); err != nil {
		return fmt.Errorf("upload %s: %w", location, err)
	}
	return nil
}

// Copy duplicates src at dst.
func (s *LocalStore) Copy(ctx context.Context, src, dst string) error {
	body, err := s.Download(ctx, src)
	if err != nil {
		return err
	}
	return s.Upload(ctx, dst, body)
}

// Rename moves src to dst.
func (s *LocalStore) Rename(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("rename %s: %w", dst, err)
	}
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return fmt.Errorf("rename %s -> %s: %w", src, dst, err)
	}
	return nil
}

// Exists reports whether a file exists at location.
func (s *LocalStore) Exists(ctx context.Context, location string) (bool, error) {
	_, err := os.Stat(location)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", location, err)
	}
	return true, nil
}
