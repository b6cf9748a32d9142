package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStore writes artifacts to a directory tree on local disk, sharded
// by date. Writes go to a temp file first and land with an atomic rename.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a local disk store rooted at basePath.
func NewLocalStore(basePath string) (*LocalStore, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &LocalStore{basePath: abs}, nil
}

func (s *LocalStore) Put(ctx context.Context, name string, data io.Reader, opts PutOptions) (string, error) {
	name = filepath.Base(name)
	now := time.Now()
	dir := filepath.Join(s.basePath,
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	filePath := filepath.Join(dir, name)
	tmpPath := filePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename artifact: %w", err)
	}

	return "file://" + filePath, nil
}

func (s *LocalStore) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	filePath, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact not found: %s", ref)
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

func (s *LocalStore) Delete(ctx context.Context, ref string) error {
	filePath, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

func (s *LocalStore) Close() error { return nil }

// resolve turns a file:// reference back into a path and rejects anything
// that escapes the store's root.
func (s *LocalStore) resolve(ref string) (string, error) {
	path, ok := strings.CutPrefix(ref, "file://")
	if !ok {
		return "", fmt.Errorf("not a local artifact reference: %s", ref)
	}
	path = filepath.Clean(path)
	if path != s.basePath && !strings.HasPrefix(path, s.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact reference outside store: %s", ref)
	}
	return path, nil
}
