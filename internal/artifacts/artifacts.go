// Package artifacts persists binary outputs of tool runs, screenshots
// mostly, behind a small store interface with local-disk and S3 backends.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// PutOptions carries content metadata to the backend.
type PutOptions struct {
	MimeType string
	Metadata map[string]string
}

// Store writes named artifacts and serves them back by reference. The
// reference returned by Put is the durable handle; it is what gets
// persisted alongside the task.
type Store interface {
	// Put stores data under name and returns an absolute reference,
	// file:// or s3:// depending on the backend.
	Put(ctx context.Context, name string, data io.Reader, opts PutOptions) (string, error)
	// Get opens an artifact by the reference Put returned.
	Get(ctx context.Context, ref string) (io.ReadCloser, error)
	// Delete removes an artifact. Deleting an unknown reference is not
	// an error.
	Delete(ctx context.Context, ref string) error
	Close() error
}

// MemoryStore keeps artifacts in memory. For tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, name string, data io.Reader, opts PutOptions) (string, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	ref := "mem://" + name
	s.mu.Lock()
	s.objects[ref] = buf
	s.mu.Unlock()
	return ref, nil
}

func (s *MemoryStore) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	s.mu.RLock()
	buf, ok := s.objects[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("artifact not found: %s", ref)
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (s *MemoryStore) Delete(ctx context.Context, ref string) error {
	s.mu.Lock()
	delete(s.objects, ref)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Refs lists stored references in sorted order. For tests.
func (s *MemoryStore) Refs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]string, 0, len(s.objects))
	for ref := range s.objects {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
