package artifacts

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	ctx := context.Background()
	payload := []byte{0x89, 'P', 'N', 'G', 1, 2, 3}

	ref, err := store.Put(ctx, "playwright_20260824_101530_042.png", bytes.NewReader(payload), PutOptions{MimeType: "image/png"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !strings.HasPrefix(ref, "file://") {
		t.Errorf("ref = %q, want file:// prefix", ref)
	}
	if !strings.HasSuffix(ref, "playwright_20260824_101530_042.png") {
		t.Errorf("ref = %q, want original filename preserved", ref)
	}

	rc, err := store.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("artifact bytes = %v, want %v", got, payload)
	}
}

func TestLocalStoreShardsByDate(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}

	ref, err := store.Put(context.Background(), "shot.png", strings.NewReader("png"), PutOptions{})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	now := time.Now()
	wantDir := filepath.Join(dir,
		now.Format("2006"), now.Format("01"), now.Format("02"))
	path := strings.TrimPrefix(ref, "file://")
	if filepath.Dir(path) != wantDir {
		t.Errorf("artifact dir = %q, want %q", filepath.Dir(path), wantDir)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("artifact file missing: %v", err)
	}
}

func TestLocalStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	if _, err := store.Put(context.Background(), "shot.png", strings.NewReader("data"), PutOptions{}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if strings.HasSuffix(path, ".tmp") {
			t.Errorf("temp file left behind: %s", path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
}

func TestLocalStoreRejectsForeignRefs(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	ctx := context.Background()

	tests := []string{
		"file:///etc/passwd",
		"file://" + filepath.Join(store.basePath, "..", "escape.png"),
		"s3://bucket/key.png",
		"shot.png",
	}
	for _, ref := range tests {
		if _, err := store.Get(ctx, ref); err == nil {
			t.Errorf("Get(%q) succeeded, want rejection", ref)
		}
	}
}

func TestLocalStoreDelete(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	ctx := context.Background()

	ref, err := store.Put(ctx, "shot.png", strings.NewReader("data"), PutOptions{})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, ref); err == nil {
		t.Error("Get() after delete succeeded")
	}
	if err := store.Delete(ctx, ref); err != nil {
		t.Errorf("repeated Delete() error = %v, want nil", err)
	}
}

func TestLocalStorePutStripsDirectories(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}

	ref, err := store.Put(context.Background(), "../../outside/shot.png", strings.NewReader("data"), PutOptions{})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	path := strings.TrimPrefix(ref, "file://")
	if !strings.HasPrefix(path, store.basePath) {
		t.Errorf("artifact escaped the store root: %s", path)
	}
	if filepath.Base(path) != "shot.png" {
		t.Errorf("stored name = %q, want shot.png", filepath.Base(path))
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ref, err := store.Put(ctx, "shot.png", strings.NewReader("data"), PutOptions{})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if ref != "mem://shot.png" {
		t.Errorf("ref = %q, want mem://shot.png", ref)
	}

	rc, err := store.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != "data" {
		t.Errorf("artifact = %q, want data", got)
	}

	if err := store.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, ref); err == nil {
		t.Error("Get() after delete succeeded")
	}
	if refs := store.Refs(); len(refs) != 0 {
		t.Errorf("Refs() = %v, want empty", refs)
	}
}

func TestS3ObjectKeyParsing(t *testing.T) {
	store := &S3Store{bucket: "shots", prefix: "webster"}

	key, err := store.objectKey("s3://shots/webster/2026/08/24/shot.png")
	if err != nil {
		t.Fatalf("objectKey() error = %v", err)
	}
	if key != "webster/2026/08/24/shot.png" {
		t.Errorf("key = %q", key)
	}

	bad := []string{
		"s3://other-bucket/webster/shot.png",
		"file:///tmp/shot.png",
		"s3://shots",
		"s3://shots/",
	}
	for _, ref := range bad {
		if _, err := store.objectKey(ref); err == nil {
			t.Errorf("objectKey(%q) succeeded, want error", ref)
		}
	}
}
