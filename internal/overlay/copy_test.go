package overlay

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestCopyOverlayCreateAndRemove(t *testing.T) {
	sourceDir := t.TempDir()
	baseDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(sourceDir, "hello.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(sourceDir, "subdir"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sourceDir, "subdir", "nested.txt"), []byte("nested"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("hello.txt", filepath.Join(sourceDir, "link.txt")); err != nil {
		t.Fatal(err)
	}

	ov := NewCopyOverlay(baseDir)

	dest, err := ov.Create(context.Background(), sourceDir, "a1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if dest != ov.Path("a1") {
		t.Errorf("dest = %q, want %q", dest, ov.Path("a1"))
	}

	data, err := os.ReadFile(filepath.Join(dest, "hello.txt"))
	if err != nil {
		t.Fatalf("read hello.txt: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("hello.txt = %q, want %q", data, "hello")
	}

	data, err = os.ReadFile(filepath.Join(dest, "subdir", "nested.txt"))
	if err != nil {
		t.Fatalf("read nested.txt: %v", err)
	}
	if string(data) != "nested" {
		t.Errorf("nested.txt = %q, want %q", data, "nested")
	}

	target, err := os.Readlink(filepath.Join(dest, "link.txt"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "hello.txt" {
		t.Errorf("symlink target = %q, want %q", target, "hello.txt")
	}

	if err := ov.Remove("a1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("directory still exists after remove")
	}
}

func TestCreateUsesAtomicRename(t *testing.T) {
	sourceDir := t.TempDir()
	baseDir := t.TempDir()
	os.WriteFile(filepath.Join(sourceDir, "data.txt"), []byte("content"), 0644)

	ov := NewCopyOverlay(baseDir)

	dest, err := ov.Create(context.Background(), sourceDir, "a1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("final dir missing: %v", err)
	}

	staging := dest + ".tmp"
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Error("staging .tmp dir should not exist after successful create")
	}
}

func TestCopyOverlayRemoveNonexistent(t *testing.T) {
	baseDir := t.TempDir()
	ov := NewCopyOverlay(baseDir)

	if err := ov.Remove("nonexistent"); err != nil {
		t.Fatalf("remove nonexistent: %v", err)
	}
}

func TestCopyOverlaySyncIntoFile(t *testing.T) {
	baseDir := t.TempDir()
	ov := NewCopyOverlay(baseDir)

	os.MkdirAll(ov.Path("a1"), 0755)

	hostFile := filepath.Join(t.TempDir(), "data.txt")
	os.WriteFile(hostFile, []byte("payload"), 0644)

	if err := ov.SyncInto(context.Background(), "a1", hostFile, "workspace/data.txt"); err != nil {
		t.Fatalf("sync into: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(ov.Path("a1"), "workspace", "data.txt"))
	if err != nil {
		t.Fatalf("read synced file: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q, want payload", got)
	}
}

func TestCopyOverlaySyncIntoDir(t *testing.T) {
	baseDir := t.TempDir()
	ov := NewCopyOverlay(baseDir)
	os.MkdirAll(ov.Path("a1"), 0755)

	hostDir := t.TempDir()
	os.WriteFile(filepath.Join(hostDir, "one.txt"), []byte("1"), 0644)

	if err := ov.SyncInto(context.Background(), "a1", hostDir, "workspace/data"); err != nil {
		t.Fatalf("sync into: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(ov.Path("a1"), "workspace", "data", "one.txt"))
	if err != nil {
		t.Fatalf("read synced file: %v", err)
	}
	if string(got) != "1" {
		t.Fatalf("got %q, want 1", got)
	}
}

func TestCleanStaleOverlaysRemovesStagingDirs(t *testing.T) {
	baseDir := t.TempDir()
	ov := NewCopyOverlay(baseDir)

	staging := filepath.Join(baseDir, "a1.tmp")
	os.MkdirAll(staging, 0755)

	ov.CleanStaleOverlays()

	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Error("staging .tmp dir should have been removed")
	}
}
