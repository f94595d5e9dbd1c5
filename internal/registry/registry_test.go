package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aivahq/aiva/internal/instance"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return r
}

func sampleInstance(name string) *instance.Instance {
	now := time.Now()
	return &instance.Instance{
		ID:    "11111111-1111-1111-1111-111111111111",
		Name:  name,
		State: instance.StateStopped,
		Config: instance.VMConfig{
			VCPUs:      4,
			MemoryMB:   8192,
			DiskGB:     50,
			KernelPath: "/kernel",
			RootfsPath: "/rootfs.ext4",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRegistrySaveLoadRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	inst := sampleInstance("a1")

	if err := r.Save(inst); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := r.Load("a1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Name != "a1" || got.Config.VCPUs != 4 || got.State != instance.StateStopped {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestRegistryLoadMissing(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Load("nope")
	if err == nil {
		t.Fatalf("expected NotFoundError")
	}
	if _, ok := err.(*NotFoundError); !ok {
		t.Fatalf("expected *NotFoundError, got %T", err)
	}
}

func TestRegistryLoadCorrupt(t *testing.T) {
	r := newTestRegistry(t)
	if err := os.WriteFile(filepath.Join(r.dir, "bad.json"), []byte("{not json"), 0600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	_, err := r.Load("bad")
	if err == nil {
		t.Fatalf("expected CorruptError")
	}
	if _, ok := err.(*CorruptError); !ok {
		t.Fatalf("expected *CorruptError, got %T", err)
	}

	// Corrupt file must be left untouched.
	if _, statErr := os.Stat(filepath.Join(r.dir, "bad.json")); statErr != nil {
		t.Fatalf("corrupt file was removed: %v", statErr)
	}
}

func TestRegistryListSkipsCorrupt(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Save(sampleInstance("a1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(r.dir, "bad.json"), []byte("{not json"), 0600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	insts, errs := r.ListInstances()
	if len(insts) != 1 || insts[0].Name != "a1" {
		t.Fatalf("expected 1 valid instance, got %+v", insts)
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 error for corrupt file, got %v", errs)
	}
}

func TestRegistryDeleteRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Save(sampleInstance("a1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !r.Exists("a1") {
		t.Fatalf("expected instance to exist")
	}
	if err := r.Delete("a1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if r.Exists("a1") {
		t.Fatalf("expected instance to be gone after delete")
	}
	// Deleting again is not an error.
	if err := r.Delete("a1"); err != nil {
		t.Fatalf("delete again: %v", err)
	}
}
