// Package registry is the Orchestrator's authoritative, on-disk store of
// Instance records: one JSON document per instance under
// $AIVA_HOME/instances/<name>.json, written atomically (write-to-temp then
// rename). This is the single source of truth for current state — the
// SQLite event log in internal/eventlog is a derived, rebuildable history
// and is never consulted here.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aivahq/aiva/internal/instance"
)

// CorruptError is returned when an instance file exists but fails to parse.
// The file is left untouched; callers must not attempt to overwrite it
// implicitly.
type CorruptError struct {
	Name string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("registry: instance %q is corrupt: %v", e.Name, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// NotFoundError is returned when no instance file exists for a name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("registry: instance %q not found", e.Name)
}

// Registry persists Instance records under one directory, one file per
// instance. Mutating operations on a single instance are expected to be
// serialized by the caller (the Orchestrator's per-name token); Registry
// itself only guarantees that individual reads and writes are atomic and
// that concurrent access to *different* instances never interferes.
type Registry struct {
	dir string
}

// Open returns a Registry rooted at dir, creating dir if necessary.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}
	return &Registry{dir: dir}, nil
}

func (r *Registry) path(name string) string {
	return filepath.Join(r.dir, name+".json")
}

// Save writes inst atomically (write-to-temp, rename).
func (r *Registry) Save(inst *instance.Instance) error {
	if err := instance.ValidateName(inst.Name); err != nil {
		return err
	}

	body, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal instance %q: %w", inst.Name, err)
	}

	final := r.path(inst.Name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, body, 0600); err != nil {
		return fmt.Errorf("write instance %q: %w", inst.Name, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename instance %q: %w", inst.Name, err)
	}
	return nil
}

// Load reads one instance by name. A missing file returns *NotFoundError; a
// file that exists but fails to parse returns *CorruptError and is left on
// disk untouched.
func (r *Registry) Load(name string) (*instance.Instance, error) {
	body, err := os.ReadFile(r.path(name))
	if os.IsNotExist(err) {
		return nil, &NotFoundError{Name: name}
	}
	if err != nil {
		return nil, fmt.Errorf("read instance %q: %w", name, err)
	}

	var inst instance.Instance
	if err := json.Unmarshal(body, &inst); err != nil {
		return nil, &CorruptError{Name: name, Err: err}
	}
	return &inst, nil
}

// List returns the names of all instance files currently on disk without
// parsing them, so a corrupt file's name is included. ListInstances is the
// variant that parses and skips corrupt files.
func (r *Registry) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("list registry: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		names = append(names, name[:len(name)-len(".json")])
	}
	return names, nil
}

// ListInstances loads every parseable instance on disk, skipping (and
// reporting) any that are corrupt rather than failing the whole call.
func (r *Registry) ListInstances() ([]*instance.Instance, []error) {
	names, err := r.List()
	if err != nil {
		return nil, []error{err}
	}
	var out []*instance.Instance
	var errs []error
	for _, name := range names {
		inst, err := r.Load(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, inst)
	}
	return out, errs
}

// Delete removes an instance's persisted file. Deleting an instance that
// does not exist is not an error.
func (r *Registry) Delete(name string) error {
	err := os.Remove(r.path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete instance %q: %w", name, err)
	}
	return nil
}

// Exists reports whether an instance file is present, without parsing it.
func (r *Registry) Exists(name string) bool {
	_, err := os.Stat(r.path(name))
	return err == nil
}
