// Package config loads and resolves aivad's runtime configuration: the
// well-known $AIVA_HOME directory layout from spec.md §6, default VM
// sizing, idle timers, and host binary discovery.
package config

import (
	"os"
	"os/exec"
	"path/filepath"
)

// Config holds aivad runtime configuration.
type Config struct {
	// AivaHome is $AIVA_HOME, default ~/.aiva.
	AivaHome string

	// BinDir is the directory containing aiva binaries (searched as a
	// fallback when locating helper binaries).
	BinDir string

	// SocketPath is the unix socket path for the daemon API (aivad.sock).
	SocketPath string

	// InstancesDir holds one JSON file per Instance.
	InstancesDir string
	// LogsDir holds per-instance hypervisor stdout+stderr logs.
	LogsDir string
	// ImagesDir holds shared base kernels and rootfs images.
	ImagesDir string

	// EventLogPath is the SQLite event log (events.db), additive and
	// non-authoritative — see internal/eventlog.
	EventLogPath string
	// MasterKeyPath is the AES-256 master key for the Secrets store
	// (secrets.key), auto-generated on first use.
	MasterKeyPath string
	// OverlaysDir holds per-instance workspace overlay copies.
	OverlaysDir string

	// DefaultMemoryMB and DefaultVCPUs size new instances created by init
	// without an explicit template, matching spec.md §8 scenario 1.
	DefaultMemoryMB int
	DefaultVCPUs    int
	DefaultDiskGB   int

	// PauseAfterIdle/StopAfterIdle are reserved for a future idle-based
	// lifecycle policy; not wired into the Orchestrator in this
	// repository (the spec's public verbs are explicit start/stop, not
	// idle-triggered), kept here as documented config surface only.
	PauseAfterIdleSeconds int
	StopAfterIdleSeconds  int

	// KernelPath is the default vmlinux kernel image path (Linux driver).
	KernelPath string
	// FirecrackerBin is the Firecracker binary path; empty means search PATH.
	FirecrackerBin string

	// NestedHelperName names the macOS/Windows nested Linux helper VM.
	NestedHelperName string
	// NestedHelperSSHAddr is the host:port the macOS driver reaches the
	// helper's SSH server on.
	NestedHelperSSHAddr string
	// NestedHelperSSHUser and NestedHelperSSHKeyPath authenticate to the
	// nested helper's SSH server.
	NestedHelperSSHUser    string
	NestedHelperSSHKeyPath string
	// WSLDistro names the Windows driver's WSL2 distribution.
	WSLDistro string
}

// DefaultConfig returns the default configuration rooted at $AIVA_HOME
// (or ~/.aiva if unset).
func DefaultConfig() *Config {
	home := os.Getenv("AIVA_HOME")
	if home == "" {
		userHome, _ := os.UserHomeDir()
		home = filepath.Join(userHome, ".aiva")
	}

	return &Config{
		AivaHome:              home,
		BinDir:                executableDir(),
		SocketPath:            filepath.Join(home, "aivad.sock"),
		InstancesDir:          filepath.Join(home, "instances"),
		LogsDir:               filepath.Join(home, "logs"),
		ImagesDir:             filepath.Join(home, "images"),
		EventLogPath:          filepath.Join(home, "events.db"),
		MasterKeyPath:         filepath.Join(home, "secrets.key"),
		OverlaysDir:           filepath.Join(home, "overlays"),
		DefaultMemoryMB:       8192,
		DefaultVCPUs:          4,
		DefaultDiskGB:         50,
		PauseAfterIdleSeconds: 60,
		StopAfterIdleSeconds:  300,
		KernelPath:            filepath.Join(home, "kernel", "vmlinux"),
		NestedHelperName:       "aiva-host",
		NestedHelperSSHAddr:    "127.0.0.1:2222",
		NestedHelperSSHUser:    "aiva",
		NestedHelperSSHKeyPath: filepath.Join(home, "nested_helper_id_ed25519"),
		WSLDistro:              "aiva-host",
	}
}

// EnsureDirs creates every directory this config names.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.AivaHome,
		c.InstancesDir,
		c.LogsDir,
		c.ImagesDir,
		c.OverlaysDir,
		filepath.Dir(c.SocketPath),
		filepath.Dir(c.MasterKeyPath),
		filepath.Dir(c.KernelPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// FindBinary locates a binary by name. Search order:
//  1. PATH (exec.LookPath)
//  2. Sibling directory of the running executable (BinDir)
//  3. Known system paths
//
// Returns the absolute path, or "" if not found.
func FindBinary(name string, binDir string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}

	if binDir != "" {
		p := filepath.Join(binDir, name)
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	for _, dir := range []string{"/usr/local/bin", "/usr/bin", "/usr/lib/aiva"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

// ResolveBinaries eagerly resolves FirecrackerBin if empty, so the driver
// and any status/doctor surface share the same discovery result.
func (c *Config) ResolveBinaries() {
	if c.FirecrackerBin == "" {
		c.FirecrackerBin = FindBinary("firecracker", c.BinDir)
	}
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
