package vmm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/aivahq/aiva/internal/config"
)

// wslExecutor runs scripts inside a WSL2 distribution via `wsl.exe -d
// <distro> -- bash -s`, mirroring the macOS driver's remote-exec contract
// without needing a network hop — WSL2 exposes its distro as a local
// process, not a remote host.
type wslExecutor struct {
	distro string
}

func newWSLExecutor(cfg *config.Config) (remoteExec, error) {
	return &wslExecutor{distro: cfg.WSLDistro}, nil
}

func (e *wslExecutor) Run(ctx context.Context, body string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, "wsl.exe", "-d", e.distro, "--", "bash", "-s")
	cmd.Stdin = bytes.NewReader([]byte(body))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), nil
	}
	return stdout.Bytes(), stderr.Bytes(), -1, err
}

// Forward is a no-op on Windows: WSL2 republishes the distro's loopback
// directly on the Windows host's loopback, so guestAddr is already
// reachable from the host without an explicit tunnel.
func (e *wslExecutor) Forward(ctx context.Context, guestAddr string) (string, func(), error) {
	return guestAddr, func() {}, nil
}

func (e *wslExecutor) Close() error { return nil }

// NewWindowsDriver returns the Windows-via-WSL Driver: identical contract
// to the macOS driver, with the nested helper being a WSL2 distribution
// instead of an SSH-reached Linux VM.
func NewWindowsDriver(cfg *config.Config) Driver {
	return &windowsDriver{
		nestedDriver: newNestedDriver("windows-via-wsl", cfg, func() (remoteExec, error) {
			return newWSLExecutor(cfg)
		}, func(ctx context.Context) error {
			return ensureWSLReady(cfg)
		}),
		cfg: cfg,
	}
}

type windowsDriver struct {
	*nestedDriver
	cfg *config.Config
}

// Probe checks that the configured distro responds and that nested
// virtualization (binfmt_misc WSLInterop, required for the Firecracker
// guest to run under WSL2's own VM) is present.
func (d *windowsDriver) Probe(ctx context.Context) (PlatformCapabilities, error) {
	ex, err := newWSLExecutor(d.cfg)
	if err != nil {
		return PlatformCapabilities{Virtualization: false, Details: err.Error()}, nil
	}
	defer ex.Close()

	_, _, exitCode, err := ex.Run(ctx, "test -e /proc/sys/fs/binfmt_misc/WSLInterop")
	if err != nil || exitCode != 0 {
		return PlatformCapabilities{Virtualization: false, Details: "WSLInterop not present or distro unreachable"}, nil
	}
	return PlatformCapabilities{Virtualization: true, Details: fmt.Sprintf("WSL distro %q ready", d.cfg.WSLDistro)}, nil
}

func ensureWSLReady(cfg *config.Config) error {
	ex, err := newWSLExecutor(cfg)
	if err != nil {
		return err
	}
	defer ex.Close()

	_, stderr, exitCode, err := ex.Run(context.Background(), "test -e /proc/sys/fs/binfmt_misc/WSLInterop")
	if err != nil {
		return fmt.Errorf("distro %q not reachable: %w", cfg.WSLDistro, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("distro %q missing WSLInterop (nested virtualization not enabled): %s", cfg.WSLDistro, stderr)
	}
	return nil
}
