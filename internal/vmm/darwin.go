package vmm

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/aivahq/aiva/internal/config"
)

// sshExecutor runs scripts on the nested helper over SSH, piping the
// script body to `bash -s` on a fresh session per call — the "standard
// remote-exec channel" spec.md §4.4 requires for the macOS driver.
type sshExecutor struct {
	client *ssh.Client
}

func dialNestedHelper(cfg *config.Config) (*ssh.Client, error) {
	key, err := os.ReadFile(cfg.NestedHelperSSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read nested helper key %s: %w", cfg.NestedHelperSSHKeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse nested helper key: %w", err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.NestedHelperSSHUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // helper is a local-only nested VM, not a network peer
		Timeout:         5 * time.Second,
	}

	client, err := ssh.Dial("tcp", cfg.NestedHelperSSHAddr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("dial nested helper %s: %w", cfg.NestedHelperSSHAddr, err)
	}
	return client, nil
}

func newSSHExecutor(cfg *config.Config) (remoteExec, error) {
	client, err := dialNestedHelper(cfg)
	if err != nil {
		return nil, err
	}
	return &sshExecutor{client: client}, nil
}

func (e *sshExecutor) Run(ctx context.Context, body string) ([]byte, []byte, int, error) {
	session, err := e.client.NewSession()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("new ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	session.Stdin = bytes.NewReader([]byte(body))

	done := make(chan error, 1)
	go func() { done <- session.Run("bash -s") }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return stdout.Bytes(), stderr.Bytes(), -1, ctx.Err()
	case err := <-done:
		if err == nil {
			return stdout.Bytes(), stderr.Bytes(), 0, nil
		}
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return stdout.Bytes(), stderr.Bytes(), exitErr.ExitStatus(), nil
		}
		return stdout.Bytes(), stderr.Bytes(), -1, err
	}
}

func (e *sshExecutor) Forward(ctx context.Context, guestAddr string) (string, func(), error) {
	return tcpForward(e.client, guestAddr)
}

func (e *sshExecutor) Close() error {
	return e.client.Close()
}

// NewDarwinDriver returns the macOS-via-nested-Linux Driver: a Linux VM
// named cfg.NestedHelperName runs the hypervisor and all privileged work,
// reached over SSH using parameterized shell-script templates.
func NewDarwinDriver(cfg *config.Config) Driver {
	return &darwinDriver{
		nestedDriver: newNestedDriver("macos-via-nested-linux", cfg, func() (remoteExec, error) {
			return newSSHExecutor(cfg)
		}, func(ctx context.Context) error {
			return ensureSSHHelperRunning(cfg)
		}),
		cfg: cfg,
	}
}

type darwinDriver struct {
	*nestedDriver
	cfg *config.Config
}

// Probe reports virtualization availability by checking that the nested
// helper's SSH server answers — on macOS, the helper itself only runs if
// the host's virtualization facility (Hypervisor.framework) started it.
func (d *darwinDriver) Probe(ctx context.Context) (PlatformCapabilities, error) {
	conn, err := net.DialTimeout("tcp", d.cfg.NestedHelperSSHAddr, 2*time.Second)
	if err != nil {
		return PlatformCapabilities{Virtualization: false, Details: fmt.Sprintf("nested helper unreachable: %v", err)}, nil
	}
	conn.Close()
	return PlatformCapabilities{Virtualization: true, Details: "nested helper SSH reachable"}, nil
}

// ensureSSHHelperRunning verifies the nested helper answers SSH, per
// spec.md §4.4's "ensure_host_ready verifies the helper is running and
// starts it if not". Starting the helper VM itself is the host's
// lightweight-VM facility's job (an external collaborator per spec.md §1,
// "image downloads" and host-level VM supervision are out of scope here);
// this only surfaces a clear remediation error when it is not.
func ensureSSHHelperRunning(cfg *config.Config) error {
	client, err := dialNestedHelper(cfg)
	if err != nil {
		return fmt.Errorf("nested helper %q not reachable over SSH at %s (start it via the host's VM facility): %w", cfg.NestedHelperName, cfg.NestedHelperSSHAddr, err)
	}
	client.Close()
	return nil
}
