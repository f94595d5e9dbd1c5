// Package vmm implements the Platform Driver: the state machine that
// creates, configures, boots, inspects, stops, and destroys one microVM.
// Three concrete drivers share this one contract — Linux-direct (this
// host's own KVM via Firecracker), macOS-via-nested-Linux, and
// Windows-via-WSL — and a Selector picks the right one at startup.
package vmm

import (
	"context"
	"fmt"

	"github.com/aivahq/aiva/internal/instance"
)

// PlatformCapabilities is the result of Probe.
type PlatformCapabilities struct {
	Virtualization bool
	Details        string
}

// StateConflict is returned when an operation's precondition on the
// Instance's current State is not met (e.g. start on an already-Running
// instance).
type StateConflict struct {
	Name string
	Have instance.State
	Want string
}

func (e *StateConflict) Error() string {
	return fmt.Sprintf("instance %q: expected %s, found %s", e.Name, e.Want, e.Have)
}

// NoViablePlatform is returned by a Selector when no driver in the probe
// order reports virtualization support.
type NoViablePlatform struct{}

func (e *NoViablePlatform) Error() string { return "no viable virtualization platform found" }

// TransitionError wraps a failure during a §4.4 state transition with the
// step that failed, so it can be surfaced as Error(step, body) and logged
// with structured context.
type TransitionError struct {
	Step string
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// StatusReport is the result of Status: the driver's own observed state,
// independent of (and possibly ahead of) the registry's last-persisted
// State, plus a metrics sample when Running.
type StatusReport struct {
	State   instance.State
	Metrics *instance.Metrics
}

// ExecResult is the result of a Driver.Exec call, mirroring a Command
// Channel response.
type ExecResult struct {
	ExitCode int32
	Stdout   []byte
	Stderr   []byte
}

// Driver is the single contract every platform backend implements. All
// operations are idempotent where the operations table in §4.4 says so,
// and must leave persisted Instance state consistent on failure: a failed
// start never leaves an Instance Running, only Stopped or Error.
type Driver interface {
	// Probe reports whether this driver's virtualization facility is
	// available on the current host. Idempotent, side-effect free.
	Probe(ctx context.Context) (PlatformCapabilities, error)

	// EnsureHostReady satisfies every host-side prerequisite this driver
	// needs before Create/Start can run: required directories, the
	// nested helper VM (mac/win), the hypervisor binary. Idempotent.
	EnsureHostReady(ctx context.Context) error

	// Create materializes the per-VM directory and rootfs image for inst,
	// which must be in Creating. Returns the mutated Instance with State
	// Stopped. Calling it again on an instance that is still in Creating
	// is safe (an existing per-VM rootfs is kept, not recopied); an
	// instance in any other state gets *StateConflict.
	Create(ctx context.Context, inst *instance.Instance) (*instance.Instance, error)

	// Start executes the full boot sequence for inst, which must be
	// Stopped. Returns the mutated Instance with State Running and
	// RuntimeInfo populated. Not idempotent — a second Start on a
	// Running instance must fail with StateConflict without touching
	// the instance.
	Start(ctx context.Context, inst *instance.Instance) (*instance.Instance, error)

	// Stop tears down the hypervisor process and networking for inst,
	// which must be Running or Paused. force skips graceful shutdown
	// attempts. Idempotent: Stop on an already-Stopped instance succeeds
	// without error.
	Stop(ctx context.Context, inst *instance.Instance, force bool) (*instance.Instance, error)

	// Delete removes the per-VM directory for inst, which must be
	// Stopped. Idempotent.
	Delete(ctx context.Context, inst *instance.Instance) error

	// Status returns the driver's direct observation of inst's current
	// state, plus a metrics sample if Running. Never mutates inst.
	Status(ctx context.Context, inst *instance.Instance) (StatusReport, error)

	// Exec runs one command against inst's guest command endpoint via its
	// Command Pool. inst must be Running.
	Exec(ctx context.Context, inst *instance.Instance, cmd string, args map[string]interface{}, stdin []byte, timeoutMs uint32) (*ExecResult, error)

	// Name identifies the driver for logging and PlatformCapabilities.Details.
	Name() string
}
