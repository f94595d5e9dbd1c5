package vmm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aivahq/aiva/internal/channel"
	"github.com/aivahq/aiva/internal/config"
	"github.com/aivahq/aiva/internal/instance"
	"github.com/aivahq/aiva/internal/pool"
	"github.com/aivahq/aiva/internal/script"
	"github.com/aivahq/aiva/internal/transport"
)

// remoteExec runs a shell script on the nested helper (the macOS SSH
// helper or the Windows WSL2 distribution) with stdin piped in, and
// collects stdout/stderr/exit code. Both nested drivers' privileged work
// goes through this one narrow interface, matching spec.md §4.4's
// "standard remote-exec channel" language.
type remoteExec interface {
	Run(ctx context.Context, script string) (stdout, stderr []byte, exitCode int, err error)
	// Forward publishes guestAddr (host:port inside/reachable from the
	// helper) as a local TCP listener and returns the address to dial.
	// Used once per running instance to reach its vsock command endpoint.
	Forward(ctx context.Context, guestAddr string) (localAddr string, closeFn func(), err error)
	Close() error
}

// nestedRuntime is the in-process state for one running nested instance.
type nestedRuntime struct {
	pool     *pool.Pool
	exec     remoteExec
	closeFwd func()
}

// nestedDriver implements Driver for the macOS-via-nested-Linux and
// Windows-via-WSL backends, which share every behavior except how the
// helper is reached and how host readiness is checked (see darwin.go and
// windows.go).
type nestedDriver struct {
	name    string
	cfg     *config.Config
	sub     *script.Substituter
	newExec func() (remoteExec, error)

	// ensureHostReadyFn performs the platform-specific helper checks
	// (SSH helper running for macOS, WSL distro + binfmt_misc for
	// Windows) after the shared local directory setup.
	ensureHostReadyFn func(ctx context.Context) error

	mu        sync.Mutex
	instances map[string]*nestedRuntime
}

func newNestedDriver(name string, cfg *config.Config, newExec func() (remoteExec, error), ensureHostReadyFn func(ctx context.Context) error) *nestedDriver {
	return &nestedDriver{
		name:              name,
		cfg:               cfg,
		sub:               script.NewSubstituter(),
		newExec:           newExec,
		ensureHostReadyFn: ensureHostReadyFn,
		instances:         make(map[string]*nestedRuntime),
	}
}

func (d *nestedDriver) Name() string { return d.name }

func (d *nestedDriver) EnsureHostReady(ctx context.Context) error {
	if err := d.cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("ensure dirs: %w", err)
	}
	return d.ensureHostReadyFn(ctx)
}

// runTemplate renders tmpl with values and runs it on the helper, failing
// the whole operation if the script exits non-zero.
func (d *nestedDriver) runTemplate(ctx context.Context, tmpl script.Template, values map[string]string) (stdout []byte, err error) {
	body, err := d.sub.Render(tmpl, values)
	if err != nil {
		return nil, err
	}
	ex, err := d.newExec()
	if err != nil {
		return nil, fmt.Errorf("connect to nested helper: %w", err)
	}
	defer ex.Close()

	out, errOut, exitCode, err := ex.Run(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("run %s on helper: %w", tmpl.Name, err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("%s exited %d: %s", tmpl.Name, exitCode, strings.TrimSpace(string(errOut)))
	}
	return out, nil
}

func (d *nestedDriver) Create(ctx context.Context, inst *instance.Instance) (*instance.Instance, error) {
	if inst.State != instance.StateCreating {
		return nil, &StateConflict{Name: inst.Name, Have: inst.State, Want: "Creating"}
	}

	cfgJSON, err := json.Marshal(inst.Config)
	if err != nil {
		return nil, &TransitionError{Step: "create:marshal-config", Err: err}
	}

	// config_json is base64-encoded before substitution: the marshaled
	// VMConfig's kernel command line routinely contains '=' (e.g.
	// "console=ttyS0 reboot=k"), which the substitution whitelist must
	// reject as raw text. create_vm.sh decodes it back on the helper side.
	_, err = d.runTemplate(ctx, script.CreateVM, map[string]string{
		"vm_name":     inst.Name,
		"disk_gb":     strconv.Itoa(inst.Config.DiskGB),
		"config_json": base64.StdEncoding.EncodeToString(cfgJSON),
	})
	if err != nil {
		return nil, &TransitionError{Step: "create_vm", Err: err}
	}

	inst.State = instance.StateStopped
	inst.Touch(time.Now())
	return inst, nil
}

func (d *nestedDriver) Start(ctx context.Context, inst *instance.Instance) (*instance.Instance, error) {
	if inst.State != instance.StateStopped {
		return nil, &StateConflict{Name: inst.Name, Have: inst.State, Want: "Stopped"}
	}

	if _, err := d.runTemplate(ctx, script.StartVM, map[string]string{"vm_name": inst.Name}); err != nil {
		return nil, &TransitionError{Step: "start_vm", Err: err}
	}

	// ex is kept alive for the instance's whole running lifetime: tcpForward
	// dials out through this same *ssh.Client for every forwarded connection,
	// so closing ex here would kill the tunnel the moment Start returns.
	ex, err := d.newExec()
	if err != nil {
		d.runTemplate(ctx, script.StopVM, map[string]string{"vm_name": inst.Name, "force_flag": "-9"})
		return nil, &TransitionError{Step: "start:connect-helper", Err: err}
	}

	localAddr, closeFwd, err := ex.Forward(ctx, fmt.Sprintf("127.0.0.1:%d", guestCommandPort))
	if err != nil {
		ex.Close()
		d.runTemplate(ctx, script.StopVM, map[string]string{"vm_name": inst.Name, "force_flag": "-9"})
		return nil, &TransitionError{Step: "start:forward", Err: err}
	}

	p := d.newPool(localAddr)
	if err := pollGuestReady(ctx, p, 30*time.Second); err != nil {
		p.Shutdown()
		closeFwd()
		ex.Close()
		d.runTemplate(ctx, script.StopVM, map[string]string{"vm_name": inst.Name, "force_flag": "-9"})
		return nil, &TransitionError{Step: "start:guest-ready", Err: err}
	}

	d.mu.Lock()
	d.instances[inst.Name] = &nestedRuntime{pool: p, exec: ex, closeFwd: closeFwd}
	d.mu.Unlock()

	inst.State = instance.StateRunning
	inst.Runtime = &instance.RuntimeInfo{StartedAt: time.Now()}
	inst.Touch(time.Now())
	return inst, nil
}

func (d *nestedDriver) newPool(target string) *pool.Pool {
	tt := transport.NewTcpTransport()
	dial := func(connectTimeout time.Duration) (*channel.Channel, error) {
		conn, err := tt.Connect(target, connectTimeout)
		if err != nil {
			return nil, err
		}
		return channel.New(conn), nil
	}
	return pool.New(dial, pool.Config{MaxConnections: 4, IdleTimeout: 60 * time.Second})
}

func (d *nestedDriver) Stop(ctx context.Context, inst *instance.Instance, force bool) (*instance.Instance, error) {
	if inst.State == instance.StateStopped {
		return inst, nil
	}
	if inst.State != instance.StateRunning && inst.State != instance.StatePaused {
		return nil, &StateConflict{Name: inst.Name, Have: inst.State, Want: "Running or Paused"}
	}
	inst.State = instance.StateStopping

	d.mu.Lock()
	rt, ok := d.instances[inst.Name]
	delete(d.instances, inst.Name)
	d.mu.Unlock()
	if ok {
		rt.pool.Shutdown()
		rt.closeFwd()
		rt.exec.Close()
	}

	forceFlag := ""
	if force {
		forceFlag = "-9"
	}
	if _, err := d.runTemplate(ctx, script.StopVM, map[string]string{"vm_name": inst.Name, "force_flag": forceFlag}); err != nil {
		inst.SetError(err.Error())
		return inst, &TransitionError{Step: "stop_vm", Err: err}
	}

	inst.State = instance.StateStopped
	inst.Runtime = nil
	inst.Touch(time.Now())
	return inst, nil
}

func (d *nestedDriver) Delete(ctx context.Context, inst *instance.Instance) error {
	if inst.State != instance.StateStopped {
		return &StateConflict{Name: inst.Name, Have: inst.State, Want: "Stopped"}
	}
	_, err := d.runTemplate(ctx, script.DeleteVM, map[string]string{"vm_name": inst.Name})
	return err
}

func (d *nestedDriver) Status(ctx context.Context, inst *instance.Instance) (StatusReport, error) {
	d.mu.Lock()
	_, ok := d.instances[inst.Name]
	d.mu.Unlock()
	if !ok {
		return StatusReport{State: inst.State}, nil
	}

	out, err := d.runTemplate(ctx, script.Metrics, map[string]string{"vm_name": inst.Name})
	if err != nil {
		return StatusReport{State: instance.StateRunning}, nil
	}
	var m instance.Metrics
	if jsonErr := json.Unmarshal(bytes.TrimSpace(out), &m); jsonErr == nil {
		return StatusReport{State: instance.StateRunning, Metrics: &m}, nil
	}
	return StatusReport{State: instance.StateRunning}, nil
}

func (d *nestedDriver) Exec(ctx context.Context, inst *instance.Instance, cmd string, args map[string]interface{}, stdin []byte, timeoutMs uint32) (*ExecResult, error) {
	d.mu.Lock()
	rt, ok := d.instances[inst.Name]
	d.mu.Unlock()
	if !ok {
		return nil, &StateConflict{Name: inst.Name, Have: inst.State, Want: "Running"}
	}

	req := channel.Request{Cmd: cmd, Args: args, TimeoutMs: timeoutMs}
	if len(stdin) > 0 {
		req.Stdin = base64.StdEncoding.EncodeToString(stdin)
	}
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	if timeoutMs == 0 {
		deadline = time.Now().Add(30 * time.Second)
	}
	resp, err := rt.pool.Execute(req, deadline)
	if err != nil {
		return nil, err
	}
	var exitCode int32
	if resp.ExitCode != nil {
		exitCode = *resp.ExitCode
	}
	stdout, _ := resp.StdoutBytes()
	stderr, _ := resp.StderrBytes()
	return &ExecResult{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}, nil
}
