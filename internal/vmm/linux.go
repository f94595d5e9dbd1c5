package vmm

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/aivahq/aiva/internal/channel"
	"github.com/aivahq/aiva/internal/config"
	"github.com/aivahq/aiva/internal/instance"
	"github.com/aivahq/aiva/internal/pool"
	"github.com/aivahq/aiva/internal/transport"
)

// guestCommandPort is the default vsock port the guest's command endpoint
// listens on (spec.md §6).
const guestCommandPort = 52000

// linuxRuntime holds the in-process handles for a running instance that
// don't belong in the persisted Instance record: the live Machine and its
// Command Pool. The guest vsock CID is not stored here; Start always uses
// 3 (one jailer-less firecracker process per VM).
type linuxRuntime struct {
	machine *firecracker.Machine
	pool    *pool.Pool
}

// LinuxDriver implements Driver directly against this host's KVM via
// Firecracker, reached over the hypervisor's UDS API socket. It is the
// only driver whose Command Pool dials vsock directly — macOS/Windows go
// through a TCP forwarder (see nested.go).
type LinuxDriver struct {
	cfg *config.Config

	mu        sync.Mutex
	instances map[string]*linuxRuntime

	subnetCounter uint32
}

// NewLinuxDriver returns a Driver for this host's direct KVM/Firecracker
// facility.
func NewLinuxDriver(cfg *config.Config) *LinuxDriver {
	return &LinuxDriver{
		cfg:       cfg,
		instances: make(map[string]*linuxRuntime),
	}
}

func (d *LinuxDriver) Name() string { return "linux-direct" }

func (d *LinuxDriver) Probe(ctx context.Context) (PlatformCapabilities, error) {
	if _, err := os.Stat("/dev/kvm"); err != nil {
		return PlatformCapabilities{Virtualization: false, Details: fmt.Sprintf("/dev/kvm: %v", err)}, nil
	}
	return PlatformCapabilities{Virtualization: true, Details: "/dev/kvm present"}, nil
}

func (d *LinuxDriver) EnsureHostReady(ctx context.Context) error {
	if err := d.cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("ensure dirs: %w", err)
	}
	d.cfg.ResolveBinaries()
	if d.cfg.FirecrackerBin == "" {
		return fmt.Errorf("firecracker binary not found on PATH or in %s", d.cfg.BinDir)
	}
	if _, err := os.Stat(d.cfg.KernelPath); err != nil {
		return fmt.Errorf("kernel image not found at %s: %w", d.cfg.KernelPath, err)
	}
	return nil
}

// instanceDir is the per-VM directory spec.md §4.4 step 1 creates.
func (d *LinuxDriver) instanceDir(name string) string {
	return filepath.Join("/var/lib/firecracker", name)
}

// --- Step 1: create ---

func (d *LinuxDriver) Create(ctx context.Context, inst *instance.Instance) (*instance.Instance, error) {
	if inst.State != instance.StateCreating {
		return nil, &StateConflict{Name: inst.Name, Have: inst.State, Want: "Creating"}
	}

	dir := d.instanceDir(inst.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &TransitionError{Step: "create:mkdir", Err: err}
	}

	diskPath := filepath.Join(dir, "rootfs.ext4")
	if _, err := os.Stat(diskPath); os.IsNotExist(err) {
		if err := copyFileContents(inst.Config.RootfsPath, diskPath); err != nil {
			return nil, &TransitionError{Step: "create:copy-rootfs", Err: err}
		}
		if err := resizeExt4(ctx, diskPath, inst.Config.DiskGB); err != nil {
			return nil, &TransitionError{Step: "create:resize", Err: err}
		}
	}

	inst.Config.RootfsPath = diskPath
	inst.State = instance.StateStopped
	inst.Touch(time.Now())
	return inst, nil
}

// resizeExt4 grows diskPath's ext4 filesystem to diskGB, per spec.md §4.4
// step 1: truncate + e2fsck + resize2fs.
func resizeExt4(ctx context.Context, diskPath string, diskGB int) error {
	size := int64(diskGB) * 1024 * 1024 * 1024
	f, err := os.OpenFile(diskPath, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open disk: %w", err)
	}
	truncErr := f.Truncate(size)
	if truncErr == nil {
		// Preallocate the grown region so the ext4 resize below and the
		// guest's first writes don't fragment across a sparse hole.
		if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
			log.Warnf("vmm: fallocate %s: %v (falling back to sparse truncate)", diskPath, err)
		}
	}
	f.Close()
	if truncErr != nil {
		return fmt.Errorf("truncate: %w", truncErr)
	}
	if err := runCmd(ctx, "e2fsck", "-f", "-y", diskPath); err != nil {
		// e2fsck exits non-zero even on successful fixups; resize2fs is the
		// authoritative check, so a failing e2fsck here is logged, not fatal.
		log.Warnf("vmm: e2fsck reported issues on %s: %v", diskPath, err)
	}
	if err := runCmd(ctx, "resize2fs", diskPath); err != nil {
		return fmt.Errorf("resize2fs: %w", err)
	}
	return nil
}

func copyFileContents(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if fi, statErr := in.Stat(); statErr == nil {
		_ = unix.Fadvise(int(in.Fd()), 0, fi.Size(), unix.FADV_SEQUENTIAL)
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := out.ReadFrom(in); err != nil {
		return err
	}
	return out.Close()
}

// --- Steps 2-11: start ---

func (d *LinuxDriver) Start(ctx context.Context, inst *instance.Instance) (*instance.Instance, error) {
	if inst.State != instance.StateStopped {
		return nil, &StateConflict{Name: inst.Name, Have: inst.State, Want: "Stopped"}
	}

	dir := d.instanceDir(inst.Name)
	socketPath := filepath.Join(dir, "firecracker.sock")
	tapName := "tap-" + inst.Name

	hostIP, guestIP := d.allocateSubnet()
	inst.Config.Network.HostTapIPv4 = hostIP
	inst.Config.Network.GuestIPv4 = guestIP

	// Step 2: create TAP, assign host IP, bring up.
	if err := createTap(ctx, tapName, hostIP); err != nil {
		return nil, &TransitionError{Step: "start:create-tap", Err: err}
	}

	// Step 3: remove stale socket; spawn hypervisor; record PID (the SDK
	// handles the spawn+PUT sequence of steps 5-10 internally).
	os.Remove(socketPath)

	vcpus := int64(inst.Config.VCPUs)
	memMB := int64(inst.Config.MemoryMB)
	fcCfg := firecracker.Config{
		SocketPath:      socketPath,
		KernelImagePath: inst.Config.KernelPath,
		KernelArgs:      inst.Config.BootArgs,
		Drives: []models.Drive{
			{
				DriveID:      firecracker.String("rootfs"),
				PathOnHost:   firecracker.String(inst.Config.RootfsPath),
				IsRootDevice: firecracker.Bool(true),
				IsReadOnly:   firecracker.Bool(false),
			},
		},
		NetworkInterfaces: []firecracker.NetworkInterface{
			{
				StaticConfiguration: &firecracker.StaticNetworkConfiguration{
					HostDevName: tapName,
					MacAddress:  inst.Config.Network.GuestMAC,
				},
			},
		},
		VsockDevices: []firecracker.VsockDevice{
			{ID: "vsock0", Path: filepath.Join(dir, "vsock.sock"), CID: 3},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  &vcpus,
			MemSizeMib: &memMB,
		},
	}
	for _, extra := range inst.Config.Storage.ExtraDrives {
		fcCfg.Drives = append(fcCfg.Drives, models.Drive{
			DriveID:      firecracker.String(extra.ID),
			PathOnHost:   firecracker.String(extra.Path),
			IsRootDevice: firecracker.Bool(false),
			IsReadOnly:   firecracker.Bool(extra.ReadOnly),
		})
	}

	fcCmd := firecracker.VMCommandBuilder{}.
		WithBin(d.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(ctx)

	logger := log.New()
	logger.SetLevel(log.WarnLevel)

	machine, err := firecracker.NewMachine(ctx, fcCfg,
		firecracker.WithProcessRunner(fcCmd),
		firecracker.WithLogger(log.NewEntry(logger)),
	)
	if err != nil {
		destroyTap(tapName)
		return nil, &TransitionError{Step: "start:new-machine", Err: err}
	}

	// Steps 4-10: Machine.Start polls the socket, then PUTs machine-config,
	// boot-source, drives, network-interfaces, and finally InstanceStart, in
	// exactly that order.
	if err := machine.Start(ctx); err != nil {
		machine.StopVMM()
		destroyTap(tapName)
		return nil, &TransitionError{Step: "start:boot", Err: err}
	}

	pid, _ := machine.PID()

	// Step 11: poll the guest command endpoint with ping, exponential
	// backoff from 100ms capped at 2s, up to 30s total.
	p := d.newPool(fmt.Sprintf("3:%d", guestCommandPort))
	if err := pollGuestReady(ctx, p, 30*time.Second); err != nil {
		p.Shutdown()
		machine.StopVMM()
		destroyTap(tapName)
		return nil, &TransitionError{Step: "start:guest-ready", Err: err}
	}

	d.mu.Lock()
	d.instances[inst.Name] = &linuxRuntime{machine: machine, pool: p}
	d.mu.Unlock()

	inst.State = instance.StateRunning
	inst.Runtime = &instance.RuntimeInfo{
		HypervisorPID: pid,
		APISocketPath: socketPath,
		TapDevice:     tapName,
		StartedAt:     time.Now(),
	}
	inst.Touch(time.Now())
	return inst, nil
}

// pollGuestReady implements spec.md §4.4 step 11's backoff schedule.
func pollGuestReady(ctx context.Context, p *pool.Pool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	backoff := 100 * time.Millisecond
	const backoffCap = 2 * time.Second

	var lastErr error
	for time.Now().Before(deadline) {
		pingDeadline := time.Now().Add(backoff)
		if pingDeadline.After(deadline) {
			pingDeadline = deadline
		}
		_, err := p.Execute(channel.Request{Cmd: "ping"}, pingDeadline)
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
	return fmt.Errorf("guest command endpoint not ready after %s: %w", timeout, lastErr)
}

// newPool creates a Command Pool dialing this VM's vsock command endpoint
// directly — the Linux-direct driver needs no TCP forwarder.
func (d *LinuxDriver) newPool(target string) *pool.Pool {
	vt := transport.NewVsockTransport()
	dial := func(connectTimeout time.Duration) (*channel.Channel, error) {
		conn, err := vt.Connect(target, connectTimeout)
		if err != nil {
			return nil, err
		}
		return channel.New(conn), nil
	}
	return pool.New(dial, pool.Config{MaxConnections: 4, IdleTimeout: 60 * time.Second})
}

// allocateSubnet hands out a fresh /30 per VM to avoid the collision noted
// in spec.md §9 open question (i), rather than reusing the sample scripts'
// fixed 172.16.0.1/24.
func (d *LinuxDriver) allocateSubnet() (hostIP, guestIP string) {
	idx := atomic.AddUint32(&d.subnetCounter, 1) - 1
	third := idx / 64
	fourth := (idx % 64) * 4
	return fmt.Sprintf("172.16.%d.%d", third, fourth+1), fmt.Sprintf("172.16.%d.%d", third, fourth+2)
}

// --- Stop / Delete / Status / Exec ---

func (d *LinuxDriver) Stop(ctx context.Context, inst *instance.Instance, force bool) (*instance.Instance, error) {
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
		if force {
			rt.machine.StopVMM()
		} else if err := rt.machine.Shutdown(ctx); err != nil {
			log.Warnf("vmm: graceful shutdown of %s failed, forcing: %v", inst.Name, err)
			rt.machine.StopVMM()
		}
	}

	tapName := "tap-" + inst.Name
	if inst.Runtime != nil && inst.Runtime.TapDevice != "" {
		tapName = inst.Runtime.TapDevice
	}
	destroyTap(tapName)
	os.Remove(filepath.Join(d.instanceDir(inst.Name), "firecracker.sock"))

	inst.State = instance.StateStopped
	inst.Runtime = nil
	inst.Touch(time.Now())
	return inst, nil
}

func (d *LinuxDriver) Delete(ctx context.Context, inst *instance.Instance) error {
	if inst.State != instance.StateStopped {
		return &StateConflict{Name: inst.Name, Have: inst.State, Want: "Stopped"}
	}
	return os.RemoveAll(d.instanceDir(inst.Name))
}

func (d *LinuxDriver) Status(ctx context.Context, inst *instance.Instance) (StatusReport, error) {
	d.mu.Lock()
	_, ok := d.instances[inst.Name]
	d.mu.Unlock()
	if !ok {
		return StatusReport{State: inst.State}, nil
	}
	if inst.Runtime == nil || inst.Runtime.HypervisorPID == 0 {
		return StatusReport{State: instance.StateRunning}, nil
	}
	metrics, err := sampleProcMetrics(inst.Runtime.HypervisorPID)
	if err != nil {
		return StatusReport{State: instance.StateRunning}, nil
	}
	return StatusReport{State: instance.StateRunning, Metrics: metrics}, nil
}

func (d *LinuxDriver) Exec(ctx context.Context, inst *instance.Instance, cmd string, args map[string]interface{}, stdin []byte, timeoutMs uint32) (*ExecResult, error) {
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

// sampleProcMetrics reads /proc/<pid>/stat rather than reporting the
// hard-coded 15.0 the sample Windows template would (see spec.md §9 open
// question iii), and /proc/meminfo for memory totals. CPUUsage is the
// process's cumulative CPU time (utime+stime) in seconds; no delta between
// samples or usage rate is computed. Rx/Tx bytes are left at zero.
func sampleProcMetrics(pid int) (*instance.Metrics, error) {
	statPath := fmt.Sprintf("/proc/%d/stat", pid)
	data, err := os.ReadFile(statPath)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 24 {
		return nil, fmt.Errorf("unexpected /proc/%d/stat format", pid)
	}
	utime, _ := strconv.ParseInt(fields[13], 10, 64)
	stime, _ := strconv.ParseInt(fields[14], 10, 64)
	rssPages, _ := strconv.ParseInt(fields[23], 10, 64)

	clkTck := int64(100) // USER_HZ, standard on Linux
	cpuSeconds := float64(utime+stime) / float64(clkTck)

	memInfo, _ := os.ReadFile("/proc/meminfo")
	var memTotalKB int64
	for _, line := range strings.Split(string(memInfo), "\n") {
		if strings.HasPrefix(line, "MemTotal:") {
			fs := strings.Fields(line)
			if len(fs) >= 2 {
				memTotalKB, _ = strconv.ParseInt(fs[1], 10, 64)
			}
			break
		}
	}

	return &instance.Metrics{
		CPUUsage:      cpuSeconds,
		MemoryUsedKB:  rssPages * int64(os.Getpagesize()) / 1024,
		MemoryTotalKB: memTotalKB,
	}, nil
}

// --- Networking helpers, grounded on cloudhv.go's tap/NAT lifecycle ---

func createTap(ctx context.Context, name, hostIP string) error {
	if err := runCmd(ctx, "ip", "tuntap", "add", "dev", name, "mode", "tap"); err != nil {
		return fmt.Errorf("ip tuntap add: %w", err)
	}
	if err := runCmd(ctx, "ip", "addr", "add", hostIP+"/30", "dev", name); err != nil {
		destroyTap(name)
		return fmt.Errorf("ip addr add: %w", err)
	}
	if err := runCmd(ctx, "ip", "link", "set", name, "up"); err != nil {
		destroyTap(name)
		return fmt.Errorf("ip link set up: %w", err)
	}
	if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1"), 0644); err != nil {
		log.Warnf("vmm: enable ip_forward: %v", err)
	}
	return nil
}

func destroyTap(name string) {
	runCmd(context.Background(), "ip", "link", "del", name)
}

func runCmd(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
