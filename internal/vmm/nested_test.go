package vmm

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aivahq/aiva/internal/config"
	"github.com/aivahq/aiva/internal/instance"
)

// fakeExec is a remoteExec that records every script it was asked to run
// and returns canned results, so template rendering and wiring can be
// tested without a real SSH/WSL helper. forwardAddr, when set, is what
// Forward hands back instead of echoing guestAddr, so tests can point it at
// a fake in-process guest listener.
type fakeExec struct {
	ran         []string
	exitCode    int
	stdout      []byte
	runErr      error
	forwardAddr string
	closed      int32
}

func (f *fakeExec) Run(ctx context.Context, body string) ([]byte, []byte, int, error) {
	f.ran = append(f.ran, body)
	return f.stdout, nil, f.exitCode, f.runErr
}

func (f *fakeExec) Forward(ctx context.Context, guestAddr string) (string, func(), error) {
	addr := guestAddr
	if f.forwardAddr != "" {
		addr = f.forwardAddr
	}
	return addr, func() {}, nil
}

func (f *fakeExec) Close() error {
	atomic.AddInt32(&f.closed, 1)
	return nil
}

// fakeGuestListener starts a TCP listener that answers every length-prefixed
// Command Channel request with {"status":"ok"}, standing in for a guest's
// command endpoint reached through a (fake) forwarder.
func fakeGuestListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeGuestConn(conn)
		}
	}()
	return ln.Addr().String()
}

func serveFakeGuestConn(conn net.Conn) {
	defer conn.Close()
	for {
		hdr := make([]byte, 4)
		if _, err := readFull(conn, hdr); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(hdr)
		body := make([]byte, n)
		if _, err := readFull(conn, body); err != nil {
			return
		}
		var req struct {
			ID uint64 `json:"id"`
		}
		json.Unmarshal(body, &req)
		resp, _ := json.Marshal(map[string]interface{}{"id": req.ID, "status": "ok"})
		out := make([]byte, 4+len(resp))
		binary.BigEndian.PutUint32(out, uint32(len(resp)))
		copy(out[4:], resp)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func newTestNestedDriver(t *testing.T, ex *fakeExec) *nestedDriver {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.AivaHome = t.TempDir()
	return newNestedDriver("test-nested", cfg, func() (remoteExec, error) {
		return ex, nil
	}, func(ctx context.Context) error { return nil })
}

func sampleTestInstance(name string) *instance.Instance {
	return &instance.Instance{
		ID:    "id-" + name,
		Name:  name,
		State: instance.StateCreating,
		Config: instance.VMConfig{
			VCPUs:      4,
			MemoryMB:   8192,
			DiskGB:     50,
			KernelPath: "/images/vmlinux",
			RootfsPath: "/images/rootfs.ext4",
		},
	}
}

func TestNestedDriverCreateRendersCreateVMTemplate(t *testing.T) {
	ex := &fakeExec{exitCode: 0}
	d := newTestNestedDriver(t, ex)
	inst := sampleTestInstance("a1")

	out, err := d.Create(context.Background(), inst)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if out.State != instance.StateStopped {
		t.Errorf("state = %v, want Stopped", out.State)
	}
	if len(ex.ran) != 1 {
		t.Fatalf("expected exactly one script run, got %d", len(ex.ran))
	}
	if !strings.Contains(ex.ran[0], "a1") {
		t.Error("rendered script does not mention the instance name")
	}
}

func TestNestedDriverCreateRejectsWrongState(t *testing.T) {
	d := newTestNestedDriver(t, &fakeExec{})
	inst := sampleTestInstance("a1")
	inst.State = instance.StateRunning

	_, err := d.Create(context.Background(), inst)
	if _, ok := err.(*StateConflict); !ok {
		t.Fatalf("got %v, want *StateConflict", err)
	}
}

func TestNestedDriverCreateFailsOnNonZeroExit(t *testing.T) {
	ex := &fakeExec{exitCode: 1}
	d := newTestNestedDriver(t, ex)
	inst := sampleTestInstance("a1")

	_, err := d.Create(context.Background(), inst)
	if err == nil {
		t.Fatal("expected error on non-zero script exit")
	}
	if _, ok := err.(*TransitionError); !ok {
		t.Fatalf("got %T, want *TransitionError", err)
	}
}

func TestNestedDriverStopIdempotentOnStopped(t *testing.T) {
	d := newTestNestedDriver(t, &fakeExec{})
	inst := sampleTestInstance("a1")
	inst.State = instance.StateStopped

	out, err := d.Stop(context.Background(), inst, false)
	if err != nil {
		t.Fatalf("stop on already-stopped instance: %v", err)
	}
	if out.State != instance.StateStopped {
		t.Errorf("state = %v, want Stopped", out.State)
	}
}

func TestNestedDriverDeleteRejectsWrongState(t *testing.T) {
	d := newTestNestedDriver(t, &fakeExec{})
	inst := sampleTestInstance("a1")
	inst.State = instance.StateRunning

	err := d.Delete(context.Background(), inst)
	if _, ok := err.(*StateConflict); !ok {
		t.Fatalf("got %v, want *StateConflict", err)
	}
}

func TestNestedDriverStartKeepsExecutorOpenUntilStop(t *testing.T) {
	guestAddr := fakeGuestListener(t)
	ex := &fakeExec{exitCode: 0, forwardAddr: guestAddr}
	d := newTestNestedDriver(t, ex)
	inst := sampleTestInstance("a1")
	inst.State = instance.StateStopped

	out, err := d.Start(context.Background(), inst)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if out.State != instance.StateRunning {
		t.Fatalf("state = %v, want Running", out.State)
	}
	// The factory hands back this one fakeExec every time, and each
	// runTemplate call runs one script on it and then closes it. Closes
	// beyond len(ex.ran) therefore belong to the long-lived forwarding
	// executor.
	if extra := int(atomic.LoadInt32(&ex.closed)) - len(ex.ran); extra != 0 {
		t.Fatalf("executor closed during Start (got %d extra closes); the forward tunnel it owns must survive into the running lifetime", extra)
	}

	if _, err := d.Stop(context.Background(), out, false); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if extra := int(atomic.LoadInt32(&ex.closed)) - len(ex.ran); extra != 1 {
		t.Fatalf("expected executor to be closed exactly once by Stop, got %d extra closes", extra)
	}
}

func TestPollGuestReadyFailsFastOnDeadlineExceeded(t *testing.T) {
	// A pool whose dialer always fails should make pollGuestReady return
	// an error promptly once the (very short) timeout elapses, never
	// hanging past it.
	start := time.Now()
	d := newTestNestedDriver(t, &fakeExec{})
	_ = d
	// pollGuestReady is exercised indirectly through Start in integration
	// paths; here we just assert the helper's own contract directly using
	// a pool that can never dial successfully.
	p := (&nestedDriver{}).newPool("127.0.0.1:1") // nothing listens here
	err := pollGuestReady(context.Background(), p, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected error from pollGuestReady against an unreachable target")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("pollGuestReady took too long: %v", time.Since(start))
	}
	p.Shutdown()
}
