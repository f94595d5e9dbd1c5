package vmm

import (
	"context"
	"testing"

	"github.com/aivahq/aiva/internal/instance"
)

type fakeDriver struct {
	name string
	caps PlatformCapabilities
	err  error
}

func (f *fakeDriver) Name() string { return f.name }
func (f *fakeDriver) Probe(ctx context.Context) (PlatformCapabilities, error) {
	return f.caps, f.err
}
func (f *fakeDriver) EnsureHostReady(ctx context.Context) error { return nil }
func (f *fakeDriver) Create(ctx context.Context, inst *instance.Instance) (*instance.Instance, error) {
	return inst, nil
}
func (f *fakeDriver) Start(ctx context.Context, inst *instance.Instance) (*instance.Instance, error) {
	return inst, nil
}
func (f *fakeDriver) Stop(ctx context.Context, inst *instance.Instance, force bool) (*instance.Instance, error) {
	return inst, nil
}
func (f *fakeDriver) Delete(ctx context.Context, inst *instance.Instance) error { return nil }
func (f *fakeDriver) Status(ctx context.Context, inst *instance.Instance) (StatusReport, error) {
	return StatusReport{State: inst.State}, nil
}
func (f *fakeDriver) Exec(ctx context.Context, inst *instance.Instance, cmd string, args map[string]interface{}, stdin []byte, timeoutMs uint32) (*ExecResult, error) {
	return &ExecResult{}, nil
}

func TestSelectAmongPicksFirstViable(t *testing.T) {
	unavailable := &fakeDriver{name: "a", caps: PlatformCapabilities{Virtualization: false}}
	viable := &fakeDriver{name: "b", caps: PlatformCapabilities{Virtualization: true}}
	last := &fakeDriver{name: "c", caps: PlatformCapabilities{Virtualization: true}}

	d, caps, err := selectAmong(context.Background(), []Driver{unavailable, viable, last})
	if err != nil {
		t.Fatalf("selectAmong: %v", err)
	}
	if d.Name() != "b" {
		t.Errorf("selected %q, want %q", d.Name(), "b")
	}
	if !caps.Virtualization {
		t.Error("expected Virtualization true")
	}
}

func TestSelectAmongNoViablePlatform(t *testing.T) {
	a := &fakeDriver{name: "a", caps: PlatformCapabilities{Virtualization: false}}
	b := &fakeDriver{name: "b", caps: PlatformCapabilities{Virtualization: false}}

	_, _, err := selectAmong(context.Background(), []Driver{a, b})
	if _, ok := err.(*NoViablePlatform); !ok {
		t.Fatalf("got %v, want *NoViablePlatform", err)
	}
}
