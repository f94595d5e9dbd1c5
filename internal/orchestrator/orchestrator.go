// Package orchestrator implements the public verbs — init, start, stop,
// delete, status, deploy, logs, run, config_get/set/list, data_sync/list —
// on top of the registry, the selected Platform Driver, and the supporting
// stores (event log, log store, overlay manager, secrets). Every mutating
// verb is serialized per instance name by a dedicated token, generalized
// from the corpus's per-instance embedded mutex so that Status never
// blocks behind a long-running Start or Stop.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aivahq/aiva/internal/config"
	"github.com/aivahq/aiva/internal/eventlog"
	"github.com/aivahq/aiva/internal/instance"
	"github.com/aivahq/aiva/internal/logstore"
	"github.com/aivahq/aiva/internal/overlay"
	"github.com/aivahq/aiva/internal/registry"
	"github.com/aivahq/aiva/internal/secrets"
	"github.com/aivahq/aiva/internal/vmm"
)

// ConflictError is returned when an operation's own precondition (distinct
// from the driver's State precondition) is violated — init on a name that
// already exists. A verb on a name that was never init'd returns the
// registry's *registry.NotFoundError instead.
type ConflictError struct {
	Op     string
	Name   string
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Op, e.Name, e.Detail)
}

// Orchestrator wires the registry, the selected Platform Driver, and the
// supporting stores into the verb surface spec.md §4.5/§6 describes.
type Orchestrator struct {
	cfg      *config.Config
	reg      *registry.Registry
	driver   vmm.Driver
	events   *eventlog.Log
	logs     *logstore.Store
	overlays overlay.Overlay
	secretsS *secrets.Store
	tokens   *tokenSet
}

// New wires an Orchestrator from its already-opened dependencies. Opening
// and wiring those dependencies is cmd/aivad's job, not this package's.
func New(cfg *config.Config, reg *registry.Registry, driver vmm.Driver, events *eventlog.Log, logs *logstore.Store, overlays overlay.Overlay, secretsS *secrets.Store) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		reg:      reg,
		driver:   driver,
		events:   events,
		logs:     logs,
		overlays: overlays,
		secretsS: secretsS,
		tokens:   newTokenSet(),
	}
}

// recordTransition best-effort appends to the event log. A broken
// events.db must never fail the operation it describes (spec.md §9).
func (o *Orchestrator) recordTransition(name, from, to, detail string) {
	if o.events == nil {
		return
	}
	_ = o.events.Record(eventlog.Event{
		InstanceName: name,
		FromState:    from,
		ToState:      to,
		Detail:       detail,
		At:           time.Now(),
	})
}

func (o *Orchestrator) systemLog(name, line string) {
	if o.logs == nil {
		return
	}
	o.logs.GetOrCreate(name).Append("stdout", line, logstore.SourceSystem, "")
}

// Init creates instances/<name>.json with default sizing (template only
// selects the rootfs image, $ImagesDir/<template>.ext4, or base.ext4 when
// empty; vcpus, memory and disk always come from the configured defaults)
// and materializes the per-VM rootfs via the driver's Create.
func (o *Orchestrator) Init(ctx context.Context, name string, template string) (*instance.Instance, error) {
	if err := instance.ValidateName(name); err != nil {
		return nil, err
	}

	release := o.tokens.acquire(name)
	defer release()

	if o.reg.Exists(name) {
		return nil, &ConflictError{Op: "init", Name: name, Detail: "already exists"}
	}

	now := time.Now()
	inst := &instance.Instance{
		ID:    uuid.NewString(),
		Name:  name,
		State: instance.StateCreating,
		Config: instance.VMConfig{
			VCPUs:      o.cfg.DefaultVCPUs,
			MemoryMB:   o.cfg.DefaultMemoryMB,
			DiskGB:     o.cfg.DefaultDiskGB,
			KernelPath: o.cfg.KernelPath,
			RootfsPath: o.resolveTemplateRootfs(template),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := inst.Config.Validate(); err != nil {
		return nil, fmt.Errorf("init %q: %w", name, err)
	}

	if err := o.reg.Save(inst); err != nil {
		return nil, fmt.Errorf("init %q: %w", name, err)
	}

	out, err := o.driver.Create(ctx, inst)
	if err != nil {
		inst.SetError(err.Error())
		o.reg.Save(inst)
		o.recordTransition(name, string(instance.StateCreating), string(instance.StateError), err.Error())
		return nil, fmt.Errorf("init %q: %w", name, err)
	}

	if err := o.reg.Save(out); err != nil {
		return nil, fmt.Errorf("init %q: %w", name, err)
	}
	o.recordTransition(name, string(instance.StateCreating), string(out.State), "init")
	o.systemLog(name, "instance initialized")
	return out, nil
}

func (o *Orchestrator) resolveTemplateRootfs(template string) string {
	if template == "" {
		return o.cfg.ImagesDir + "/base.ext4"
	}
	return o.cfg.ImagesDir + "/" + template + ".ext4"
}

// Start boots name, which must currently be Stopped. A second concurrent
// Start on a Running instance fails with *vmm.StateConflict without
// mutating the registry, per spec.md §8 scenario 3.
func (o *Orchestrator) Start(ctx context.Context, name string, overrides map[string]string) (*instance.Instance, error) {
	release := o.tokens.acquire(name)
	defer release()

	inst, err := o.reg.Load(name)
	if err != nil {
		return nil, err
	}

	if err := o.applyOverrides(inst, overrides); err != nil {
		return nil, fmt.Errorf("start %q: %w", name, err)
	}

	from := inst.State
	out, err := o.driver.Start(ctx, inst)
	if err != nil {
		if _, ok := err.(*vmm.StateConflict); ok {
			return nil, err
		}
		inst.SetError(err.Error())
		o.reg.Save(inst)
		o.recordTransition(name, string(from), string(instance.StateError), err.Error())
		return nil, fmt.Errorf("start %q: %w", name, err)
	}

	if err := o.reg.Save(out); err != nil {
		return nil, fmt.Errorf("start %q: %w", name, err)
	}
	o.recordTransition(name, string(from), string(out.State), "start")
	o.systemLog(name, "instance started")
	return out, nil
}

// applyOverrides layers config_set-style overrides onto inst.Config for a
// single start, without persisting them as ConfigOverrides (that's what
// ConfigSet is for — these are one-shot, start-scoped values).
func (o *Orchestrator) applyOverrides(inst *instance.Instance, overrides map[string]string) error {
	for k, v := range overrides {
		switch k {
		case "boot_args":
			inst.Config.BootArgs = v
		case "vcpus", "memory_mb", "disk_gb":
			return fmt.Errorf("override %q requires re-init, not start", k)
		default:
			return fmt.Errorf("unknown start override %q", k)
		}
	}
	return nil
}

// Stop halts name. Idempotent on an already-Stopped instance.
func (o *Orchestrator) Stop(ctx context.Context, name string, force bool) (*instance.Instance, error) {
	release := o.tokens.acquire(name)
	defer release()

	inst, err := o.reg.Load(name)
	if err != nil {
		return nil, err
	}

	from := inst.State
	out, err := o.driver.Stop(ctx, inst, force)
	if err != nil {
		o.recordTransition(name, string(from), "error", err.Error())
		return nil, fmt.Errorf("stop %q: %w", name, err)
	}

	if err := o.reg.Save(out); err != nil {
		return nil, fmt.Errorf("stop %q: %w", name, err)
	}
	o.recordTransition(name, string(from), string(out.State), "stop")
	o.systemLog(name, "instance stopped")
	return out, nil
}

// Delete removes name's per-VM directory, registry entry, overlay, and log
// files. force stops a Running instance first rather than failing.
func (o *Orchestrator) Delete(ctx context.Context, name string, force bool) error {
	release := o.tokens.acquire(name)
	defer release()

	inst, err := o.reg.Load(name)
	if err != nil {
		return err
	}

	if inst.State != instance.StateStopped {
		if !force {
			return &vmm.StateConflict{Name: name, Have: inst.State, Want: "Stopped"}
		}
		stopped, err := o.driver.Stop(ctx, inst, true)
		if err != nil {
			return fmt.Errorf("delete %q: force-stop: %w", name, err)
		}
		inst = stopped
		o.reg.Save(inst)
	}

	if err := o.driver.Delete(ctx, inst); err != nil {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	if err := o.reg.Delete(name); err != nil {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	if o.overlays != nil {
		o.overlays.Remove(name)
	}
	if o.logs != nil {
		o.logs.Remove(name)
	}
	o.recordTransition(name, string(inst.State), "deleted", "delete")
	return nil
}

// StatusResult reports one instance's driver-observed state layered over
// its registry record.
type StatusResult struct {
	Instance *instance.Instance
	Report   vmm.StatusReport
}

// Status reports name's current state as seen by the driver, bypassing the
// per-name token so it never blocks behind a long start/stop.
func (o *Orchestrator) Status(ctx context.Context, name string) (*StatusResult, error) {
	inst, err := o.reg.Load(name)
	if err != nil {
		return nil, err
	}
	report, err := o.driver.Status(ctx, inst)
	if err != nil {
		return nil, fmt.Errorf("status %q: %w", name, err)
	}
	return &StatusResult{Instance: inst, Report: report}, nil
}

// StatusAll reports Status for every instance in the registry, names
// sorted for deterministic output; a single instance's Status failure does
// not abort the rest.
func (o *Orchestrator) StatusAll(ctx context.Context) ([]*StatusResult, error) {
	names, err := o.reg.List()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	out := make([]*StatusResult, 0, len(names))
	for _, name := range names {
		res, err := o.Status(ctx, name)
		if err != nil {
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

// Deploy is stop + rootfs swap + start, holding the token across the whole
// sequence so no other mutating operation on name interleaves (spec.md
// §4.5). restart controls whether the instance is left Stopped (false) or
// started again (true) after the swap.
func (o *Orchestrator) Deploy(ctx context.Context, name, imagePath string, restart bool) (*instance.Instance, error) {
	release := o.tokens.acquire(name)
	defer release()

	inst, err := o.reg.Load(name)
	if err != nil {
		return nil, err
	}

	from := inst.State
	if inst.State == instance.StateRunning || inst.State == instance.StatePaused {
		stopped, err := o.driver.Stop(ctx, inst, false)
		if err != nil {
			return nil, fmt.Errorf("deploy %q: stop: %w", name, err)
		}
		inst = stopped
		o.reg.Save(inst)
	}

	inst.Config.RootfsPath = imagePath
	inst.State = instance.StateStopped
	inst.Touch(time.Now())
	recreated, err := o.driver.Create(ctx, &instance.Instance{
		ID: inst.ID, Name: inst.Name, State: instance.StateCreating, Config: inst.Config,
		CreatedAt: inst.CreatedAt, UpdatedAt: inst.UpdatedAt,
	})
	if err != nil {
		inst.SetError(err.Error())
		o.reg.Save(inst)
		return nil, fmt.Errorf("deploy %q: image swap: %w", name, err)
	}
	inst = recreated

	if restart {
		started, err := o.driver.Start(ctx, inst)
		if err != nil {
			inst.SetError(err.Error())
			o.reg.Save(inst)
			return nil, fmt.Errorf("deploy %q: restart: %w", name, err)
		}
		inst = started
	}

	if err := o.reg.Save(inst); err != nil {
		return nil, fmt.Errorf("deploy %q: %w", name, err)
	}
	o.recordTransition(name, string(from), string(inst.State), "deploy:"+imagePath)
	o.systemLog(name, "deployed image "+imagePath)
	return inst, nil
}

// Logs returns buffered log entries for name, limited to the last tail
// entries (tail <= 0 means all). Live following is FollowLogs.
func (o *Orchestrator) Logs(name string, tail int) []logstore.Entry {
	il := o.logs.Get(name)
	if il == nil {
		return nil
	}
	return il.Read(time.Time{}, tail)
}

// FollowLogs subscribes to live log entries for name, returning the
// existing buffer, a channel of future entries, and an unsubscribe func.
func (o *Orchestrator) FollowLogs(name string) (existing []logstore.Entry, ch chan logstore.Entry, unsub func()) {
	il := o.logs.GetOrCreate(name)
	ch, existing, unsub = il.Subscribe()
	return existing, ch, unsub
}

// Run executes commandLine against name's guest command endpoint. name
// must be Running; the per-name token is held only long enough to read the
// registry entry, not for the duration of the exec itself, so concurrent
// Run calls against one instance can overlap (the driver's Command Pool
// bounds real concurrency).
func (o *Orchestrator) Run(ctx context.Context, name, commandLine string, timeout time.Duration) (*vmm.ExecResult, error) {
	release := o.tokens.acquire(name)
	inst, err := o.reg.Load(name)
	release()
	if err != nil {
		return nil, err
	}
	if inst.State != instance.StateRunning {
		return nil, &vmm.StateConflict{Name: name, Have: inst.State, Want: "Running"}
	}

	timeoutMs := uint32(timeout.Milliseconds())
	res, err := o.driver.Exec(ctx, inst, "run", map[string]interface{}{"command_line": commandLine}, nil, timeoutMs)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", name, err)
	}
	if o.logs != nil {
		il := o.logs.GetOrCreate(name)
		for _, line := range strings.Split(strings.TrimRight(string(res.Stdout), "\n"), "\n") {
			if line != "" {
				il.Append("stdout", line, logstore.SourceExec, "")
			}
		}
	}
	return res, nil
}

const secretPrefix = "secret:"

// ConfigSet stores key=value on name. A value prefixed with "secret:" is
// encrypted via the Secrets store before it ever reaches the registry; the
// prefix itself is stripped and not part of the stored plaintext.
func (o *Orchestrator) ConfigSet(name, key, value string) error {
	release := o.tokens.acquire(name)
	defer release()

	inst, err := o.reg.Load(name)
	if err != nil {
		return err
	}

	if inst.ConfigOverrides == nil {
		inst.ConfigOverrides = make(map[string]string)
	}
	if inst.SecretKeys == nil {
		inst.SecretKeys = make(map[string]bool)
	}

	if strings.HasPrefix(value, secretPrefix) {
		plain := strings.TrimPrefix(value, secretPrefix)
		enc, err := o.secretsS.EncryptToRegistryValue(plain)
		if err != nil {
			return fmt.Errorf("config_set %q %q: %w", name, key, err)
		}
		inst.ConfigOverrides[key] = enc
		inst.SecretKeys[key] = true
	} else {
		inst.ConfigOverrides[key] = value
		delete(inst.SecretKeys, key)
	}

	inst.Touch(time.Now())
	return o.reg.Save(inst)
}

// ConfigGet returns key's current value for name, decrypting it first if
// it was set as a secret.
func (o *Orchestrator) ConfigGet(name, key string) (string, error) {
	release := o.tokens.acquire(name)
	defer release()

	inst, err := o.reg.Load(name)
	if err != nil {
		return "", err
	}

	raw, ok := inst.ConfigOverrides[key]
	if !ok {
		return "", fmt.Errorf("config_get %q: no such key %q", name, key)
	}
	if inst.SecretKeys[key] {
		return o.secretsS.DecryptFromRegistryValue(raw)
	}
	return raw, nil
}

// ConfigEntry is one config_list row. Secret values are redacted.
type ConfigEntry struct {
	Key    string
	Value  string
	Secret bool
}

// ConfigList returns every override on name, sorted by key. Secret entries
// report Value as "<secret>" rather than decrypting.
func (o *Orchestrator) ConfigList(name string) ([]ConfigEntry, error) {
	inst, err := o.reg.Load(name)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(inst.ConfigOverrides))
	for k := range inst.ConfigOverrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]ConfigEntry, 0, len(keys))
	for _, k := range keys {
		if inst.SecretKeys[k] {
			out = append(out, ConfigEntry{Key: k, Value: "<secret>", Secret: true})
			continue
		}
		out = append(out, ConfigEntry{Key: k, Value: inst.ConfigOverrides[k]})
	}
	return out, nil
}

// DataSync copies hostPath into name's overlay directory at guestPath and
// records the mount. This is a one-shot host-side copy, not a live mount.
func (o *Orchestrator) DataSync(ctx context.Context, name, hostPath, guestPath string) error {
	release := o.tokens.acquire(name)
	defer release()

	inst, err := o.reg.Load(name)
	if err != nil {
		return err
	}

	if _, err := o.overlays.Create(ctx, o.cfg.ImagesDir, name); err != nil {
		return fmt.Errorf("data_sync %q: %w", name, err)
	}
	if err := o.overlays.SyncInto(ctx, name, hostPath, guestPath); err != nil {
		return fmt.Errorf("data_sync %q: %w", name, err)
	}

	inst.DataMounts = append(inst.DataMounts, instance.DataMount{
		HostPath:  hostPath,
		GuestPath: guestPath,
		SyncedAt:  time.Now(),
	})
	inst.Touch(time.Now())
	return o.reg.Save(inst)
}

// DataList returns the recorded data_sync mounts for name.
func (o *Orchestrator) DataList(name string) ([]instance.DataMount, error) {
	inst, err := o.reg.Load(name)
	if err != nil {
		return nil, err
	}
	return inst.DataMounts, nil
}
