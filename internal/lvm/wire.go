package lvm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LVM bundles the cache, mutator and reload engine behind the single
// value the rest of the daemon constructs once at startup and passes
// around.
type LVM struct {
	store   *EntityStore
	devices *DeviceResolver
	runner  *CommandRunner
	reload  *ReloadEngine
	cache   *Cache
	mutate  *Mutator
	stats   *Stats
}

// New assembles an LVM value from its collaborators. It takes no
// configuration value: LVMConfig.CacheLVs is neither passed in nor
// recorded, and GetAllLVs serves a VG's listing from cache whenever that
// listing is marked fresh.
func New(executor CommandExecutor, enumerator DeviceEnumerator, builder CommandBuilder,
	procInfo ProcessInfoLookup, dmAdmin DeviceMapperAdmin, blockProbe BlockSizeProbe, owner OwnershipAdmin,
	maxCommands int, metrics *Metrics) *LVM {
	store := NewEntityStore()
	devices := NewDeviceResolver(enumerator)
	stats := NewStats()
	runner := NewCommandRunner(executor, devices, maxCommands, metrics)
	reload := NewReloadEngine(store, runner, builder)
	cache := NewCache(store, reload, stats, metrics)
	mutate := NewMutator(store, runner, reload, builder, procInfo, dmAdmin, blockProbe, owner)
	return &LVM{store: store, devices: devices, runner: runner, reload: reload, cache: cache, mutate: mutate, stats: stats}
}

// Cache exposes the read-side facade.
func (l *LVM) Cache() *Cache { return l.cache }

// Mutator exposes the write-side API.
func (l *LVM) Mutator() *Mutator { return l.mutate }

// Stats exposes the hit/miss counters.
func (l *LVM) Stats() *Stats { return l.stats }

// Bootstrap loads all PVs, all VGs and all LVs, each with a single bulk
// command rather than one invocation per entity.
func (l *LVM) Bootstrap(ctx context.Context) error {
	l.reload.ReloadAllPVs(ctx)
	l.reload.ReloadAllVGs(ctx)
	l.reload.ReloadAllLVs(ctx)
	return nil
}

// DeactivateUnusedLVs deactivates every LV of vg that is active,
// unopened and absent from skip; inactive LVs are left alone. Used during daemon
// recovery to quiesce volumes left active by a prior crash.
func (l *LVM) DeactivateUnusedLVs(ctx context.Context, vg string, skip map[string]bool) error {
	lvs, err := l.cache.GetAllLVs(ctx, vg)
	if err != nil {
		return err
	}
	var toDeactivate []string
	for _, lv := range lvs {
		if !lv.Active {
			continue
		}
		if lv.Opened {
			continue
		}
		if skip[lv.Name] {
			continue
		}
		toDeactivate = append(toDeactivate, lv.Name)
	}
	if len(toDeactivate) == 0 {
		return nil
	}
	return l.mutate.DeactivateLVs(ctx, vg, toDeactivate)
}

// InvalidateCache drops every cached PV/VG/LV entry, forcing the next
// read of anything to reload from the toolchain.
func (l *LVM) InvalidateCache() {
	l.store.flush()
}

// InvalidateDevices marks the device-path set dirty.
func (l *LVM) InvalidateDevices() {
	l.devices.Invalidate()
}

// VGByUUID linearly scans GetAllVGs for a matching UUID. VG UUID is not
// an index key, so this is O(n) rather than a lookup table.
func (l *LVM) VGByUUID(ctx context.Context, uuid string) (VG, error) {
	vgs, err := l.cache.GetAllVGs(ctx)
	if err != nil {
		return VG{}, err
	}
	for _, vg := range vgs {
		if vg.UUID == uuid {
			return vg, nil
		}
	}
	return VG{}, wrapf(ErrVolumeGroupDoesNotExist, uuid, nil)
}

// LVsByTag returns vg's LVs carrying tag.
func (l *LVM) LVsByTag(ctx context.Context, vg, tag string) ([]LV, error) {
	lvs, err := l.cache.GetAllLVs(ctx, vg)
	if err != nil {
		return nil, err
	}
	var out []LV
	for _, lv := range lvs {
		for _, t := range lv.Tags {
			if t == tag {
				out = append(out, lv)
				break
			}
		}
	}
	return out, nil
}

// TestPVCreate dry-runs pvcreate --test against devices, returning which
// are already claimed by an existing PV/VG (used) versus free (unused),
// so a VG-creation wizard can warn before committing.
func (l *LVM) TestPVCreate(ctx context.Context, devices []string, metadataSizeMB int) (unused, used []string, err error) {
	argv := []string{"pvcreate", "--test"}
	if metadataSizeMB > 0 {
		argv = append(argv, "--metadatasize", fmt.Sprintf("%dm", metadataSizeMB))
	}
	for _, d := range devices {
		argv = append(argv, d)
	}
	out, runErr := l.runner.Run(ctx, argv, devices, true)
	if runErr != nil {
		ce, ok := runErr.(*CommandError)
		if !ok {
			return nil, nil, wrapf(ErrPhysDevInitialization, strings.Join(devices, ","), runErr)
		}
		for _, line := range ce.Stderr {
			for _, d := range devices {
				if strings.Contains(line, d) {
					used = append(used, d)
				}
			}
		}
		for _, d := range devices {
			if !contains(used, d) {
				unused = append(unused, d)
			}
		}
		return unused, used, nil
	}
	_ = out
	return devices, nil, nil
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// FirstExtentDevices parses lv.Devices, whose wire format is a
// comma-separated list of `name(startpe)` tokens, returning just the
// device-path components.
func FirstExtentDevices(lv LV) []string {
	var out []string
	for _, tok := range strings.Split(lv.Devices, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if i := strings.IndexByte(tok, '('); i >= 0 {
			tok = tok[:i]
		}
		out = append(out, tok)
	}
	return out
}

// MetadataPV returns vg's single metadata PV, raising
// UnexpectedVolumeGroupMetadata if exactly one is not found.
func (l *LVM) MetadataPV(ctx context.Context, vg string) (PV, error) {
	pvNames := l.store.vgPVNames(vg)
	pvs, err := l.cache.GetPVs(ctx, pvNames)
	if err != nil {
		return PV{}, err
	}
	var found []PV
	for _, pv := range pvs {
		if pv.IsMetadataPV() {
			found = append(found, pv)
		}
	}
	if len(found) != 1 {
		return PV{}, wrapf(ErrUnexpectedVolumeGroupMetadata, fmt.Sprintf("%s: found %d metadata PVs", vg, len(found)), nil)
	}
	return found[0], nil
}

// FilterConfig is the on-disk YAML device-filter allow/deny list
// (config-lvm-filter's output), layered under the live multipath scan as
// a static override.
type FilterConfig struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// LoadFilterConfig reads a YAML FilterConfig from path.
func LoadFilterConfig(path string) (FilterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FilterConfig{}, fmt.Errorf("lvm: read filter config %s: %w", path, err)
	}
	var cfg FilterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FilterConfig{}, fmt.Errorf("lvm: parse filter config %s: %w", path, err)
	}
	return cfg, nil
}

// staticFilterEnumerator layers a FilterConfig's allow list under a live
// DeviceEnumerator: the allow list is unioned in, the deny list is
// subtracted, every time CurrentDevicePaths is called.
type staticFilterEnumerator struct {
	inner  DeviceEnumerator
	filter FilterConfig
}

// NewStaticFilterEnumerator wraps inner with a static allow/deny override.
func NewStaticFilterEnumerator(inner DeviceEnumerator, filter FilterConfig) DeviceEnumerator {
	return &staticFilterEnumerator{inner: inner, filter: filter}
}

func (e *staticFilterEnumerator) CurrentDevicePaths(ctx context.Context) ([]string, error) {
	live, err := e.inner.CurrentDevicePaths(ctx)
	if err != nil {
		return nil, err
	}
	deny := make(map[string]bool, len(e.filter.Deny))
	for _, d := range e.filter.Deny {
		deny[d] = true
	}
	seen := make(map[string]bool, len(live)+len(e.filter.Allow))
	var out []string
	for _, d := range live {
		if deny[d] || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	for _, d := range e.filter.Allow {
		if deny[d] || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out, nil
}
