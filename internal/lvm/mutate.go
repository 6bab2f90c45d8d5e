package lvm

import (
	"context"
	"fmt"
	"strings"
)

// Mutator runs the write-side LVM commands: every write runs a command scoped
// to the target VG's PVs, translates toolchain failures into a domain
// error, and invalidates the exact set of entries the operation may have
// perturbed — even when the command itself failed.
type Mutator struct {
	store      *EntityStore
	runner     *CommandRunner
	reload     *ReloadEngine
	builder    CommandBuilder
	procInfo   ProcessInfoLookup
	dmAdmin    DeviceMapperAdmin
	blockProbe BlockSizeProbe
	owner      OwnershipAdmin
	parser     OutputParser

	// DeviceOwner/DeviceGroup are the user:group a newly activated LV's
	// device node is chowned to (config.LVMConfig.DeviceOwner).
	DeviceOwner string
	DeviceGroup string
}

// NewMutator wires a Mutator to its collaborators.
func NewMutator(store *EntityStore, runner *CommandRunner, reload *ReloadEngine, builder CommandBuilder,
	procInfo ProcessInfoLookup, dmAdmin DeviceMapperAdmin, blockProbe BlockSizeProbe, owner OwnershipAdmin) *Mutator {
	return &Mutator{
		store: store, runner: runner, reload: reload, builder: builder,
		procInfo: procInfo, dmAdmin: dmAdmin, blockProbe: blockProbe, owner: owner,
		parser: OutputParser{},
	}
}

func (m *Mutator) run(ctx context.Context, argv []string, devices []string, usePolld bool) ([]string, *CommandError) {
	out, err := m.runner.Run(ctx, argv, devices, usePolld)
	if err == nil {
		return out, nil
	}
	if ce, ok := err.(*CommandError); ok {
		return out, ce
	}
	return out, &CommandError{Cmd: argv, RC: -1, Stderr: []string{err.Error()}}
}

// supportedBlockSizes lists the device logical block sizes LVM's metadata
// format can address. A VG's PVs must additionally all share one size.
var supportedBlockSizes = map[int]bool{512: true, 4096: true}

// checkBlockSizes probes each device's logical block size and rejects the
// set if any size is unsupported or the devices don't agree with one
// another. Run before a VG's PV membership changes.
func (m *Mutator) checkBlockSizes(devices []string) error {
	if m.blockProbe == nil || len(devices) == 0 {
		return nil
	}
	var first int
	for i, dev := range devices {
		logical, _, err := m.blockProbe.BlockSizes(dev)
		if err != nil {
			return wrapf(ErrDeviceBlockSize, dev, err)
		}
		if !supportedBlockSizes[logical] {
			return wrapf(ErrDeviceBlockSize, dev, fmt.Errorf("unsupported logical block size %d", logical))
		}
		if i == 0 {
			first = logical
			continue
		}
		if logical != first {
			return wrapf(ErrVolumeGroupBlockSize, dev, fmt.Errorf("block size %d conflicts with %d", logical, first))
		}
	}
	return nil
}

// CreateVG creates a volume group on pvs, invalidating the new PVs and
// the new VG on success. On failure it returns a translated error; the
// PVs are not yet known to belong to any VG so nothing is invalidated.
func (m *Mutator) CreateVG(ctx context.Context, name string, pvs []string, extentSizeMB int64) error {
	fqPVs := make([]string, len(pvs))
	for i, pv := range pvs {
		fqPVs[i] = m.builder.FQPVName(pv)
	}
	if err := m.checkBlockSizes(fqPVs); err != nil {
		return err
	}
	argv := []string{"vgcreate"}
	if extentSizeMB > 0 {
		argv = append(argv, "-s", fmt.Sprintf("%dm", extentSizeMB))
	}
	argv = append(argv, name)
	for _, pv := range pvs {
		argv = append(argv, m.builder.FQPVName(pv))
	}
	_, cerr := m.run(ctx, argv, pvs, true)
	if cerr != nil {
		return wrapf(ErrVolumeGroupCreate, name, cerr)
	}
	for _, pv := range pvs {
		m.store.markStalePV(pv)
	}
	m.store.markStaleVG(name)
	return nil
}

// ExtendVG adds pvs to vg.
func (m *Mutator) ExtendVG(ctx context.Context, vg string, pvs []string) error {
	fqPVs := make([]string, len(pvs))
	for i, pv := range pvs {
		fqPVs[i] = m.builder.FQPVName(pv)
	}
	if err := m.checkBlockSizes(fqPVs); err != nil {
		return err
	}
	argv := []string{"vgextend", vg}
	for _, pv := range pvs {
		argv = append(argv, m.builder.FQPVName(pv))
	}
	devices := append(append([]string{}, m.store.vgPVNames(vg)...), pvs...)
	_, cerr := m.run(ctx, argv, devices, true)
	m.store.markStaleVG(vg)
	for _, pv := range pvs {
		m.store.markStalePV(pv)
	}
	if cerr != nil {
		return wrapf(ErrVolumeGroupExtend, vg, cerr)
	}
	return nil
}

// ReduceVG removes pv from vg.
func (m *Mutator) ReduceVG(ctx context.Context, vg, pv string) error {
	argv := []string{"vgreduce", vg, m.builder.FQPVName(pv)}
	_, cerr := m.run(ctx, argv, m.store.vgPVNames(vg), true)
	m.store.markStaleVG(vg)
	m.store.markStalePV(pv)
	if cerr != nil {
		return wrapf(ErrVolumeGroupReduce, vg, cerr)
	}
	return nil
}

// RemoveVG deactivates vg then runs vgremove -f, invalidating all of the
// VG's PVs either way and removing the VG from the cache only on success
// (on failure it is re-marked Stale so the next read retries).
func (m *Mutator) RemoveVG(ctx context.Context, vg string) error {
	_ = m.DeactivateVG(ctx, vg)

	pvNames := m.store.vgPVNames(vg)
	argv := []string{"vgremove", "-f", vg}
	_, cerr := m.run(ctx, argv, pvNames, true)
	for _, pv := range pvNames {
		m.store.markStalePV(pv)
	}
	if cerr != nil {
		m.store.markStaleVG(vg)
		return wrapf(ErrVolumeGroupRemove, vg, cerr)
	}
	m.store.removeVG(vg)
	m.store.removeAllLVsOfVG(vg)
	return nil
}

// VGCheck runs vgck; on failure it invalidates the VG and all of its LVs.
func (m *Mutator) VGCheck(ctx context.Context, vg string) error {
	argv := []string{"vgck", vg}
	_, cerr := m.run(ctx, argv, m.store.vgPVNames(vg), true)
	if cerr != nil {
		m.store.markStaleVG(vg)
		m.store.markStaleAllLVsOfVG(vg)
		return wrapf(ErrVolumeGroupDoesNotExist, vg, cerr)
	}
	return nil
}

// DeactivateVG runs `vgchange --available n`. On failure it logs and
// clears any stray device-mapper mappings whose name is prefixed by the
// VG's (escaped) name, to recover storage that has already gone
// unreachable. All of the VG's LVs are marked Stale in either case.
func (m *Mutator) DeactivateVG(ctx context.Context, vg string) error {
	argv := []string{"vgchange", "--available", "n", vg}
	_, cerr := m.run(ctx, argv, m.store.vgPVNames(vg), true)
	m.store.markStaleAllLVsOfVG(vg)
	if cerr != nil {
		logWarnf("lvm: deactivate VG failed, clearing stray DM mappings", "vg", vg, "error", cerr)
		if m.dmAdmin != nil {
			if names, lerr := m.dmAdmin.ListMappedDevices(ctx); lerr == nil {
				prefix := escapeDMName(vg) + "-"
				for _, n := range names {
					if strings.HasPrefix(n, prefix) {
						_ = m.dmAdmin.RemoveMapping(ctx, n)
					}
				}
			}
		}
		return wrapf(ErrCannotDeactivateLV, vg, cerr)
	}
	return nil
}

// escapeDMName mirrors device-mapper's '-' -> '--' escaping used when
// building mapper names from VG/LV names.
func escapeDMName(s string) string {
	return strings.ReplaceAll(s, "-", "--")
}

// CreateLV creates lv in vg, invalidates the VG and the new LV, then
// either chowns the activated device node or sets it unavailable.
func (m *Mutator) CreateLV(ctx context.Context, vg, lv string, sizeMB int64, contiguous bool, tags []string, device string, activate bool) error {
	fq := ""
	if device != "" {
		fq = m.builder.FQPVName(device)
	}
	argv := m.builder.LVCreate(vg, lv, sizeMB, contiguous, tags, fq)
	_, cerr := m.run(ctx, argv, m.store.vgPVNames(vg), true)
	if cerr != nil {
		return wrapf(ErrLogicalVolumeCreate, vg+"/"+lv, cerr)
	}
	m.store.markStaleVG(vg)
	m.store.markStaleLV(vg, lv)

	if activate {
		if m.owner != nil && m.DeviceOwner != "" {
			path := "/dev/" + vg + "/" + lv
			if err := m.owner.Chown(path, m.DeviceOwner, m.DeviceGroup); err != nil {
				logWarnf("lvm: chown new LV device node failed", "vg", vg, "lv", lv, "error", err)
			}
		}
	} else {
		if err := m.setLVAvailability(ctx, vg, []string{lv}, "n"); err != nil {
			return err
		}
	}
	return nil
}

// RemoveLVs removes lvs from vg. Active LVs are not blocked, only
// warned about. On success the LVs are dropped from the cache and the VG
// is invalidated; on failure the LVs are marked Stale instead.
func (m *Mutator) RemoveLVs(ctx context.Context, vg string, lvs []string) error {
	for _, lv := range lvs {
		if entry, ok := m.store.getLV(vg, lv); ok {
			if v, err := entry.Value(); err == nil && v.Active {
				logWarnf("lvm: removing active logical volume", "vg", vg, "lv", lv)
			}
		}
	}
	argv := m.builder.LVRemove(vg, lvs)
	_, cerr := m.run(ctx, argv, m.store.vgPVNames(vg), true)
	if cerr != nil {
		for _, lv := range lvs {
			m.store.markStaleLV(vg, lv)
		}
		return wrapf(ErrLogicalVolumeRemove, vg, cerr)
	}
	for _, lv := range lvs {
		m.store.removeLV(vg, lv)
	}
	m.store.markStaleVG(vg)
	return nil
}

// ExtendLV grows lv to sizeMB. It first checks the cached size to skip a
// no-op command; on toolchain failure it re-reads the LV to see whether
// the size requirement is already satisfied by another path before
// deciding between ErrLogicalVolumeExtend and ErrNotEnoughFreeExtents.
func (m *Mutator) ExtendLV(ctx context.Context, vg, lv string, sizeMB int64) error {
	wantBytes := sizeMB * 1024 * 1024
	if entry, ok := m.store.getLV(vg, lv); ok {
		if v, err := entry.Value(); err == nil && v.Size >= wantBytes {
			return nil
		}
	}

	argv := m.builder.LVExtend(vg, lv, sizeMB, false)
	_, cerr := m.run(ctx, argv, m.store.vgPVNames(vg), true)
	m.store.markStaleVG(vg)
	m.store.markStaleLV(vg, lv)
	if cerr == nil {
		return nil
	}

	if current, rerr := m.reload.ReloadSingleLV(ctx, vg, lv); rerr == nil && current.Size >= wantBytes {
		return nil
	}
	if vgRec, rerr := m.reload.ReloadSingleVG(ctx, vg); rerr == nil {
		if vgRec.FreeCount*vgRec.ExtentSize < wantBytes {
			return wrapf(ErrNotEnoughFreeExtents, vg, cerr)
		}
	}
	return wrapf(ErrLogicalVolumeExtend, vg+"/"+lv, cerr)
}

// ReduceLV shrinks lv to sizeMB, symmetric to ExtendLV's no-op check.
func (m *Mutator) ReduceLV(ctx context.Context, vg, lv string, sizeMB int64, force bool) error {
	wantBytes := sizeMB * 1024 * 1024
	if entry, ok := m.store.getLV(vg, lv); ok {
		if v, err := entry.Value(); err == nil && v.Size <= wantBytes {
			return nil
		}
	}
	argv := m.builder.LVReduce(vg, lv, sizeMB, force)
	_, cerr := m.run(ctx, argv, m.store.vgPVNames(vg), true)
	m.store.markStaleVG(vg)
	m.store.markStaleLV(vg, lv)
	if cerr != nil {
		return wrapf(ErrLogicalVolumeExtend, vg+"/"+lv, cerr)
	}
	return nil
}

// ActivateLVs partitions lvs by whether they are already active. The
// already-active subset is refreshed (lvchange --refresh) if refresh is
// true; the inactive subset is set available.
func (m *Mutator) ActivateLVs(ctx context.Context, vg string, lvs []string, refresh bool) error {
	var active, inactive []string
	for _, lv := range lvs {
		if entry, ok := m.store.getLV(vg, lv); ok {
			if v, err := entry.Value(); err == nil && v.Active {
				active = append(active, lv)
				continue
			}
		}
		inactive = append(inactive, lv)
	}
	if refresh && len(active) > 0 {
		if err := m.RefreshLVs(ctx, vg, active); err != nil {
			return err
		}
	}
	if len(inactive) > 0 {
		if err := m.setLVAvailability(ctx, vg, inactive, "y"); err != nil {
			return wrapf(ErrCannotActivateLVs, vg, err)
		}
	}
	return nil
}

// DeactivateLVs filters to currently-active members and sets them
// unavailable; a failure whose stderr indicates the LV is busy is
// downgraded to a warning naming the processes holding it open.
func (m *Mutator) DeactivateLVs(ctx context.Context, vg string, lvs []string) error {
	var active []string
	for _, lv := range lvs {
		if entry, ok := m.store.getLV(vg, lv); ok {
			if v, err := entry.Value(); err == nil && v.Active {
				active = append(active, lv)
			}
		}
	}
	if len(active) == 0 {
		return nil
	}
	return m.setLVAvailability(ctx, vg, active, "n")
}

// setLVAvailability runs lvchange --available {y,n} for lvs, handling the
// "in use" suppression for availability=n.
func (m *Mutator) setLVAvailability(ctx context.Context, vg string, lvs []string, availability string) error {
	if availability != "y" && availability != "n" {
		return wrapf(ErrBadAvailability, availability, nil)
	}
	argv := m.builder.LVChange(vg, lvs, [][2]string{{"--available", availability}}, false)
	_, cerr := m.run(ctx, argv, m.store.vgPVNames(vg), true)
	for _, lv := range lvs {
		m.store.markStaleLV(vg, lv)
	}
	if cerr == nil {
		return nil
	}
	if availability == "n" && cerr.LVInUse() {
		m.logBusyUsers(ctx, vg, lvs)
		return nil
	}
	if availability == "n" {
		return wrapf(ErrCannotDeactivateLV, vg, cerr)
	}
	return wrapf(ErrCannotActivateLVs, vg, cerr)
}

func (m *Mutator) logBusyUsers(ctx context.Context, vg string, lvs []string) {
	if m.procInfo == nil {
		logWarnf("lvm: logical volume busy, not deactivated", "vg", vg, "lvs", lvs)
		return
	}
	for _, lv := range lvs {
		devicePath := "/dev/" + vg + "/" + lv
		users, err := m.procInfo.ProcInfo(ctx, devicePath)
		if err != nil || len(users) == 0 {
			logWarnf("lvm: logical volume busy, not deactivated", "vg", vg, "lv", lv)
			continue
		}
		logWarnf("lvm: logical volume busy, not deactivated", "vg", vg, "lv", lv, "users", users)
	}
}

// RefreshLVs runs `lvchange --refresh` with autobackup enabled.
func (m *Mutator) RefreshLVs(ctx context.Context, vg string, lvs []string) error {
	argv := m.builder.LVChange(vg, lvs, [][2]string{{"--refresh", ""}}, true)
	_, cerr := m.run(ctx, argv, m.store.vgPVNames(vg), true)
	for _, lv := range lvs {
		m.store.markStaleLV(vg, lv)
	}
	if cerr != nil {
		return wrapf(ErrLogicalVolumeRefresh, vg, cerr)
	}
	return nil
}

// ChangeLVTags adds/deletes tags on lvs. Overlapping add/delete sets are
// rejected before any command runs.
func (m *Mutator) ChangeLVTags(ctx context.Context, vg string, lvs []string, add, del []string) error {
	if dup := overlap(add, del); dup != "" {
		return wrapf(ErrDuplicateTag, dup, nil)
	}
	attrs := tagAttrs(add, del)
	if len(attrs) == 0 {
		return nil
	}
	argv := m.builder.LVChange(vg, lvs, attrs, false)
	_, cerr := m.run(ctx, argv, m.store.vgPVNames(vg), true)
	for _, lv := range lvs {
		m.store.markStaleLV(vg, lv)
	}
	if cerr != nil {
		return wrapf(ErrLogicalVolumeReplaceTag, vg, cerr)
	}
	return nil
}

// ChangeVGTags adds/deletes tags on vg, symmetric to ChangeLVTags.
func (m *Mutator) ChangeVGTags(ctx context.Context, vg string, add, del []string) error {
	if dup := overlap(add, del); dup != "" {
		return wrapf(ErrDuplicateTag, dup, nil)
	}
	argv := []string{"vgchange"}
	for _, t := range add {
		argv = append(argv, "--addtag", t)
	}
	for _, t := range del {
		argv = append(argv, "--deltag", t)
	}
	argv = append(argv, vg)
	if len(add)+len(del) == 0 {
		return nil
	}
	_, cerr := m.run(ctx, argv, m.store.vgPVNames(vg), true)
	m.store.markStaleVG(vg)
	if cerr != nil {
		return wrapf(ErrVolumeGroupReplaceTag, vg, cerr)
	}
	return nil
}

// SetLVReadWrite sets lv's rw permission bit. If the command itself
// fails, the LV's actual current rw state is re-checked before deciding
// whether to swallow the error (workaround for a toolchain quirk where
// the change already took effect despite a nonzero exit code).
func (m *Mutator) SetLVReadWrite(ctx context.Context, vg, lv string, writeable bool) error {
	perm := "r"
	if writeable {
		perm = "rw"
	}
	argv := m.builder.LVChange(vg, []string{lv}, [][2]string{{"--permission", perm}}, false)
	_, cerr := m.run(ctx, argv, m.store.vgPVNames(vg), true)
	m.store.markStaleLV(vg, lv)
	if cerr == nil {
		return nil
	}
	if current, rerr := m.reload.ReloadSingleLV(ctx, vg, lv); rerr == nil && current.Writeable == writeable {
		return nil
	}
	return wrapf(ErrCannotSetRWLogicalVolume, vg+"/"+lv, cerr)
}

// ResizePV runs pvresize, invalidating the PV and its VG.
func (m *Mutator) ResizePV(ctx context.Context, pv string) error {
	argv := []string{"pvresize", m.builder.FQPVName(pv)}
	_, cerr := m.run(ctx, argv, []string{pv}, true)
	m.store.markStalePV(pv)
	if vgName := m.vgOf(pv); vgName != "" {
		m.store.markStaleVG(vgName)
	}
	if cerr != nil {
		return wrapf(ErrCouldNotResizePhysicalVol, pv, cerr)
	}
	return nil
}

// MovePV relocates pv's extents off-device, disabling the background
// polling toolchain variant. All of the VG's PVs
// and LVs are invalidated on success *and* failure.
func (m *Mutator) MovePV(ctx context.Context, vg, pv string) error {
	argv := []string{"pvmove", m.builder.FQPVName(pv)}
	_, cerr := m.run(ctx, argv, m.store.vgPVNames(vg), false)
	for _, p := range m.store.vgPVNames(vg) {
		m.store.markStalePV(p)
	}
	m.store.markStaleVG(vg)
	m.store.markStaleAllLVsOfVG(vg)
	if cerr != nil {
		return wrapf(ErrCouldNotMovePVData, pv, cerr)
	}
	return nil
}

func (m *Mutator) vgOf(pv string) string {
	if entry, ok := m.store.getPV(pv); ok {
		if v, err := entry.Value(); err == nil {
			return v.VGName
		}
	}
	return ""
}

func overlap(add, del []string) string {
	set := make(map[string]bool, len(add))
	for _, t := range add {
		set[t] = true
	}
	for _, t := range del {
		if set[t] {
			return t
		}
	}
	return ""
}

func tagAttrs(add, del []string) [][2]string {
	var attrs [][2]string
	for _, t := range add {
		attrs = append(attrs, [2]string{"--addtag", t})
	}
	for _, t := range del {
		attrs = append(attrs, [2]string{"--deltag", t})
	}
	return attrs
}
