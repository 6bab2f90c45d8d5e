package lvm

import (
	"context"
	"fmt"
)

// maxWarnNames bounds how many entity names are spelled out in a single
// "marked unreadable" warning log line; beyond that we just report the
// count to keep batch invalidation logging short.
const maxWarnNames = 20

// ReloadEngine runs pvs/vgs/lvs through the CommandRunner and folds the
// parsed output back into an EntityStore, implementing reload
// semantics including the PV-vs-VG/LV raise asymmetry.
type ReloadEngine struct {
	store   *EntityStore
	runner  *CommandRunner
	parser  OutputParser
	builder CommandBuilder
}

// NewReloadEngine wires a ReloadEngine to its store and command runner.
func NewReloadEngine(store *EntityStore, runner *CommandRunner, builder CommandBuilder) *ReloadEngine {
	return &ReloadEngine{store: store, runner: runner, parser: OutputParser{}, builder: builder}
}

// --- PV reload ------------------------------------------------------------

// ReloadAllPVs runs a bare `pvs` and replaces the whole PV table,
// clearing the bulk-stale sentinel on success. It never raises:
// a command failure just leaves the PV table as it was and the sentinel
// set, so the next cache read retries.
func (e *ReloadEngine) ReloadAllPVs(ctx context.Context) {
	out, err := e.runner.Run(ctx, []string{"pvs", "-o", PVColumns}, nil, true)
	if err != nil {
		logWarnf("lvm: reload all PVs failed", "error", err)
		return
	}
	pvs, skipped, perr := e.parser.ParsePVs(out)
	if perr != nil {
		logWarnf("lvm: parse all PVs failed", "error", perr)
		return
	}
	for _, pv := range skipped {
		logWarnf("lvm: pv missing from host, skipping", "uuid", pv.UUID, "vg", pv.VGName)
	}
	e.store.clearAllPVs()
	for _, pv := range pvs {
		e.store.upsertPV(pv)
	}
	e.store.clearStalePV()
}

// ReloadPVs runs `pvs` scoped to names and upserts whatever comes back;
// any requested name missing from the output is marked Unreadable.
// Like ReloadAllPVs, it never raises.
func (e *ReloadEngine) ReloadPVs(ctx context.Context, names []string) {
	if len(names) == 0 {
		return
	}
	argv := append([]string{"pvs", "-o", PVColumns}, names...)
	out, err := e.runner.Run(ctx, argv, names, true)
	if err != nil {
		e.markStalePVsUnreadable(names)
		return
	}
	pvs, skipped, perr := e.parser.ParsePVs(out)
	if perr != nil {
		e.markStalePVsUnreadable(names)
		return
	}
	found := make(map[string]bool, len(pvs))
	for _, pv := range pvs {
		e.store.upsertPV(pv)
		found[pv.Name] = true
	}
	for _, pv := range skipped {
		logWarnf("lvm: pv missing from host, skipping", "uuid", pv.UUID, "vg", pv.VGName)
	}
	var missing []string
	for _, n := range names {
		if !found[n] {
			missing = append(missing, n)
		}
	}
	e.markStalePVsUnreadable(missing)
}

// ReloadSinglePV reloads exactly one PV. On command failure it demotes a
// Stale or Unreadable entry to Unreadable and raises
// ErrInaccessiblePhysDev; an absent entry stays absent and the same error
// is raised. If name was already Fresh (a concurrent reload beat us to
// it), ReloadSinglePV returns the entry's current value without raising.
func (e *ReloadEngine) ReloadSinglePV(ctx context.Context, name string) (PV, error) {
	out, err := e.runner.Run(ctx, []string{"pvs", "-o", PVColumns, name}, []string{name}, true)
	if err != nil {
		demoted := e.store.markUnreadablePV(name)
		if demoted {
			return PV{}, wrapf(ErrInaccessiblePhysDev, name, err)
		}
		if entry, ok := e.store.getPV(name); ok {
			return entry.Value()
		}
		return PV{}, wrapf(ErrInaccessiblePhysDev, name, err)
	}
	pvs, _, perr := e.parser.ParsePVs(out)
	if perr != nil || len(pvs) == 0 {
		demoted := e.store.markUnreadablePV(name)
		if demoted {
			return PV{}, wrapf(ErrInaccessiblePhysDev, name, perr)
		}
		if entry, ok := e.store.getPV(name); ok {
			return entry.Value()
		}
		return PV{}, wrapf(ErrInaccessiblePhysDev, name, perr)
	}
	e.store.upsertPV(pvs[0])
	return pvs[0], nil
}

func (e *ReloadEngine) markStalePVsUnreadable(names []string) {
	if len(names) == 0 {
		return
	}
	var demoted []string
	for _, n := range names {
		if e.store.markUnreadablePV(n) {
			demoted = append(demoted, n)
		}
	}
	logDemoted("pv", demoted)
}

// --- VG reload --------------------------------------------------------

// ReloadAllVGs runs a bare `vgs` and replaces the whole VG table.
// Whatever rows the command did manage to print are applied even when
// its exit status was an error — a partial vgs failure still updates
// the VGs it could read; stalevg is only cleared when the command
// fully succeeded.
func (e *ReloadEngine) ReloadAllVGs(ctx context.Context) {
	out, err := e.runner.Run(ctx, []string{"vgs", "-o", VGColumns}, nil, true)
	if len(out) == 0 {
		if err != nil {
			logWarnf("lvm: reload all VGs failed", "error", err)
		}
		return
	}
	vgs, perr := e.parser.ParseVGs(out)
	if perr != nil {
		logWarnf("lvm: parse all VGs failed", "error", perr)
		return
	}
	e.store.clearAllVGs()
	for _, vg := range vgs {
		e.store.upsertVG(vg)
	}
	if err != nil {
		logWarnf("lvm: reload all VGs returned partial output after error", "error", err)
		return
	}
	e.store.clearStaleVG()
}

// ReloadVGs runs `vgs` scoped to names; any requested name missing from
// the output is marked Unreadable. Never raises.
func (e *ReloadEngine) ReloadVGs(ctx context.Context, names []string) {
	if len(names) == 0 {
		return
	}
	argv := append([]string{"vgs", "-o", VGColumns}, names...)
	out, err := e.runner.Run(ctx, argv, nil, true)
	if err != nil {
		e.markStaleVGsUnreadable(names)
		return
	}
	vgs, perr := e.parser.ParseVGs(out)
	if perr != nil {
		e.markStaleVGsUnreadable(names)
		return
	}
	found := make(map[string]bool, len(vgs))
	for _, vg := range vgs {
		e.store.upsertVG(vg)
		found[vg.Name] = true
	}
	var missing []string
	for _, n := range names {
		if !found[n] {
			missing = append(missing, n)
		}
	}
	e.markStaleVGsUnreadable(missing)
}

// ReloadSingleVG reloads exactly one VG. Unlike PVs, a command failure
// here always raises ErrVolumeGroupDoesNotExist, regardless of whether
// the demotion to Unreadable actually changed anything.
func (e *ReloadEngine) ReloadSingleVG(ctx context.Context, name string) (VG, error) {
	out, err := e.runner.Run(ctx, []string{"vgs", "-o", VGColumns, name}, nil, true)
	if err != nil {
		e.store.markUnreadableVG(name)
		return VG{}, wrapf(ErrVolumeGroupDoesNotExist, name, err)
	}
	vgs, perr := e.parser.ParseVGs(out)
	if perr != nil || len(vgs) == 0 {
		e.store.markUnreadableVG(name)
		return VG{}, wrapf(ErrVolumeGroupDoesNotExist, name, perr)
	}
	e.store.upsertVG(vgs[0])
	return vgs[0], nil
}

func (e *ReloadEngine) markStaleVGsUnreadable(names []string) {
	if len(names) == 0 {
		return
	}
	var demoted []string
	for _, n := range names {
		if e.store.markUnreadableVG(n) {
			demoted = append(demoted, n)
		}
	}
	logDemoted("vg", demoted)
}

// --- LV reload --------------------------------------------------------

// ReloadAllLVsOfVG runs `lvs` scoped to vg and replaces that VG's LV
// entries, marking the whole-VG listing Fresh on success. Used by
// cache misses on GetAllLVs; Bootstrap uses ReloadAllLVs instead.
func (e *ReloadEngine) ReloadAllLVsOfVG(ctx context.Context, vg string) {
	out, err := e.runner.Run(ctx, []string{"lvs", "-o", LVColumns, vg}, e.store.vgPVNames(vg), true)
	if err != nil {
		logWarnf("lvm: reload LVs of VG failed", "vg", vg, "error", err)
		return
	}
	lvs, perr := e.parser.ParseLVs(out)
	if perr != nil {
		logWarnf("lvm: parse LVs of VG failed", "vg", vg, "error", perr)
		return
	}
	e.store.removeAllLVsOfVG(vg)
	for _, lv := range lvs {
		e.store.upsertLV(lv)
	}
	e.store.markFreshLV(vg)
}

// ReloadAllLVs runs a single bare `lvs` covering every VG on the host and
// replaces the entire LV table in one shot, rebuilding freshLV from the
// set of VG names the output actually mentioned. This is the one
// full-bulk LV reload the design allows outside of a VG-scoped read:
// normal cache misses always go through ReloadAllLVsOfVG, scoped to one
// VG, so that satisfying one VG's GetAllLVs never pays for every VG's
// LVs. Bootstrap is the one caller that wants the whole table and uses
// this instead of looping ReloadAllLVsOfVG per VG.
func (e *ReloadEngine) ReloadAllLVs(ctx context.Context) {
	out, err := e.runner.Run(ctx, []string{"lvs", "-o", LVColumns}, nil, true)
	if err != nil {
		logWarnf("lvm: reload all LVs failed", "error", err)
		return
	}
	lvs, perr := e.parser.ParseLVs(out)
	if perr != nil {
		logWarnf("lvm: parse all LVs failed", "error", perr)
		return
	}
	e.store.clearAllLVs()
	seen := make(map[string]bool, len(lvs))
	for _, lv := range lvs {
		e.store.upsertLV(lv)
		seen[lv.VGName] = true
	}
	for vg := range seen {
		e.store.markFreshLV(vg)
	}
}

// ReloadLVs runs `lvs` for specific (vg, lv) pairs, all within the same
// VG, marking any name missing from the output Unreadable. Never raises.
func (e *ReloadEngine) ReloadLVs(ctx context.Context, vg string, names []string) {
	if len(names) == 0 {
		return
	}
	argv := []string{"lvs", "-o", LVColumns}
	for _, n := range names {
		argv = append(argv, vg+"/"+n)
	}
	out, err := e.runner.Run(ctx, argv, e.store.vgPVNames(vg), true)
	if err != nil {
		e.markStaleLVsUnreadable(vg, names)
		return
	}
	lvs, perr := e.parser.ParseLVs(out)
	if perr != nil {
		e.markStaleLVsUnreadable(vg, names)
		return
	}
	found := make(map[string]bool, len(lvs))
	for _, lv := range lvs {
		e.store.upsertLV(lv)
		found[lv.Name] = true
	}
	var missing []string
	for _, n := range names {
		if !found[n] {
			missing = append(missing, n)
		}
	}
	e.markStaleLVsUnreadable(vg, missing)
}

// ReloadSingleLV reloads exactly one LV. Like VGs (and unlike PVs), a
// command failure always raises ErrLogicalVolumeDoesNotExist.
func (e *ReloadEngine) ReloadSingleLV(ctx context.Context, vg, lv string) (LV, error) {
	out, err := e.runner.Run(ctx, []string{"lvs", "-o", LVColumns, vg + "/" + lv}, e.store.vgPVNames(vg), true)
	if err != nil {
		e.store.markUnreadableLV(vg, lv)
		return LV{}, wrapf(ErrLogicalVolumeDoesNotExist, vg+"/"+lv, err)
	}
	lvs, perr := e.parser.ParseLVs(out)
	if perr != nil || len(lvs) == 0 {
		e.store.markUnreadableLV(vg, lv)
		return LV{}, wrapf(ErrLogicalVolumeDoesNotExist, vg+"/"+lv, perr)
	}
	e.store.upsertLV(lvs[0])
	return lvs[0], nil
}

func (e *ReloadEngine) markStaleLVsUnreadable(vg string, names []string) {
	if len(names) == 0 {
		return
	}
	var demoted []string
	for _, n := range names {
		if e.store.markUnreadableLV(vg, n) {
			demoted = append(demoted, vg+"/"+n)
		}
	}
	logDemoted("lv", demoted)
}

func logDemoted(entity string, names []string) {
	if len(names) == 0 {
		return
	}
	if len(names) > maxWarnNames {
		logWarnf(fmt.Sprintf("lvm: marked %d stale %ss unreadable", len(names), entity))
		return
	}
	logWarnf(fmt.Sprintf("lvm: marked stale %ss unreadable", entity), "names", names)
}
