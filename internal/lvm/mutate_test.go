package lvm

import (
	"context"
	"errors"
	"testing"
)

func newTestMutator(exec CommandExecutor, store *EntityStore, procInfo ProcessInfoLookup) *Mutator {
	runner := newTestRunner(exec, nil)
	reload := NewReloadEngine(store, runner, fakeBuilder{})
	return NewMutator(store, runner, reload, fakeBuilder{}, procInfo, nil, nil, nil)
}

func TestCreateVGRejectsMismatchedBlockSizes(t *testing.T) {
	store := NewEntityStore()
	exec := &fakeExecutor{}
	runner := newTestRunner(exec, nil)
	reload := NewReloadEngine(store, runner, fakeBuilder{})
	probe := fakeBlockProbe{sizes: map[string]int{"/dev/pv0": 512, "/dev/pv1": 4096}}
	m := NewMutator(store, runner, reload, fakeBuilder{}, nil, nil, probe, nil)

	err := m.CreateVG(context.Background(), "vg0", []string{"/dev/pv0", "/dev/pv1"}, 0)
	if !errors.Is(err, ErrVolumeGroupBlockSize) {
		t.Fatalf("expected ErrVolumeGroupBlockSize, got %v", err)
	}
	if exec.callCount() != 0 {
		t.Fatalf("expected vgcreate to never run when block sizes mismatch, got %d calls", exec.callCount())
	}
}

func TestCreateVGRejectsUnsupportedBlockSize(t *testing.T) {
	store := NewEntityStore()
	exec := &fakeExecutor{}
	runner := newTestRunner(exec, nil)
	reload := NewReloadEngine(store, runner, fakeBuilder{})
	probe := fakeBlockProbe{sizes: map[string]int{"/dev/pv0": 2048}}
	m := NewMutator(store, runner, reload, fakeBuilder{}, nil, nil, probe, nil)

	err := m.CreateVG(context.Background(), "vg0", []string{"/dev/pv0"}, 0)
	if !errors.Is(err, ErrDeviceBlockSize) {
		t.Fatalf("expected ErrDeviceBlockSize, got %v", err)
	}
}

func TestCreateVGAllowsUniformSupportedBlockSizes(t *testing.T) {
	store := NewEntityStore()
	exec := &fakeExecutor{}
	exec.queue([]string{}, nil)
	runner := newTestRunner(exec, nil)
	reload := NewReloadEngine(store, runner, fakeBuilder{})
	probe := fakeBlockProbe{sizes: map[string]int{"/dev/pv0": 4096, "/dev/pv1": 4096}}
	m := NewMutator(store, runner, reload, fakeBuilder{}, nil, nil, probe, nil)

	if err := m.CreateVG(context.Background(), "vg0", []string{"/dev/pv0", "/dev/pv1"}, 0); err != nil {
		t.Fatalf("expected matching block sizes to pass, got %v", err)
	}
}

func TestChangeLVTagsRejectsOverlap(t *testing.T) {
	store := NewEntityStore()
	m := newTestMutator(&fakeExecutor{}, store, nil)

	err := m.ChangeLVTags(context.Background(), "vg0", []string{"lv0"}, []string{"a", "b"}, []string{"b"})
	if !errors.Is(err, ErrDuplicateTag) {
		t.Fatalf("expected ErrDuplicateTag, got %v", err)
	}
}

func TestChangeVGTagsRejectsOverlap(t *testing.T) {
	store := NewEntityStore()
	m := newTestMutator(&fakeExecutor{}, store, nil)

	err := m.ChangeVGTags(context.Background(), "vg0", []string{"x"}, []string{"x"})
	if !errors.Is(err, ErrDuplicateTag) {
		t.Fatalf("expected ErrDuplicateTag, got %v", err)
	}
}

func TestDeactivateLVsSuppressesBusyError(t *testing.T) {
	store := NewEntityStore()
	store.upsertLV(LV{VGName: "vg0", Name: "lv0", Attr: LVAttr{State: 'a'}, Writeable: true})
	lv, _ := store.getLV("vg0", "lv0")
	v, _ := lv.Value()
	v.Active = true
	store.upsertLV(v)

	exec := &fakeExecutor{}
	exec.queue(nil, &CommandError{Cmd: []string{"lvchange"}, RC: 5, Stderr: []string{"Logical volume vg0/lv0 in use."}})
	procInfo := fakeProcessInfo{users: []ProcUser{{PID: 123, Command: "qemu"}}}
	m := newTestMutator(exec, store, procInfo)

	err := m.DeactivateLVs(context.Background(), "vg0", []string{"lv0"})
	if err != nil {
		t.Fatalf("expected busy deactivation to be suppressed as a warning, got error: %v", err)
	}
	entry, ok := store.getLV("vg0", "lv0")
	if !ok || entry.Kind != KindStale {
		t.Fatalf("expected lv0 invalidated to stale, got %+v ok=%v", entry, ok)
	}
}

func TestDeactivateLVsPropagatesNonBusyError(t *testing.T) {
	store := NewEntityStore()
	v := LV{VGName: "vg0", Name: "lv0"}
	v.Active = true
	store.upsertLV(v)

	exec := &fakeExecutor{}
	exec.queue(nil, &CommandError{Cmd: []string{"lvchange"}, RC: 5, Stderr: []string{"some other failure"}})
	m := newTestMutator(exec, store, nil)

	err := m.DeactivateLVs(context.Background(), "vg0", []string{"lv0"})
	if err == nil {
		t.Fatalf("expected non-busy failures to propagate")
	}
}

func TestCreateLVInvalidatesVGAndLV(t *testing.T) {
	store := NewEntityStore()
	store.upsertVG(VG{Name: "vg0"})
	exec := &fakeExecutor{}
	exec.queue([]string{}, nil)
	m := newTestMutator(exec, store, nil)

	if err := m.CreateLV(context.Background(), "vg0", "lv0", 256, false, nil, "", false); err != nil {
		t.Fatalf("CreateLV: %v", err)
	}
	vgEntry, _ := store.getVG("vg0")
	if vgEntry.Kind != KindStale {
		t.Fatalf("expected vg0 invalidated, got %v", vgEntry.Kind)
	}
	lvEntry, ok := store.getLV("vg0", "lv0")
	if !ok || lvEntry.Kind != KindStale {
		t.Fatalf("expected new lv staged stale pending reload, got %+v ok=%v", lvEntry, ok)
	}
}

func TestRemoveVGOnFailureKeepsVGStale(t *testing.T) {
	store := NewEntityStore()
	store.upsertVG(VG{Name: "vg0", PVName: []string{"/dev/mapper/pv0"}})
	exec := &fakeExecutor{}
	// DeactivateVG's vgchange call succeeds...
	exec.queue([]string{}, nil)
	// ...but vgremove fails.
	exec.queue(nil, &CommandError{Cmd: []string{"vgremove"}, RC: 5, Stderr: []string{"vg in use"}})
	// The resolver reports the VG's own PV, so the runner's refreshed
	// device set matches and neither command is retried: each queued
	// response is consumed by exactly one command.
	runner := newTestRunner(exec, []string{"/dev/mapper/pv0"})
	reload := NewReloadEngine(store, runner, fakeBuilder{})
	m := NewMutator(store, runner, reload, fakeBuilder{}, nil, nil, nil, nil)

	err := m.RemoveVG(context.Background(), "vg0")
	if err == nil {
		t.Fatalf("expected RemoveVG to propagate vgremove failure")
	}
	entry, ok := store.getVG("vg0")
	if !ok || entry.Kind != KindStale {
		t.Fatalf("expected vg0 re-marked stale on removal failure, got %+v ok=%v", entry, ok)
	}
}

func TestSetLVReadWriteReconcilesAfterCommandFailure(t *testing.T) {
	store := NewEntityStore()
	store.upsertLV(LV{VGName: "vg0", Name: "lv0", Writeable: true})
	exec := &fakeExecutor{}
	// lvchange fails...
	exec.queue(nil, &CommandError{Cmd: []string{"lvchange"}, RC: 5})
	// ...but the reconciling reload shows the permission change already
	// took effect.
	exec.queue([]string{
		"lvuuid-1|lv0|vg0|-wi-a-----|1073741824|0|/dev/mapper/pv0(0)|",
	}, nil)
	m := newTestMutator(exec, store, nil)

	if err := m.SetLVReadWrite(context.Background(), "vg0", "lv0", true); err != nil {
		t.Fatalf("expected reconciliation to swallow the command error, got %v", err)
	}
}
