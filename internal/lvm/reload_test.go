package lvm

import (
	"context"
	"errors"
	"testing"
)

func TestReloadSinglePVRaisesWhileNotFresh(t *testing.T) {
	ctx := context.Background()
	store := NewEntityStore()
	store.markStalePV("/dev/mapper/pv0")
	exec := &fakeExecutor{}
	runner := newTestRunner(exec, []string{"/dev/mapper/pv0"})
	engine := NewReloadEngine(store, runner, fakeBuilder{})

	// First reload: entry is Stale, command fails -> demotion to
	// Unreadable happens, error must be raised.
	exec.queue(nil, errors.New("boom"))
	_, err := engine.ReloadSinglePV(ctx, "/dev/mapper/pv0")
	if err == nil {
		t.Fatalf("expected error when demoting a previously-stale PV")
	}
	entry, ok := store.getPV("/dev/mapper/pv0")
	if !ok || entry.Kind != KindUnreadable {
		t.Fatalf("expected unreadable entry after failed reload, got %+v ok=%v", entry, ok)
	}

	// Second reload: entry is already Unreadable, which IsStale() also
	// reports as stale, so the demotion happens again and the call raises
	// again. Only a Fresh entry suppresses the error (see the next test).
	exec.queue(nil, errors.New("boom again"))
	pv, err := engine.ReloadSinglePV(ctx, "/dev/mapper/pv0")
	if err == nil {
		t.Fatalf("an unreadable PV whose reload fails must raise")
	}
	_ = pv
}

func TestReloadSinglePVSilentWhenAlreadyFresh(t *testing.T) {
	ctx := context.Background()
	store := NewEntityStore()
	store.upsertPV(PV{Name: "/dev/mapper/pv0", VGName: "vg0"})
	exec := &fakeExecutor{}
	runner := newTestRunner(exec, []string{"/dev/mapper/pv0"})
	engine := NewReloadEngine(store, runner, fakeBuilder{})

	// A concurrent reload already refreshed it to Fresh; ours fails but
	// since markUnreadablePV requires IsStale(), the demotion does not
	// happen and the cached Fresh value is returned without raising.
	exec.queue(nil, errors.New("boom"))
	pv, err := engine.ReloadSinglePV(ctx, "/dev/mapper/pv0")
	if err != nil {
		t.Fatalf("expected no error when entry was already fresh, got %v", err)
	}
	if pv.VGName != "vg0" {
		t.Fatalf("expected cached fresh record returned, got %+v", pv)
	}
}

func TestReloadSingleVGAlwaysRaisesOnFailure(t *testing.T) {
	ctx := context.Background()
	store := NewEntityStore()
	store.upsertVG(VG{Name: "vg0"})
	exec := &fakeExecutor{}
	runner := newTestRunner(exec, nil)
	engine := NewReloadEngine(store, runner, fakeBuilder{})

	exec.queue(nil, errors.New("boom"))
	_, err := engine.ReloadSingleVG(ctx, "vg0")
	if err == nil {
		t.Fatalf("VG reload must raise on command failure regardless of prior state")
	}
	if !errors.Is(err, ErrVolumeGroupDoesNotExist) {
		t.Fatalf("expected ErrVolumeGroupDoesNotExist, got %v", err)
	}
}

func TestReloadSingleLVAlwaysRaisesOnFailure(t *testing.T) {
	ctx := context.Background()
	store := NewEntityStore()
	store.upsertLV(LV{VGName: "vg0", Name: "lv0"})
	exec := &fakeExecutor{}
	runner := newTestRunner(exec, nil)
	engine := NewReloadEngine(store, runner, fakeBuilder{})

	exec.queue(nil, errors.New("boom"))
	_, err := engine.ReloadSingleLV(ctx, "vg0", "lv0")
	if err == nil {
		t.Fatalf("LV reload must raise on command failure")
	}
	if !errors.Is(err, ErrLogicalVolumeDoesNotExist) {
		t.Fatalf("expected ErrLogicalVolumeDoesNotExist, got %v", err)
	}
}

func TestReloadAllVGsAppliesPartialOutputOnError(t *testing.T) {
	ctx := context.Background()
	store := NewEntityStore()
	store.upsertVG(VG{Name: "c"})
	exec := &fakeExecutor{}
	runner := newTestRunner(exec, nil)
	engine := NewReloadEngine(store, runner, fakeBuilder{})

	lines := []string{
		"uuid-a|a|wz--n-|2147483648|1073741824|4194304|512|256|-|131072|131072|0|1|/dev/mapper/pv0",
		"uuid-b|b|wz--n-|2147483648|1073741824|4194304|512|256|-|131072|131072|0|1|/dev/mapper/pv1",
	}
	exec.queue(lines, errors.New("partial failure rc=5"))

	engine.ReloadAllVGs(ctx)

	if _, ok := store.getVG("a"); !ok {
		t.Fatalf("expected vg 'a' applied from partial output")
	}
	if _, ok := store.getVG("b"); !ok {
		t.Fatalf("expected vg 'b' applied from partial output")
	}
	if !store.isStaleVG() {
		t.Fatalf("ReloadAllVGs never raises, but since the command failed it must not clear stalevg")
	}
}

func TestReloadAllLVsRebuildsFreshLVFromSeenVGs(t *testing.T) {
	ctx := context.Background()
	store := NewEntityStore()
	store.upsertLV(LV{VGName: "stale-vg", Name: "old"})
	exec := &fakeExecutor{}
	runner := newTestRunner(exec, nil)
	engine := NewReloadEngine(store, runner, fakeBuilder{})

	exec.queue([]string{
		"lvuuid-1|lv0|vg0|-wi-a-----|1073741824|0|/dev/mapper/pv0(0)|",
		"lvuuid-1|lv0|vg0|-wi-a-----|1073741824|512|/dev/mapper/pv0(256)|",
		"lvuuid-2|lv1|vg1|-wi-a-----|2147483648|0|/dev/mapper/pv1(0)|",
	}, nil)

	engine.ReloadAllLVs(ctx)

	if _, ok := store.getLV("stale-vg", "old"); ok {
		t.Fatalf("expected the previous LV table to be fully replaced")
	}
	if _, ok := store.getLV("vg0", "lv0"); !ok {
		t.Fatalf("expected lv0 loaded from bulk reload")
	}
	if _, ok := store.getLV("vg1", "lv1"); !ok {
		t.Fatalf("expected lv1 loaded from bulk reload")
	}
	if !store.isFreshLV("vg0") || !store.isFreshLV("vg1") {
		t.Fatalf("expected freshLV rebuilt for every VG seen in the bulk output")
	}
	if store.isFreshLV("stale-vg") {
		t.Fatalf("expected freshLV cleared for a VG no longer present in the bulk output")
	}
}

func TestReloadAllLVsSinglePassForAllVGs(t *testing.T) {
	ctx := context.Background()
	store := NewEntityStore()
	exec := &fakeExecutor{}
	runner := newTestRunner(exec, nil)
	engine := NewReloadEngine(store, runner, fakeBuilder{})

	exec.queue([]string{
		"lvuuid-1|lv0|vg0|-wi-a-----|1073741824|0|/dev/mapper/pv0(0)|",
		"lvuuid-2|lv1|vg1|-wi-a-----|2147483648|0|/dev/mapper/pv1(0)|",
	}, nil)

	engine.ReloadAllLVs(ctx)

	if exec.callCount() != 1 {
		t.Fatalf("expected exactly one subprocess call covering every VG, got %d", exec.callCount())
	}
}

func TestReloadPVsMarksMissingUnreadable(t *testing.T) {
	ctx := context.Background()
	store := NewEntityStore()
	store.markStalePV("/dev/mapper/missing")
	exec := &fakeExecutor{}
	runner := newTestRunner(exec, nil)
	engine := NewReloadEngine(store, runner, fakeBuilder{})

	exec.queue([]string{
		"uuid-1|/dev/mapper/present|1073741824|vg0|vguuid-1|1048576|255|10|2|1073741824|2",
	}, nil)

	engine.ReloadPVs(ctx, []string{"/dev/mapper/present", "/dev/mapper/missing"})

	if e, ok := store.getPV("/dev/mapper/present"); !ok || e.Kind != KindFresh {
		t.Fatalf("expected present PV fresh, got %+v ok=%v", e, ok)
	}
	if e, ok := store.getPV("/dev/mapper/missing"); !ok || e.Kind != KindUnreadable {
		t.Fatalf("expected missing PV demoted to unreadable, got %+v ok=%v", e, ok)
	}
}
