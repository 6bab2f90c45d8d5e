package lvm

import "testing"

func TestEntityStorePVLifecycle(t *testing.T) {
	s := NewEntityStore()
	if !s.isStalePV() {
		t.Fatalf("new store should start with stalepv=true")
	}

	s.upsertPV(PV{Name: "/dev/mapper/pv0"})
	entry, ok := s.getPV("/dev/mapper/pv0")
	if !ok || entry.Kind != KindFresh {
		t.Fatalf("expected fresh entry after upsert, got %+v ok=%v", entry, ok)
	}

	s.markStalePV("/dev/mapper/pv0")
	entry, _ = s.getPV("/dev/mapper/pv0")
	if entry.Kind != KindStale {
		t.Fatalf("expected stale entry, got %v", entry.Kind)
	}

	if !s.markUnreadablePV("/dev/mapper/pv0") {
		t.Fatalf("expected demotion to unreadable from stale")
	}
	entry, _ = s.getPV("/dev/mapper/pv0")
	if entry.Kind != KindUnreadable {
		t.Fatalf("expected unreadable entry, got %v", entry.Kind)
	}

	// Marking unreadable again still reports a demotion: demotion
	// requires IsStale(), which is true for Unreadable too.
	if !s.markUnreadablePV("/dev/mapper/pv0") {
		t.Fatalf("expected repeat demotion to remain allowed while stale")
	}

	s.removePV("/dev/mapper/pv0")
	if _, ok := s.getPV("/dev/mapper/pv0"); ok {
		t.Fatalf("expected entry removed")
	}
}

func TestEntityStoreMarkUnreadableRequiresStale(t *testing.T) {
	s := NewEntityStore()
	s.upsertPV(PV{Name: "/dev/mapper/pv0"})
	if s.markUnreadablePV("/dev/mapper/pv0") {
		t.Fatalf("fresh entry must not be demoted to unreadable")
	}
	entry, _ := s.getPV("/dev/mapper/pv0")
	if entry.Kind != KindFresh {
		t.Fatalf("fresh entry should remain fresh, got %v", entry.Kind)
	}
}

func TestEntityStoreVGRemovalClearsFreshLV(t *testing.T) {
	s := NewEntityStore()
	s.upsertVG(VG{Name: "vg0"})
	s.markFreshLV("vg0")
	if !s.isFreshLV("vg0") {
		t.Fatalf("expected vg0 marked fresh")
	}
	s.removeVG("vg0")
	if s.isFreshLV("vg0") {
		t.Fatalf("expected freshlv cleared on VG removal")
	}
}

func TestEntityStoreMarkStaleAllLVsOfVG(t *testing.T) {
	s := NewEntityStore()
	s.upsertLV(LV{VGName: "vg0", Name: "lv0"})
	s.upsertLV(LV{VGName: "vg0", Name: "lv1"})
	s.upsertLV(LV{VGName: "vg1", Name: "lv0"})

	s.markStaleAllLVsOfVG("vg0")

	e0, _ := s.getLV("vg0", "lv0")
	e1, _ := s.getLV("vg0", "lv1")
	eOther, _ := s.getLV("vg1", "lv0")
	if e0.Kind != KindStale || e1.Kind != KindStale {
		t.Fatalf("expected vg0's LVs stale, got %v %v", e0.Kind, e1.Kind)
	}
	if eOther.Kind != KindFresh {
		t.Fatalf("expected vg1's LV untouched, got %v", eOther.Kind)
	}
}

func TestEntityStoreVgPVNames(t *testing.T) {
	s := NewEntityStore()
	if got := s.vgPVNames("missing"); got != nil {
		t.Fatalf("expected nil for unknown vg, got %v", got)
	}
	s.upsertVG(VG{Name: "vg0", PVName: []string{"/dev/mapper/pv0", "/dev/mapper/pv1"}})
	got := s.vgPVNames("vg0")
	if len(got) != 2 {
		t.Fatalf("expected 2 pv names, got %v", got)
	}
}
