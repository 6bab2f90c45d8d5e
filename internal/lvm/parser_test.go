package lvm

import "testing"

func TestParsePVs(t *testing.T) {
	lines := []string{
		"uuid-1|/dev/mapper/pv0|1073741824|vg0|vguuid-1|1048576|255|10|2|1073741824|2",
		"uuid-2|[unknown]|0|vg0|vguuid-1|0|0|0|0|0|0",
	}
	pvs, skipped, err := (OutputParser{}).ParsePVs(lines)
	if err != nil {
		t.Fatalf("ParsePVs: %v", err)
	}
	if len(pvs) != 1 {
		t.Fatalf("expected 1 pv, got %d", len(pvs))
	}
	if len(skipped) != 1 {
		t.Fatalf("expected 1 skipped pv, got %d", len(skipped))
	}
	pv := pvs[0]
	if pv.UUID != "uuid-1" || pv.Name != "/dev/mapper/pv0" || pv.VGName != "vg0" {
		t.Fatalf("unexpected pv record: %+v", pv)
	}
	if pv.GUID != "pv0" {
		t.Fatalf("expected derived GUID pv0, got %q", pv.GUID)
	}
	if !pv.IsMetadataPV() {
		t.Fatalf("expected mda_used_count=2 to mark metadata PV")
	}
	if skipped[0].UUID != "uuid-2" || skipped[0].VGName != "vg0" {
		t.Fatalf("unexpected skipped record: %+v", skipped[0])
	}
}

func TestParsePVsInvalidLine(t *testing.T) {
	_, _, err := (OutputParser{}).ParsePVs([]string{"too|few|fields"})
	if err == nil {
		t.Fatalf("expected error for short line")
	}
}

func TestParseVGsCollapsesRows(t *testing.T) {
	lines := []string{
		"vguuid-1|vg0|wz--n-|2147483648|1073741824|4194304|512|256|tag1,tag2|131072|131072|1|2|/dev/mapper/pv0",
		"vguuid-1|vg0|wz--n-|2147483648|1073741824|4194304|512|256|tag1,tag2|131072|131072|1|2|/dev/mapper/pv1",
	}
	vgs, err := (OutputParser{}).ParseVGs(lines)
	if err != nil {
		t.Fatalf("ParseVGs: %v", err)
	}
	if len(vgs) != 1 {
		t.Fatalf("expected 1 collapsed vg, got %d", len(vgs))
	}
	vg := vgs[0]
	if len(vg.PVName) != 2 || vg.PVName[0] != "/dev/mapper/pv0" || vg.PVName[1] != "/dev/mapper/pv1" {
		t.Fatalf("unexpected pv_name accumulation: %+v", vg.PVName)
	}
	if !vg.Writeable {
		t.Fatalf("expected writeable VG from attr 'w...'")
	}
	if vg.Partial != VGOK {
		t.Fatalf("expected VGOK, got %v", vg.Partial)
	}
	if len(vg.Tags) != 2 || vg.Tags[0] != "tag1" {
		t.Fatalf("unexpected tags: %+v", vg.Tags)
	}
}

func TestParseVGsSkipsUnknownPV(t *testing.T) {
	lines := []string{
		"vguuid-2|vg1|wz--n-|0|0|0|0|0||0|0|1|1|[unknown]",
	}
	vgs, err := (OutputParser{}).ParseVGs(lines)
	if err != nil {
		t.Fatalf("ParseVGs: %v", err)
	}
	if len(vgs) != 0 {
		t.Fatalf("expected no vgs when only row has unknown pv_name, got %d", len(vgs))
	}
}

func TestParseLVsDropsLaterSegments(t *testing.T) {
	lines := []string{
		"lvuuid-1|lv0|vg0|-wi-a-----|1073741824|0|/dev/mapper/pv0(0)|",
		"lvuuid-1|lv0|vg0|-wi-a-----|1073741824|256|/dev/mapper/pv0(256)|",
	}
	lvs, err := (OutputParser{}).ParseLVs(lines)
	if err != nil {
		t.Fatalf("ParseLVs: %v", err)
	}
	if len(lvs) != 1 {
		t.Fatalf("expected only the seg_start_pe=0 row retained, got %d", len(lvs))
	}
	lv := lvs[0]
	if !lv.Writeable || !lv.Active || lv.Opened {
		t.Fatalf("unexpected derived attr flags: %+v", lv)
	}
}
