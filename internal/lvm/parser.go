package lvm

import (
	"strconv"
	"strings"
)

// Separator is the field separator passed to pvs/vgs/lvs via
// --separator.
const Separator = "|"

// CommandFlags are appended to every pvs/vgs/lvs invocation so output is
// script-friendly and units are raw bytes.
var CommandFlags = []string{
	"--noheadings", "--units", "b", "--nosuffix", "--separator", Separator,
	"--ignoreskippedcluster",
}

// pvFields, vgFields and lvFields give the column order used by the `-o`
// option on pvs/vgs/lvs.
var (
	pvFields = [...]string{
		"uuid", "name", "size", "vg_name", "vg_uuid", "pe_start", "pe_count",
		"pe_alloc_count", "mda_count", "dev_size", "mda_used_count",
	}
	vgFields = [...]string{
		"uuid", "name", "attr", "size", "free", "extent_size", "extent_count",
		"free_count", "tags", "vg_mda_size", "vg_mda_free", "lv_count",
		"pv_count", "pv_name",
	}
	lvFields = [...]string{
		"uuid", "name", "vg_name", "attr", "size", "seg_start_pe", "devices",
		"tags",
	}
)

// PVColumns is the -o argument for `pvs`.
var PVColumns = strings.Join(pvFields[:], ",")

// VGColumns is the -o argument for `vgs`.
var VGColumns = strings.Join(vgFields[:], ",")

// LVColumns is the -o argument for `lvs`.
var LVColumns = strings.Join(lvFields[:], ",")

// parseFields splits a single already-separated, already-trimmed field
// list into a name->value map using the given column order. Callers must
// have already validated len(values) == len(names).
func parseFields(values []string, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for i, name := range names {
		out[name] = values[i]
	}
	return out, nil
}

func mustInt(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// splitLine splits a raw output line on Separator and trims whitespace
// from every field.
func splitLine(line string) []string {
	parts := strings.Split(line, Separator)
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// OutputParser converts pvs/vgs/lvs stdout into PV/VG/LV records.
type OutputParser struct{}

// ParsePVs parses the stdout of a `pvs` invocation. Lines whose name
// column is the "[unknown]" sentinel (missing PV) are skipped and
// reported via the returned skipped slice so callers can log a warning
// naming the PV's uuid/vg_name.
func (OutputParser) ParsePVs(lines []string) (pvs []PV, skipped []PV, err error) {
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := splitLine(line)
		if len(fields) != pvFieldCount {
			return nil, nil, &InvalidOutputLine{Command: "pvs", Line: line}
		}
		if fields[1] == unknownMarker {
			// name column; build a minimal record carrying uuid/vg_name
			// for the caller's warning log.
			skipped = append(skipped, PV{UUID: fields[0], Name: fields[1], VGName: fields[3]})
			continue
		}
		pv, err := newPV(fields)
		if err != nil {
			return nil, nil, err
		}
		pvs = append(pvs, pv)
	}
	return pvs, skipped, nil
}

// ParseVGs parses the stdout of a `vgs` invocation, collapsing multiple
// rows that share the same VG uuid (one row per PV membership) into one
// VG record with an ordered PVName slice.
func (OutputParser) ParseVGs(lines []string) ([]VG, error) {
	type acc struct {
		fields  []string
		pvNames []string
	}
	order := make([]string, 0, len(lines))
	byUUID := make(map[string]*acc)

	pvNameIdx := indexOf(vgFields[:], "pv_name")
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := splitLine(line)
		if len(fields) != vgFieldCount {
			return nil, &InvalidOutputLine{Command: "vgs", Line: line}
		}
		uuid := fields[0]
		pvName := fields[pvNameIdx]
		if pvName == unknownMarker {
			// PV missing for this membership row; the VG itself may
			// still be usable from its other rows.
			continue
		}
		a, ok := byUUID[uuid]
		if !ok {
			a = &acc{fields: fields}
			byUUID[uuid] = a
			order = append(order, uuid)
		}
		a.pvNames = append(a.pvNames, pvName)
	}

	vgs := make([]VG, 0, len(order))
	for _, uuid := range order {
		a := byUUID[uuid]
		vg, err := newVG(a.fields, a.pvNames)
		if err != nil {
			return nil, err
		}
		if vg.PVCount != int64(len(vg.PVName)) {
			logWarnf("lvm: vg pv_count does not match listed PVs",
				"vg", vg.Name, "pv_count", vg.PVCount, "pv_names", len(vg.PVName))
		}
		vgs = append(vgs, vg)
	}
	return vgs, nil
}

// ParseLVs parses the stdout of an `lvs` invocation. Only rows whose
// seg_start_pe is "0" are retained: later segments of a multi-segment LV
// are discarded.
func (OutputParser) ParseLVs(lines []string) ([]LV, error) {
	segIdx := indexOf(lvFields[:], "seg_start_pe")
	var lvs []LV
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := splitLine(line)
		if len(fields) != lvFieldCount {
			return nil, &InvalidOutputLine{Command: "lvs", Line: line}
		}
		if fields[segIdx] != "0" {
			continue
		}
		lv, err := newLV(fields)
		if err != nil {
			return nil, err
		}
		lvs = append(lvs, lv)
	}
	return lvs, nil
}

func indexOf(ss []string, v string) int {
	for i, s := range ss {
		if s == v {
			return i
		}
	}
	return -1
}

// InvalidOutputLine reports a command output line whose field count does
// not match the expected schema.
type InvalidOutputLine struct {
	Command string
	Line    string
}

func (e *InvalidOutputLine) Error() string {
	return "lvm: invalid " + e.Command + " command output line: " + strconv.Quote(e.Line)
}

func (e *InvalidOutputLine) Is(target error) bool {
	return target == ErrInvalidOutputLine
}
