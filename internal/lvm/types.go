package lvm

import "path"

// Field counts used by the OutputParser to validate `pvs`/`vgs`/`lvs`
// output lines before decoding them.
const (
	pvFieldCount = 11
	vgFieldCount = 14
	lvFieldCount = 8
)

// unknownMarker is what `pvs`/`vgs` print in a name column when the
// backing device is missing entirely.
const unknownMarker = "[unknown]"

// PartialState is the VG-level derived partial/ok indicator.
type PartialState string

const (
	VGOK      PartialState = "OK"
	VGPartial PartialState = "PARTIAL"
)

// VGAttr decomposes the `vgs` attr column into its six positional bits.
type VGAttr struct {
	Permission byte
	Resizeable byte
	Exported   byte
	Partial    byte
	Allocation byte
	Clustered  byte
}

func parseVGAttr(s string) VGAttr {
	var a VGAttr
	b := []byte(padTo(s, 6))
	a.Permission, a.Resizeable, a.Exported = b[0], b[1], b[2]
	a.Partial, a.Allocation, a.Clustered = b[3], b[4], b[5]
	return a
}

// LVAttr decomposes the `lvs` attr column into its eight positional bits.
type LVAttr struct {
	VolType     byte
	Permission  byte
	Allocations byte
	FixedMinor  byte
	State       byte
	DevOpen     byte
	Target      byte
	Zero        byte
}

func parseLVAttr(s string) LVAttr {
	b := []byte(padTo(s, 8))
	return LVAttr{
		VolType:     b[0],
		Permission:  b[1],
		Allocations: b[2],
		FixedMinor:  b[3],
		State:       b[4],
		DevOpen:     b[5],
		Target:      b[6],
		Zero:        b[7],
	}
}

// padTo right-pads s with '-' so short attr strings (lvm occasionally
// truncates trailing '-' fields) decode without a panic.
func padTo(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	out := []byte(s)
	for len(out) < n {
		out = append(out, '-')
	}
	return string(out)
}

// PV is a physical volume record. PVs are addressed by Name, the
// full device path.
type PV struct {
	UUID         string
	Name         string
	Size         int64
	VGName       string
	VGUUID       string
	PEStart      int64
	PECount      int64
	PEAllocCount int64
	MDACount     int64
	DevSize      int64
	MDAUsedCount int64
	// GUID is derived: path.Base(Name).
	GUID string
}

// IsMetadataPV reports whether this PV hosts both of the VG's metadata
// areas.
func (pv PV) IsMetadataPV() bool { return pv.MDAUsedCount == 2 }

func newPV(fields []string) (PV, error) {
	n, err := parseFields(fields, pvFields[:])
	if err != nil {
		return PV{}, err
	}
	pv := PV{
		UUID:         n["uuid"],
		Name:         n["name"],
		VGName:       n["vg_name"],
		VGUUID:       n["vg_uuid"],
		Size:         mustInt(n["size"]),
		PEStart:      mustInt(n["pe_start"]),
		PECount:      mustInt(n["pe_count"]),
		PEAllocCount: mustInt(n["pe_alloc_count"]),
		MDACount:     mustInt(n["mda_count"]),
		DevSize:      mustInt(n["dev_size"]),
		MDAUsedCount: mustInt(n["mda_used_count"]),
	}
	pv.GUID = path.Base(pv.Name)
	return pv, nil
}

// VG is a volume group record. VGs are addressed by Name.
type VG struct {
	UUID        string
	Name        string
	Attr        VGAttr
	Size        int64
	Free        int64
	ExtentSize  int64
	ExtentCount int64
	FreeCount   int64
	Tags        []string
	VGMDASize   int64
	VGMDAFree   int64
	LVCount     int64
	PVCount     int64
	// PVName is the ordered sequence of PV names belonging to this VG,
	// collapsed from the multiple `vgs` rows sharing this VG's uuid.
	PVName []string
	// Writeable and Partial are derived from Attr.
	Writeable bool
	Partial   PartialState
}

func newVG(fields []string, pvNames []string) (VG, error) {
	n, err := parseFields(fields, vgFields[:])
	if err != nil {
		return VG{}, err
	}
	attr := parseVGAttr(n["attr"])
	vg := VG{
		UUID:        n["uuid"],
		Name:        n["name"],
		Attr:        attr,
		Size:        mustInt(n["size"]),
		Free:        mustInt(n["free"]),
		ExtentSize:  mustInt(n["extent_size"]),
		ExtentCount: mustInt(n["extent_count"]),
		FreeCount:   mustInt(n["free_count"]),
		Tags:        splitTags(n["tags"]),
		VGMDASize:   mustInt(n["vg_mda_size"]),
		VGMDAFree:   mustInt(n["vg_mda_free"]),
		LVCount:     mustInt(n["lv_count"]),
		PVCount:     mustInt(n["pv_count"]),
		PVName:      pvNames,
		Writeable:   attr.Permission == 'w',
	}
	if attr.Partial == '-' {
		vg.Partial = VGOK
	} else {
		vg.Partial = VGPartial
	}
	return vg, nil
}

// LV is a logical volume record, keyed by (VGName, Name). Only the
// first-extent row of a multi-segment LV is retained.
type LV struct {
	UUID       string
	Name       string
	VGName     string
	Attr       LVAttr
	Size       int64
	SegStartPE string
	Devices    string
	Tags       []string
	Writeable  bool
	Opened     bool
	Active     bool
}

func newLV(fields []string) (LV, error) {
	n, err := parseFields(fields, lvFields[:])
	if err != nil {
		return LV{}, err
	}
	attr := parseLVAttr(n["attr"])
	lv := LV{
		UUID:       n["uuid"],
		Name:       n["name"],
		VGName:     n["vg_name"],
		Attr:       attr,
		Size:       mustInt(n["size"]),
		SegStartPE: n["seg_start_pe"],
		Devices:    n["devices"],
		Tags:       splitTags(n["tags"]),
		Writeable:  attr.Permission == 'w',
		Opened:     attr.DevOpen == 'o',
		Active:     attr.State == 'a',
	}
	return lv, nil
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

// EntryKind tags which variant of the Fresh/Stale/Unreadable union an
// entry is in.
type EntryKind int

const (
	KindFresh EntryKind = iota
	KindStale
	KindUnreadable
)

func (k EntryKind) String() string {
	switch k {
	case KindFresh:
		return "fresh"
	case KindStale:
		return "stale"
	case KindUnreadable:
		return "unreadable"
	default:
		return "unknown"
	}
}

// IsStale reports whether k requires a reload before its value can be
// trusted. Both Stale and Unreadable are "stale" in this sense: Unreadable
// placeholders are retried on the next read exactly like Stale ones.
func (k EntryKind) IsStale() bool { return k != KindFresh }

// PVEntry, VGEntry and LVEntry are the three-variant tagged unions backing
// EntityStore's maps. Accessing Value() on a non-Fresh entry returns a
// typed error instead of a zero value, so callers can't accidentally
// read stale fields without checking Kind first.
type PVEntry struct {
	Kind EntryKind
	Name string
	pv   PV
}

func freshPV(pv PV) PVEntry       { return PVEntry{Kind: KindFresh, Name: pv.Name, pv: pv} }
func stalePV(name string) PVEntry { return PVEntry{Kind: KindStale, Name: name} }
func unreadablePV(name string) PVEntry {
	return PVEntry{Kind: KindUnreadable, Name: name}
}

func (e PVEntry) IsStale() bool { return e.Kind.IsStale() }

// Value returns the parsed PV record, or an error if this entry is Stale
// or Unreadable.
func (e PVEntry) Value() (PV, error) {
	if e.Kind != KindFresh {
		return PV{}, wrapf(ErrInaccessiblePhysDev, e.Name, nil)
	}
	return e.pv, nil
}

type VGEntry struct {
	Kind EntryKind
	Name string
	vg   VG
}

func freshVG(vg VG) VGEntry       { return VGEntry{Kind: KindFresh, Name: vg.Name, vg: vg} }
func staleVG(name string) VGEntry { return VGEntry{Kind: KindStale, Name: name} }
func unreadableVG(name string) VGEntry {
	return VGEntry{Kind: KindUnreadable, Name: name}
}

func (e VGEntry) IsStale() bool { return e.Kind.IsStale() }

func (e VGEntry) Value() (VG, error) {
	if e.Kind != KindFresh {
		return VG{}, wrapf(ErrVolumeGroupDoesNotExist, e.Name, nil)
	}
	return e.vg, nil
}

type LVEntry struct {
	Kind EntryKind
	VG   string
	Name string
	lv   LV
}

func freshLV(lv LV) LVEntry {
	return LVEntry{Kind: KindFresh, VG: lv.VGName, Name: lv.Name, lv: lv}
}
func staleLV(vg, name string) LVEntry {
	return LVEntry{Kind: KindStale, VG: vg, Name: name}
}
func unreadableLV(vg, name string) LVEntry {
	return LVEntry{Kind: KindUnreadable, VG: vg, Name: name}
}

func (e LVEntry) IsStale() bool { return e.Kind.IsStale() }

func (e LVEntry) Value() (LV, error) {
	if e.Kind != KindFresh {
		return LV{}, wrapf(ErrLogicalVolumeDoesNotExist, e.VG+"/"+e.Name, nil)
	}
	return e.lv, nil
}

// lvKey is the composite map key for logical volumes.
type lvKey struct {
	vg string
	lv string
}
