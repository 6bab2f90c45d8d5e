package lvm

import "testing"

func TestEntryKindIsStale(t *testing.T) {
	cases := []struct {
		kind EntryKind
		want bool
	}{
		{KindFresh, false},
		{KindStale, true},
		{KindUnreadable, true},
	}
	for _, c := range cases {
		if got := c.kind.IsStale(); got != c.want {
			t.Errorf("%v.IsStale() = %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestPVEntryValue(t *testing.T) {
	fresh := freshPV(PV{Name: "/dev/mapper/pv0"})
	if _, err := fresh.Value(); err != nil {
		t.Fatalf("fresh entry Value() returned error: %v", err)
	}

	stale := stalePV("/dev/mapper/pv0")
	if _, err := stale.Value(); err == nil {
		t.Fatalf("stale entry Value() should return an error")
	}

	unreadable := unreadablePV("/dev/mapper/pv0")
	if _, err := unreadable.Value(); err == nil {
		t.Fatalf("unreadable entry Value() should return an error")
	}
}

func TestLVEntryValueNamesTarget(t *testing.T) {
	e := unreadableLV("vg0", "lv0")
	_, err := e.Value()
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error message")
	}
}

func TestPadTo(t *testing.T) {
	if got := padTo("wz", 6); got != "wz----" {
		t.Fatalf("padTo short string = %q", got)
	}
	if got := padTo("wz--n-extra", 6); got != "wz--n-" {
		t.Fatalf("padTo truncation = %q", got)
	}
}

func TestSplitTags(t *testing.T) {
	if got := splitTags(""); got != nil {
		t.Fatalf("expected nil for empty tag string, got %v", got)
	}
	got := splitTags("a,b,c")
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("unexpected split: %v", got)
	}
}
