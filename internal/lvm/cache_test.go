package lvm

import (
	"context"
	"testing"
)

func newTestCache(exec CommandExecutor, devs []string) (*Cache, *EntityStore, *Stats) {
	store := NewEntityStore()
	runner := newTestRunner(exec, devs)
	engine := NewReloadEngine(store, runner, fakeBuilder{})
	stats := NewStats()
	return NewCache(store, engine, stats, nil), store, stats
}

func TestCacheColdMissThenHit(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{}
	exec.queue([]string{
		"uuid-1|/dev/mapper/pv0|1073741824|vg0|vguuid-1|1048576|255|10|2|1073741824|2",
	}, nil)
	cache, _, stats := newTestCache(exec, []string{"/dev/mapper/pv0"})

	if _, err := cache.GetPV(ctx, "/dev/mapper/pv0"); err != nil {
		t.Fatalf("GetPV: %v", err)
	}
	hits, misses, _ := stats.Info()
	if hits != 0 || misses != 1 {
		t.Fatalf("expected hits=0 misses=1 after cold miss, got hits=%d misses=%d", hits, misses)
	}
	if exec.callCount() != 1 {
		t.Fatalf("expected exactly 1 subprocess call, got %d", exec.callCount())
	}

	if _, err := cache.GetPV(ctx, "/dev/mapper/pv0"); err != nil {
		t.Fatalf("GetPV second call: %v", err)
	}
	hits, misses, _ = stats.Info()
	if hits != 1 || misses != 1 {
		t.Fatalf("expected hits=1 misses=1 on second call, got hits=%d misses=%d", hits, misses)
	}
	if exec.callCount() != 1 {
		t.Fatalf("second read must not issue another subprocess call, got %d calls", exec.callCount())
	}
}

func TestCacheGetAllPVsSkipsUnknown(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{}
	exec.queue([]string{
		"uuid-1|/dev/mapper/pv0|1073741824|vg0|vguuid-1|1048576|255|10|2|1073741824|2",
		"uuid-2|[unknown]|0|vg0|vguuid-1|0|0|0|0|0|0",
	}, nil)
	cache, _, _ := newTestCache(exec, nil)

	pvs, err := cache.GetAllPVs(ctx)
	if err != nil {
		t.Fatalf("GetAllPVs: %v", err)
	}
	if len(pvs) != 1 {
		t.Fatalf("expected [unknown] row excluded, got %d pvs", len(pvs))
	}
}

func TestCacheGetAllPVsZeroCallsWhenFresh(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{}
	exec.queue([]string{
		"uuid-1|/dev/mapper/pv0|1073741824|vg0|vguuid-1|1048576|255|10|2|1073741824|2",
	}, nil)
	cache, _, _ := newTestCache(exec, nil)

	if _, err := cache.GetAllPVs(ctx); err != nil {
		t.Fatalf("GetAllPVs: %v", err)
	}
	before := exec.callCount()
	if _, err := cache.GetAllPVs(ctx); err != nil {
		t.Fatalf("GetAllPVs second call: %v", err)
	}
	if exec.callCount() != before {
		t.Fatalf("expected zero subprocess calls on fresh bulk cache, went from %d to %d", before, exec.callCount())
	}
}

func TestCacheGetAllLVsNeverSurfacesStale(t *testing.T) {
	ctx := context.Background()
	store := NewEntityStore()
	store.upsertLV(LV{VGName: "vg0", Name: "fresh-lv"})
	store.markStaleLV("vg0", "stale-lv")
	store.markFreshLV("vg0")

	runner := newTestRunner(&fakeExecutor{}, nil)
	engine := NewReloadEngine(store, runner, fakeBuilder{})
	cache := NewCache(store, engine, NewStats(), nil)

	lvs, err := cache.GetAllLVs(ctx, "vg0")
	if err != nil {
		t.Fatalf("GetAllLVs: %v", err)
	}
	if len(lvs) != 1 || lvs[0].Name != "fresh-lv" {
		t.Fatalf("expected only the fresh LV surfaced, got %+v", lvs)
	}
}

func TestCacheGetVGsAlwaysBypassesStore(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{}
	exec.queue([]string{
		"uuid-a|a|wz--n-|2147483648|1073741824|4194304|512|256|-|131072|131072|0|1|/dev/mapper/pv0",
	}, nil)
	exec.queue([]string{
		"uuid-a|a|wz--n-|2147483648|1073741824|4194304|512|256|-|131072|131072|0|1|/dev/mapper/pv0",
	}, nil)
	cache, _, _ := newTestCache(exec, nil)

	if _, err := cache.GetVGs(ctx, []string{"a"}); err != nil {
		t.Fatalf("GetVGs: %v", err)
	}
	first := exec.callCount()
	if _, err := cache.GetVGs(ctx, []string{"a"}); err != nil {
		t.Fatalf("GetVGs second call: %v", err)
	}
	if exec.callCount() != first+1 {
		t.Fatalf("GetVGs must always reload, expected %d calls, got %d", first+1, exec.callCount())
	}
}
