package lvm

import "context"

// Cache is the read-side facade over EntityStore and ReloadEngine,
// implementing the hit/miss/reload table. Every Get* method is
// safe for concurrent use and never blocks callers on each other's
// subprocess calls beyond what CommandRunner's semaphore already imposes.
type Cache struct {
	store   *EntityStore
	reload  *ReloadEngine
	stats   *Stats
	metrics *Metrics
}

// NewCache builds a Cache over an already-wired store/reload pair.
func NewCache(store *EntityStore, reload *ReloadEngine, stats *Stats, metrics *Metrics) *Cache {
	if stats == nil {
		stats = NewStats()
	}
	return &Cache{store: store, reload: reload, stats: stats, metrics: metrics}
}

// GetPV returns the named PV, reloading it if missing, Stale or
// Unreadable.
func (c *Cache) GetPV(ctx context.Context, name string) (PV, error) {
	if entry, ok := c.store.getPV(name); ok && !entry.IsStale() {
		c.hit("pv")
		return entry.Value()
	}
	c.miss("pv")
	return c.reload.ReloadSinglePV(ctx, name)
}

// GetAllPVs returns every known PV, triggering a full reload if the
// bulk-stale sentinel is set. Callers get only the entities whose
// Value() succeeded: Unreadable/Stale ones are skipped from the returned
// slice but stay present in the underlying store.
func (c *Cache) GetAllPVs(ctx context.Context) ([]PV, error) {
	if c.store.isStalePV() {
		c.miss("pv")
		c.reload.ReloadAllPVs(ctx)
	} else {
		c.hit("pv")
	}
	snap := c.store.snapshotPVs()
	out := make([]PV, 0, len(snap))
	for _, e := range snap {
		if pv, err := e.Value(); err == nil {
			out = append(out, pv)
		}
	}
	return out, nil
}

// GetPVs returns the requested PVs by name, reloading whichever ones are
// missing or stale in a single batched command.
func (c *Cache) GetPVs(ctx context.Context, names []string) ([]PV, error) {
	var stale []string
	for _, n := range names {
		if e, ok := c.store.getPV(n); !ok || e.IsStale() {
			stale = append(stale, n)
		}
	}
	if len(stale) > 0 {
		c.miss("pv")
		c.reload.ReloadPVs(ctx, stale)
	} else {
		c.hit("pv")
	}
	out := make([]PV, 0, len(names))
	for _, n := range names {
		if e, ok := c.store.getPV(n); ok {
			if pv, err := e.Value(); err == nil {
				out = append(out, pv)
			}
		}
	}
	return out, nil
}

// GetVG returns the named VG, reloading it if missing, Stale or
// Unreadable.
func (c *Cache) GetVG(ctx context.Context, name string) (VG, error) {
	if entry, ok := c.store.getVG(name); ok && !entry.IsStale() {
		c.hit("vg")
		return entry.Value()
	}
	c.miss("vg")
	return c.reload.ReloadSingleVG(ctx, name)
}

// GetVGs returns the requested VGs by name, bypassing the cache and
// always issuing a fresh `vgs` call scoped to names.
func (c *Cache) GetVGs(ctx context.Context, names []string) ([]VG, error) {
	c.miss("vg")
	c.reload.ReloadVGs(ctx, names)
	out := make([]VG, 0, len(names))
	for _, n := range names {
		if e, ok := c.store.getVG(n); ok {
			if vg, err := e.Value(); err == nil {
				out = append(out, vg)
			}
		}
	}
	return out, nil
}

// GetAllVGs returns every known VG, reloading the whole table if the
// bulk-stale sentinel is set.
func (c *Cache) GetAllVGs(ctx context.Context) ([]VG, error) {
	if c.store.isStaleVG() {
		c.miss("vg")
		c.reload.ReloadAllVGs(ctx)
	} else {
		c.hit("vg")
	}
	snap := c.store.snapshotVGs()
	out := make([]VG, 0, len(snap))
	for _, e := range snap {
		if vg, err := e.Value(); err == nil {
			out = append(out, vg)
		}
	}
	return out, nil
}

// GetLV returns the named (vg, lv) pair, reloading it if missing, Stale
// or Unreadable.
func (c *Cache) GetLV(ctx context.Context, vg, lv string) (LV, error) {
	if entry, ok := c.store.getLV(vg, lv); ok && !entry.IsStale() {
		c.hit("lv")
		return entry.Value()
	}
	c.miss("lv")
	return c.reload.ReloadSingleLV(ctx, vg, lv)
}

// GetAllLVs returns every LV belonging to vg, reloading the whole VG's
// LV set if that listing is not currently marked fresh. Like GetAllPVs,
// it never surfaces Unreadable entries: a stale/unreadable LV is simply
// dropped from the result.
func (c *Cache) GetAllLVs(ctx context.Context, vg string) ([]LV, error) {
	if !c.store.isFreshLV(vg) {
		c.miss("lv")
		c.reload.ReloadAllLVsOfVG(ctx, vg)
	} else {
		c.hit("lv")
	}
	snap := c.store.snapshotLVsOfVG(vg)
	out := make([]LV, 0, len(snap))
	for _, e := range snap {
		if lv, err := e.Value(); err == nil {
			out = append(out, lv)
		}
	}
	return out, nil
}

func (c *Cache) hit(entity string) {
	c.stats.Hit()
	c.metrics.recordHit(entity)
}

func (c *Cache) miss(entity string) {
	c.stats.Miss()
	c.metrics.recordMiss(entity)
}
