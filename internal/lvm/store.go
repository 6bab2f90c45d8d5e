package lvm

import "sync"

// EntityStore holds the cache-wide state: the three entity maps, the
// freshness set for whole-VG LV listings, and the two stale-bulk
// sentinels, all behind a single mutex.
//
// Every method below takes mu itself for the duration of the call;
// none of them invokes a subprocess ("never hold store_lock across
// a subprocess invocation").
type EntityStore struct {
	mu sync.Mutex

	pvs map[string]PVEntry
	vgs map[string]VGEntry
	lvs map[lvKey]LVEntry

	freshLV  map[string]bool
	stalePV  bool
	staleVG  bool
}

// NewEntityStore returns an EntityStore with both bulk-stale sentinels
// set, matching the cache's cold-start state.
func NewEntityStore() *EntityStore {
	return &EntityStore{
		pvs:     make(map[string]PVEntry),
		vgs:     make(map[string]VGEntry),
		lvs:     make(map[lvKey]LVEntry),
		freshLV: make(map[string]bool),
		stalePV: true,
		staleVG: true,
	}
}

// --- PV ---------------------------------------------------------------

func (s *EntityStore) upsertPV(pv PV) {
	s.mu.Lock()
	s.pvs[pv.Name] = freshPV(pv)
	s.mu.Unlock()
}

func (s *EntityStore) getPV(name string) (PVEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pvs[name]
	return e, ok
}

func (s *EntityStore) markStalePV(name string) {
	s.mu.Lock()
	s.pvs[name] = stalePV(name)
	s.mu.Unlock()
}

// markUnreadablePV demotes name to Unreadable only if it is present and
// currently stale. Returns true if the demotion happened.
func (s *EntityStore) markUnreadablePV(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pvs[name]
	if ok && e.IsStale() {
		s.pvs[name] = unreadablePV(name)
		return true
	}
	return false
}

func (s *EntityStore) removePV(name string) {
	s.mu.Lock()
	delete(s.pvs, name)
	s.mu.Unlock()
}

func (s *EntityStore) clearAllPVs() {
	s.mu.Lock()
	s.pvs = make(map[string]PVEntry)
	s.stalePV = true
	s.mu.Unlock()
}

func (s *EntityStore) snapshotPVs() map[string]PVEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]PVEntry, len(s.pvs))
	for k, v := range s.pvs {
		out[k] = v
	}
	return out
}

// --- VG ---------------------------------------------------------------

func (s *EntityStore) upsertVG(vg VG) {
	s.mu.Lock()
	s.vgs[vg.Name] = freshVG(vg)
	s.mu.Unlock()
}

func (s *EntityStore) getVG(name string) (VGEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.vgs[name]
	return e, ok
}

func (s *EntityStore) markStaleVG(name string) {
	s.mu.Lock()
	s.vgs[name] = staleVG(name)
	s.mu.Unlock()
}

func (s *EntityStore) markUnreadableVG(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.vgs[name]
	if ok && e.IsStale() {
		s.vgs[name] = unreadableVG(name)
		return true
	}
	return false
}

func (s *EntityStore) removeVG(name string) {
	s.mu.Lock()
	delete(s.vgs, name)
	delete(s.freshLV, name)
	s.mu.Unlock()
}

func (s *EntityStore) clearAllVGs() {
	s.mu.Lock()
	s.vgs = make(map[string]VGEntry)
	s.freshLV = make(map[string]bool)
	s.staleVG = true
	s.mu.Unlock()
}

func (s *EntityStore) snapshotVGs() map[string]VGEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]VGEntry, len(s.vgs))
	for k, v := range s.vgs {
		out[k] = v
	}
	return out
}

// vgPVNames returns the cached pv_name list for vg, or nil if vg is
// unknown/stale — used to build the device filter for VG/LV reloads
// without ever calling into the subprocess layer while holding the lock.
func (s *EntityStore) vgPVNames(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.vgs[name]
	if !ok || e.Kind != KindFresh {
		return nil
	}
	return append([]string{}, e.vg.PVName...)
}

// --- LV -----------------------------------------------------------------

func (s *EntityStore) upsertLV(lv LV) {
	s.mu.Lock()
	s.lvs[lvKey{lv.VGName, lv.Name}] = freshLV(lv)
	s.mu.Unlock()
}

func (s *EntityStore) getLV(vg, lv string) (LVEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lvs[lvKey{vg, lv}]
	return e, ok
}

func (s *EntityStore) markStaleLV(vg, lv string) {
	s.mu.Lock()
	s.lvs[lvKey{vg, lv}] = staleLV(vg, lv)
	s.mu.Unlock()
}

// markStaleAllLVsOfVG marks every currently-fresh LV belonging to vg as
// Stale (invalidation matrix, used by VG-scoped mutations: VGCheck,
// DeactivateVG and MovePV).
func (s *EntityStore) markStaleAllLVsOfVG(vg string) {
	s.mu.Lock()
	for k, e := range s.lvs {
		if k.vg == vg && !e.IsStale() {
			s.lvs[k] = staleLV(vg, k.lv)
		}
	}
	s.mu.Unlock()
}

func (s *EntityStore) markUnreadableLV(vg, lv string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := lvKey{vg, lv}
	e, ok := s.lvs[k]
	if ok && e.IsStale() {
		s.lvs[k] = unreadableLV(vg, lv)
		return true
	}
	return false
}

func (s *EntityStore) removeLV(vg, lv string) {
	s.mu.Lock()
	delete(s.lvs, lvKey{vg, lv})
	s.mu.Unlock()
}

func (s *EntityStore) removeAllLVsOfVG(vg string) {
	s.mu.Lock()
	for k := range s.lvs {
		if k.vg == vg {
			delete(s.lvs, k)
		}
	}
	s.mu.Unlock()
}

func (s *EntityStore) clearAllLVs() {
	s.mu.Lock()
	s.lvs = make(map[lvKey]LVEntry)
	s.freshLV = make(map[string]bool)
	s.mu.Unlock()
}

func (s *EntityStore) snapshotLVsOfVG(vg string) map[lvKey]LVEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[lvKey]LVEntry)
	for k, v := range s.lvs {
		if k.vg == vg {
			out[k] = v
		}
	}
	return out
}

func (s *EntityStore) lvNamesOfVG(vg string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.lvs {
		if k.vg == vg {
			out = append(out, k.lv)
		}
	}
	return out
}

// --- freshness / bulk-stale sentinels -----------------------------------

func (s *EntityStore) markFreshLV(vg string) {
	s.mu.Lock()
	s.freshLV[vg] = true
	s.mu.Unlock()
}

func (s *EntityStore) discardFreshLV(vg string) {
	s.mu.Lock()
	delete(s.freshLV, vg)
	s.mu.Unlock()
}

func (s *EntityStore) isFreshLV(vg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freshLV[vg]
}

func (s *EntityStore) clearStalePV() {
	s.mu.Lock()
	s.stalePV = false
	s.mu.Unlock()
}

func (s *EntityStore) setStalePV() {
	s.mu.Lock()
	s.stalePV = true
	s.mu.Unlock()
}

func (s *EntityStore) isStalePV() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalePV
}

func (s *EntityStore) clearStaleVG() {
	s.mu.Lock()
	s.staleVG = false
	s.mu.Unlock()
}

func (s *EntityStore) setStaleVG() {
	s.mu.Lock()
	s.staleVG = true
	s.mu.Unlock()
}

func (s *EntityStore) isStaleVG() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staleVG
}

// flush invalidates everything: the PV, VG and LV maps are emptied and
// both bulk-stale sentinels are set, so the next bulk read reloads.
func (s *EntityStore) flush() {
	s.clearAllPVs()
	s.clearAllVGs()
	s.clearAllLVs()
}
