package lvm

import "sync"

// Stats tracks cache hit/miss counters for diagnostics.
type Stats struct {
	mu     sync.Mutex
	hits   int64
	misses int64
}

// NewStats returns a zeroed Stats.
func NewStats() *Stats { return &Stats{} }

// Hit increments the hit counter.
func (s *Stats) Hit() {
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
}

// Miss increments the miss counter.
func (s *Stats) Miss() {
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
}

// Info returns the current hit/miss counts and the hit ratio (0 when no
// requests have been recorded yet).
func (s *Stats) Info() (hits, misses int64, hitRatio float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.hits + s.misses
	if total == 0 {
		return s.hits, s.misses, 0
	}
	return s.hits, s.misses, float64(s.hits) / float64(total)
}

// Clear resets both counters to zero.
func (s *Stats) Clear() {
	s.mu.Lock()
	s.hits, s.misses = 0, 0
	s.mu.Unlock()
}
