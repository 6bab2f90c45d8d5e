package lvm

import "testing"

func TestStatsHitRatio(t *testing.T) {
	s := NewStats()
	if _, _, ratio := s.Info(); ratio != 0 {
		t.Fatalf("expected 0 ratio with no requests, got %v", ratio)
	}
	s.Hit()
	s.Hit()
	s.Miss()
	hits, misses, ratio := s.Info()
	if hits != 2 || misses != 1 {
		t.Fatalf("unexpected counters: hits=%d misses=%d", hits, misses)
	}
	if ratio < 0.666 || ratio > 0.667 {
		t.Fatalf("unexpected ratio: %v", ratio)
	}
	s.Clear()
	if hits, misses, _ := s.Info(); hits != 0 || misses != 0 {
		t.Fatalf("expected counters reset after Clear, got hits=%d misses=%d", hits, misses)
	}
}
