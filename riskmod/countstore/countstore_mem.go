package countstore

import (
	"context"
	"sync"
	"time"
)

// Keeps individual event timestamps in memory. Timestamps older than the
// longest bounded window are pruned on write, while the total is kept as a
// running count.
type MemCountStore struct {
	mu     *sync.Mutex
	events map[string][]time.Time
	totals map[string]int
	// clock; replaced in tests
	Now func() time.Time
}

var _ CountStore = (*MemCountStore)(nil)

func NewMemCountStore() MemCountStore {
	return MemCountStore{
		mu:     &sync.Mutex{},
		events: make(map[string][]time.Time),
		totals: make(map[string]int),
		Now:    time.Now,
	}
}

func (s MemCountStore) GetCount(ctx context.Context, name, val, period string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := counterKey(name, val)
	w := window(period)
	if w == 0 {
		return s.totals[k], nil
	}
	since := s.Now().Add(-w)
	c := 0
	for _, ts := range s.events[k] {
		if ts.After(since) {
			c++
		}
	}
	return c, nil
}

func (s MemCountStore) Increment(ctx context.Context, name, val string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := counterKey(name, val)
	now := s.Now()
	cutoff := now.Add(-window(PeriodMonth))
	kept := s.events[k][:0]
	for _, ts := range s.events[k] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.events[k] = append(kept, now)
	s.totals[k]++
	return nil
}
