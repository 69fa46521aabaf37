package cluster

import (
	"sort"
	"sync"
	"time"
)

// CheckSchedule is a bounded set of member addresses waiting to be
// re-probed. An address is accepted at most once per minimum interval.
type CheckSchedule struct {
	mu          sync.Mutex
	pending     map[string]time.Time // address -> scheduled at
	lastChecked map[string]time.Time // address -> drained at
	capacity    int
	minInterval time.Duration
	now         func() time.Time
}

// NewCheckSchedule creates a schedule holding at most capacity addresses.
func NewCheckSchedule(capacity int, minInterval time.Duration) *CheckSchedule {
	if capacity <= 0 {
		capacity = 256
	}
	return &CheckSchedule{
		pending:     make(map[string]time.Time),
		lastChecked: make(map[string]time.Time),
		capacity:    capacity,
		minInterval: minInterval,
		now:         time.Now,
	}
}

// Schedule queues address for a check. It reports false when the address
// is already queued, was drained within the minimum interval, or the
// schedule is full.
func (s *CheckSchedule) Schedule(address string) bool {
	if address == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[address]; ok {
		return false
	}
	now := s.now()
	if last, ok := s.lastChecked[address]; ok && now.Sub(last) < s.minInterval {
		return false
	}
	if len(s.pending) >= s.capacity {
		return false
	}
	s.pending[address] = now
	return true
}

// Drain returns every queued address in scheduling order and empties the
// schedule.
func (s *CheckSchedule) Drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}
	now := s.now()
	out := make([]string, 0, len(s.pending))
	for addr := range s.pending {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := s.pending[out[i]], s.pending[out[j]]
		if ti.Equal(tj) {
			return out[i] < out[j]
		}
		return ti.Before(tj)
	})
	for _, addr := range out {
		s.lastChecked[addr] = now
	}
	s.pending = make(map[string]time.Time)

	// Forget addresses whose interval has passed so the map stays bounded.
	for addr, last := range s.lastChecked {
		if now.Sub(last) >= s.minInterval {
			delete(s.lastChecked, addr)
		}
	}
	return out
}

// Len returns the number of queued addresses.
func (s *CheckSchedule) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
