package peer

import "sync"

// DedupCapacity bounds the per-client duplicate-detection sets. Old entries
// are evicted least-recently-used; a room never holds anywhere near this many
// concurrent negotiations, so eviction only discards long-dead keys.
const DedupCapacity = 128

// DedupSet is a bounded, concurrency-safe set for duplicate signal detection
// (offer fingerprints, answer sender ids).
type DedupSet struct {
	mu       sync.Mutex
	capacity int
	members  map[string]struct{}
	order    []string
}

func NewDedupSet(capacity int) *DedupSet {
	if capacity <= 0 {
		capacity = DedupCapacity
	}
	return &DedupSet{
		capacity: capacity,
		members:  make(map[string]struct{}, capacity),
	}
}

// Seen reports whether key was already present, adding it if not. A repeat
// key is refreshed to most-recently-used.
func (s *DedupSet) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[key]; ok {
		s.touch(key)
		return true
	}

	if len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.members, oldest)
	}
	s.members[key] = struct{}{}
	s.order = append(s.order, key)
	return false
}

// Forget removes key so a later identical signal is treated as new again.
func (s *DedupSet) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[key]; !ok {
		return
	}
	delete(s.members, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *DedupSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

func (s *DedupSet) touch(key string) {
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			s.order = append(s.order, key)
			return
		}
	}
}
