package cap

import "sync"

// Set is one task's descriptor table: the mapping from the small integers
// guest code passes in host calls to the handles they stand for. Guests
// cannot construct handles from raw integers; a descriptor outside the set
// resolves to nothing. Descriptor 0 is reserved and never issued.
type Set struct {
	mu      sync.Mutex
	entries []Handle // index = descriptor-1; zero Handle marks a free row
	free    []int32
}

// NewSet creates an empty descriptor table.
func NewSet() *Set {
	return &Set{
		entries: make([]Handle, 0, 8),
	}
}

// Insert maps a handle and returns its descriptor.
func (s *Set) Insert(h Handle) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.free) > 0 {
		desc := s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
		s.entries[desc-1] = h
		return desc
	}

	s.entries = append(s.entries, h)
	return int32(len(s.entries))
}

// Lookup resolves a descriptor.
func (s *Set) Lookup(desc int32) (Handle, bool) {
	if desc <= 0 {
		return Handle{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if int(desc) > len(s.entries) {
		return Handle{}, false
	}
	h := s.entries[desc-1]
	if h.IsZero() {
		return Handle{}, false
	}
	return h, true
}

// Remove unmaps a descriptor and returns the handle it held.
func (s *Set) Remove(desc int32) (Handle, bool) {
	if desc <= 0 {
		return Handle{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if int(desc) > len(s.entries) {
		return Handle{}, false
	}
	h := s.entries[desc-1]
	if h.IsZero() {
		return Handle{}, false
	}
	s.entries[desc-1] = Handle{}
	s.free = append(s.free, desc)
	return h, true
}

// Each visits every mapped descriptor in ascending order.
func (s *Set) Each(fn func(desc int32, h Handle) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, h := range s.entries {
		if h.IsZero() {
			continue
		}
		if !fn(int32(i+1), h) {
			break
		}
	}
}

// Len returns the number of mapped descriptors.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, h := range s.entries {
		if !h.IsZero() {
			n++
		}
	}
	return n
}

// Clear unmaps everything and returns the handles that were held. Called
// on task termination: membership ends, the table entries stay live.
func (s *Set) Clear() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := make([]Handle, 0, len(s.entries))
	for i, h := range s.entries {
		if !h.IsZero() {
			dropped = append(dropped, h)
			s.entries[i] = Handle{}
		}
	}
	s.entries = s.entries[:0]
	s.free = s.free[:0]
	return dropped
}
