// Package history implements the bucketed sliding-window message store
// (spec §4.1, C1): HISTORY (recent note-ons per note) and DISABLED
// (recent disable events per note) both build on the same Store type.
package history

import (
	"sync"

	"github.com/3hhh/xtalk/internal/midimsg"
)

// Index selects which byte of a message a Store buckets by.
type Index int

const (
	ByData1 Index = iota // note number
	ByData2              // velocity
)

func (idx Index) key(m midimsg.Message) byte {
	if idx == ByData2 {
		return m.Data2
	}
	return m.Data1
}

// Store is a mapping from byte value 0..255 to an ordered multiset of
// messages. There is no implicit expiry: callers are responsible for
// scheduling a matching Remove (see internal/dispatch), typically via
// time.AfterFunc after history+delay milliseconds.
type Store struct {
	mu      sync.Mutex
	idx     Index
	buckets [256][]midimsg.Message
}

// New creates an empty Store indexed by idx.
func New(idx Index) *Store {
	return &Store{idx: idx}
}

// Add appends m to its bucket.
func (s *Store) Add(m midimsg.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.idx.key(m)
	s.buckets[k] = append(s.buckets[k], m)
}

// Remove removes the first occurrence of m equal to the stored value.
// It is a no-op if m is absent, making repeated cleanup calls safe.
func (s *Store) Remove(m midimsg.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.idx.key(m)
	bucket := s.buckets[k]
	for i, cur := range bucket {
		if cur == m {
			s.buckets[k] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// PopSimilar removes and returns the most recently added message in
// m's bucket, or false if the bucket is empty.
func (s *Store) PopSimilar(m midimsg.Message) (midimsg.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.idx.key(m)
	bucket := s.buckets[k]
	if len(bucket) == 0 {
		return midimsg.Message{}, false
	}
	last := bucket[len(bucket)-1]
	s.buckets[k] = bucket[:len(bucket)-1]
	return last, true
}

// HasSimilar reports whether m's bucket is non-empty.
func (s *Store) HasSimilar(m midimsg.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets[s.idx.key(m)]) > 0
}

// GetSimilar returns a snapshot copy of m's bucket, in insertion order.
func (s *Store) GetSimilar(m midimsg.Message) []midimsg.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.buckets[s.idx.key(m)]
	out := make([]midimsg.Message, len(bucket))
	copy(out, bucket)
	return out
}

// GetAll returns a snapshot of the union of the named buckets. An
// empty values slice yields nothing.
func (s *Store) GetAll(values []byte) []midimsg.Message {
	if len(values) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []midimsg.Message
	for _, v := range values {
		out = append(out, s.buckets[v]...)
	}
	return out
}

// Len reports the total number of messages currently stored, used by
// tests asserting the sliding-window invariant.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.buckets {
		n += len(b)
	}
	return n
}
