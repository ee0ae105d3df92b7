// Package processing tracks reservation keys that are in flight: submitted
// on-chain but not yet confirmed, denied or cancelled. UI layers gate their
// "processing" indicators on membership; removal happens only from a terminal
// event handler or the error rollback after a failed submission, never from a
// timeout (a timeout may trigger a resync, not a silent removal).
package processing

import (
	"sync"

	"github.com/DecentraLabsCom/marketplace-sync/pkg/market"
)

// DrainFunc is invoked, outside the set's lock, whenever the set size
// transitions from >0 to 0. Consumers use it to schedule a delayed
// authoritative refetch that absorbs on-chain propagation lag.
type DrainFunc func()

// Set is a thread-safe in-memory set of in-flight reservation keys.
type Set struct {
	mu      sync.Mutex
	keys    map[market.ReservationKey]struct{}
	onDrain []DrainFunc
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{keys: make(map[market.ReservationKey]struct{})}
}

// OnDrain registers fn to be called on every >0 to 0 size transition.
func (s *Set) OnDrain(fn DrainFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDrain = append(s.onDrain, fn)
}

// Add inserts key. Idempotent.
func (s *Set) Add(key market.ReservationKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = struct{}{}
}

// Remove deletes key if present and reports whether it was. The return value
// is for logging and metrics, not control flow. Idempotent.
func (s *Set) Remove(key market.ReservationKey) bool {
	s.mu.Lock()
	_, present := s.keys[key]
	delete(s.keys, key)
	drained := present && len(s.keys) == 0
	var fns []DrainFunc
	if drained {
		fns = append(fns, s.onDrain...)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return present
}

// Has reports whether key is in flight.
func (s *Set) Has(key market.ReservationKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

// Size returns the number of in-flight keys.
func (s *Set) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Values returns a copy of the in-flight keys in unspecified order.
func (s *Set) Values() []market.ReservationKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]market.ReservationKey, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	return out
}
