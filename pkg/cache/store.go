package cache

import (
	"sync"

	"github.com/DecentraLabsCom/marketplace-sync/pkg/market"
)

// store is the canonical in-memory representation of the cached collections.
// It is owned by the Coordinator, which is its sole mutator; everything else
// reads through the Coordinator's accessors.
type store struct {
	mu      sync.Mutex
	records map[market.Kind]map[string]any
}

func newStore() *store {
	records := make(map[market.Kind]map[string]any, len(market.Kinds()))
	for _, k := range market.Kinds() {
		records[k] = make(map[string]any)
	}
	return &store{records: records}
}

func (s *store) get(kind market.Kind, key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.records[kind][key]
	return v, ok
}

func (s *store) set(kind market.Kind, key string, value any) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[kind][key] = value
	return len(s.records[kind])
}

func (s *store) remove(kind market.Kind, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[kind], key)
	return len(s.records[kind])
}

// replaceAll swaps the whole collection for kind in one step.
func (s *store) replaceAll(kind market.Kind, records map[string]any) int {
	fresh := make(map[string]any, len(records))
	for k, v := range records {
		fresh[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[kind] = fresh
	return len(fresh)
}

func (s *store) all(kind market.Kind) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.records[kind]))
	for k, v := range s.records[kind] {
		out[k] = v
	}
	return out
}

func (s *store) size(kind market.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[kind])
}
