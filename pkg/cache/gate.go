package cache

import (
	"sync"

	"github.com/DecentraLabsCom/marketplace-sync/pkg/market"
)

type gateKey struct {
	kind market.Kind
	key  string
}

// Gate is the manual-update mutual exclusion gate. A user-initiated mutation
// acquires the gate for its entity before writing optimistically; every
// blockchain-event handler consults Held and skips the entity while the gate
// is set, so a slightly delayed event cannot clobber a just-performed manual
// update.
//
// The gate is per-key rather than a single global flag, so a manual update on
// one reservation never starves event processing for unrelated entities. The
// release closure returned by TryAcquire is idempotent and safe to defer,
// which guarantees the gate is cleared even on error paths.
type Gate struct {
	mu   sync.Mutex
	held map[gateKey]struct{}
}

// NewGate creates an empty Gate.
func NewGate() *Gate {
	return &Gate{held: make(map[gateKey]struct{})}
}

// TryAcquire attempts to take the gate for (kind, key). On success it returns
// an idempotent release closure and true; if the gate is already held it
// returns (nil, false).
func (g *Gate) TryAcquire(kind market.Kind, key string) (func(), bool) {
	gk := gateKey{kind: kind, key: key}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, taken := g.held[gk]; taken {
		return nil, false
	}
	g.held[gk] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			delete(g.held, gk)
		})
	}, true
}

// Held reports whether a manual update is in progress for (kind, key).
func (g *Gate) Held(kind market.Kind, key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[gateKey{kind: kind, key: key}]
	return ok
}
