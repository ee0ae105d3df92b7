package cache

import (
	"fmt"
	"sync"

	"github.com/DecentraLabsCom/marketplace-sync/pkg/market"
)

// ManualUpdate is the scoped handle for an optimistic user-initiated
// mutation. BeginManualUpdate snapshots the pre-mutation value, applies the
// optimistic write and takes the entity's gate; exactly one of Commit or
// Rollback resolves it. Close is defer-safe: it rolls back when the update
// was never resolved, so the gate can never be left set on a panic or an
// early return.
type ManualUpdate struct {
	c       *Coordinator
	kind    market.Kind
	key     string
	prev    any
	hadPrev bool
	release func()

	mu       sync.Mutex
	resolved bool
}

// BeginManualUpdate starts an optimistic mutation for (kind, key): it
// captures the pre-mutation snapshot, writes the locally predicted value and
// flags the entity as manually updated. Returns
// ErrManualUpdateInProgress when another manual update holds the key.
func (c *Coordinator) BeginManualUpdate(kind market.Kind, key string, optimistic any) (*ManualUpdate, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", market.ErrUnknownKind, kind)
	}

	release, ok := c.gate.TryAcquire(kind, key)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrManualUpdateInProgress, kind, key)
	}

	prev, hadPrev := c.store.get(kind, key)
	if err := c.SetRecord(kind, key, optimistic); err != nil {
		release()
		return nil, err
	}
	c.metrics.RecordManualUpdate()
	c.log.Debugw("optimistic write applied", "kind", kind, "key", key, "hadPrevious", hadPrev)

	return &ManualUpdate{
		c:       c,
		kind:    kind,
		key:     key,
		prev:    prev,
		hadPrev: hadPrev,
		release: release,
	}, nil
}

// Commit keeps the optimistic value and clears the gate. The authoritative
// on-chain event for the entity will later overwrite the value and clear any
// optimistic mark on the record itself.
func (u *ManualUpdate) Commit() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.resolved {
		return
	}
	u.resolved = true
	u.release()
}

// Rollback restores the exact pre-mutation snapshot (or removes the record
// when there was none) and clears the gate. Used when the mutation's
// submission fails before being accepted on-chain.
func (u *ManualUpdate) Rollback() {
	u.mu.Lock()
	if u.resolved {
		u.mu.Unlock()
		return
	}
	u.resolved = true
	u.mu.Unlock()

	if u.hadPrev {
		_ = u.c.SetRecord(u.kind, u.key, u.prev)
	} else {
		_ = u.c.RemoveRecord(u.kind, u.key)
	}
	u.c.metrics.RecordManualRollback()
	u.c.log.Debugw("optimistic write rolled back", "kind", u.kind, "key", u.key)
	u.release()
}

// Close resolves the update as a rollback when neither Commit nor Rollback
// ran. Intended for defer.
func (u *ManualUpdate) Close() {
	u.Rollback()
}
