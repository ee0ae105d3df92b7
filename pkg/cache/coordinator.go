// Package cache implements the cache update coordinator: the sole writer of
// the canonical in-memory representation of on-chain marketplace state. It
// exposes granular keyed mutation primitives with a deliberate full
// invalidation fallback, arbitrates optimistic local writes against
// event-driven corrections, and bounds authoritative refetch concurrency.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/DecentraLabsCom/marketplace-sync/pkg/market"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/metrics"
)

// ErrNoRecord is returned by a Fetcher when the source of truth has no record
// for the requested key. The coordinator removes the cached entry in response.
var ErrNoRecord = errors.New("source of truth has no record for key")

// ErrManualUpdateInProgress is returned when a manual update is begun for an
// entity whose gate is already held.
var ErrManualUpdateInProgress = errors.New("manual update already in progress for key")

// Fetcher is the outbound source-of-truth lookup. Its transport (REST call,
// direct chain read) is external and opaque to the coordinator.
type Fetcher interface {
	// FetchRecord returns the canonical record for (kind, key), or ErrNoRecord
	// when the source has none.
	FetchRecord(ctx context.Context, kind market.Kind, key string) (any, error)
	// FetchAll returns the full canonical collection for kind.
	FetchAll(ctx context.Context, kind market.Kind) (map[string]any, error)
}

// ChangeFunc observes committed cache mutations for a kind. Invoked outside
// the coordinator's locks.
type ChangeFunc func(kind market.Kind)

// Coordinator owns the cached collections and is their only permitted
// mutator. Granular updates are the default path; InvalidateAll is the
// explicit fallback for when the precise effect of an event cannot be
// computed or a granular update failed.
type Coordinator struct {
	log     *zap.SugaredLogger
	store   *store
	fetcher Fetcher
	gate    *Gate
	metrics *metrics.Metrics

	// Bounds concurrent authoritative refetches so an event burst cannot
	// stampede the source of truth.
	refetchSem *semaphore.Weighted

	obsMu     sync.Mutex
	observers []ChangeFunc
}

// NewCoordinator creates a Coordinator. metrics may be nil.
func NewCoordinator(
	log *zap.SugaredLogger,
	fetcher Fetcher,
	maxConcurrentRefetches int64,
	m *metrics.Metrics,
) (*Coordinator, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if fetcher == nil {
		return nil, errors.New("invalid fetcher: must not be nil")
	}
	if maxConcurrentRefetches <= 0 {
		return nil, errors.New("invalid refetch concurrency: must be greater than 0")
	}
	return &Coordinator{
		log:        log,
		store:      newStore(),
		fetcher:    fetcher,
		gate:       NewGate(),
		metrics:    m,
		refetchSem: semaphore.NewWeighted(maxConcurrentRefetches),
	}, nil
}

// Gate returns the manual-update mutual exclusion gate consulted by event
// handlers.
func (c *Coordinator) Gate() *Gate {
	return c.gate
}

// OnChange registers an observer notified after every committed mutation for
// the mutated kind.
func (c *Coordinator) OnChange(fn ChangeFunc) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *Coordinator) notify(kind market.Kind) {
	c.obsMu.Lock()
	fns := make([]ChangeFunc, len(c.observers))
	copy(fns, c.observers)
	c.obsMu.Unlock()
	for _, fn := range fns {
		fn(kind)
	}
}

// SignalChange notifies observers that derived state for kind must be
// re-evaluated even though no record changed, e.g. a reservation window
// opening or closing as wall-clock time passes.
func (c *Coordinator) SignalChange(kind market.Kind) {
	c.notify(kind)
}

// Get returns the cached record for (kind, key).
func (c *Coordinator) Get(kind market.Kind, key string) (any, bool) {
	return c.store.get(kind, key)
}

// All returns a copy of the cached collection for kind.
func (c *Coordinator) All(kind market.Kind) map[string]any {
	return c.store.all(kind)
}

// SetRecord unconditionally overwrites the cached value for (kind, key).
func (c *Coordinator) SetRecord(kind market.Kind, key string, value any) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", market.ErrUnknownKind, kind)
	}
	n := c.store.set(kind, key, value)
	c.metrics.SetCacheRecords(string(kind), n)
	c.notify(kind)
	return nil
}

// RemoveRecord deletes the cached value for (kind, key). Idempotent.
func (c *Coordinator) RemoveRecord(kind market.Kind, key string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", market.ErrUnknownKind, kind)
	}
	n := c.store.remove(kind, key)
	c.metrics.SetCacheRecords(string(kind), n)
	c.notify(kind)
	return nil
}

// MarkStaleAndRefetch re-fetches exactly (kind, key) from the source of truth
// and overwrites the cached value with the authoritative one. A fetch failure
// leaves the previous cached state untouched; the caller relies on the next
// event or the fallback poll to retry.
func (c *Coordinator) MarkStaleAndRefetch(ctx context.Context, kind market.Kind, key string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", market.ErrUnknownKind, kind)
	}
	if err := c.refetchSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("refetch of %s/%s not started: %w", kind, key, err)
	}
	defer c.refetchSem.Release(1)

	c.metrics.IncRefetchInFlight()
	defer c.metrics.DecRefetchInFlight()

	start := time.Now()
	value, err := c.fetcher.FetchRecord(ctx, kind, key)
	c.metrics.RecordRefetch(string(kind), err, time.Since(start).Seconds())

	switch {
	case errors.Is(err, ErrNoRecord):
		return c.RemoveRecord(kind, key)
	case err != nil:
		c.log.Warnw("authoritative refetch failed; keeping previous cached state",
			"kind", kind, "key", key, "error", err)
		return fmt.Errorf("refetch %s/%s: %w", kind, key, err)
	}
	return c.SetRecord(kind, key, value)
}

// RefetchKeys re-fetches each given key for kind. Used by the batch scheduler
// to drain a coalesced invalidation set with one call. Fetch errors are
// collected; keys that fetched successfully are still applied.
func (c *Coordinator) RefetchKeys(ctx context.Context, kind market.Kind, keys []string) error {
	var errs []error
	for _, key := range keys {
		if err := c.MarkStaleAndRefetch(ctx, kind, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InvalidateAll discards the entire cached collection for kind and replaces
// it with a full authoritative refetch. It is the deliberate fallback, never
// a parallel strategy: callers attempt the granular path first. On fetch
// failure the previous collection is kept so the cache never shows a hole.
func (c *Coordinator) InvalidateAll(ctx context.Context, kind market.Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", market.ErrUnknownKind, kind)
	}
	if err := c.refetchSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("full refetch of %s not started: %w", kind, err)
	}
	defer c.refetchSem.Release(1)

	c.metrics.IncRefetchInFlight()
	defer c.metrics.DecRefetchInFlight()

	start := time.Now()
	records, err := c.fetcher.FetchAll(ctx, kind)
	c.metrics.RecordRefetch(string(kind), err, time.Since(start).Seconds())
	if err != nil {
		c.log.Warnw("full invalidation refetch failed; keeping previous collection",
			"kind", kind, "error", err)
		return fmt.Errorf("invalidate all %s: %w", kind, err)
	}

	n := c.store.replaceAll(kind, records)
	c.metrics.SetCacheRecords(string(kind), n)
	c.notify(kind)
	c.log.Debugw("replaced collection from full refetch", "kind", kind, "records", n)
	return nil
}

// GranularOrInvalidate runs a granular update and, if it fails, falls back to
// a full invalidation for the kind on that same error path. The original
// error is logged with its context and joined into the result; it is never
// silently swallowed.
func (c *Coordinator) GranularOrInvalidate(
	ctx context.Context,
	kind market.Kind,
	key string,
	granular func() error,
) error {
	err := granular()
	if err == nil {
		return nil
	}

	c.log.Errorw("granular cache update failed; falling back to full invalidation",
		"kind", kind, "key", key, "error", err)
	c.metrics.RecordGranularFallback(string(kind))

	if invErr := c.InvalidateAll(ctx, kind); invErr != nil {
		return errors.Join(err, invErr)
	}
	return err
}
