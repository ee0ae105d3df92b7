// Package batch coalesces bursts of related cache invalidations (for
// example, many events landing in one block) into a single downstream
// refetch per collection kind, with per-event-kind delay policies.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DecentraLabsCom/marketplace-sync/pkg/market"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/metrics"
)

const (
	// MinDelay and MaxDelay bound every debounce delay: shorter and
	// rapid-fire events each trigger a separate refetch; longer and stale
	// optimistic data visibly persists.
	MinDelay = 250 * time.Millisecond
	MaxDelay = 1 * time.Second
)

// DelayPolicy holds the per-event-severity debounce delays.
type DelayPolicy struct {
	// Confirm batches near-simultaneous confirmations.
	Confirm time.Duration
	// Deny covers denials and cancellations, which need prompt UI correction.
	Deny time.Duration
}

// DefaultDelayPolicy returns the stock delays.
func DefaultDelayPolicy() DelayPolicy {
	return DelayPolicy{
		Confirm: 400 * time.Millisecond,
		Deny:    350 * time.Millisecond,
	}
}

// Validate enforces the [MinDelay, MaxDelay] band on every delay.
func (p DelayPolicy) Validate() error {
	for name, d := range map[string]time.Duration{"confirm": p.Confirm, "deny": p.Deny} {
		if d < MinDelay || d > MaxDelay {
			return fmt.Errorf(
				"invalid %s debounce delay %s: must be within [%s, %s]",
				name, d, MinDelay, MaxDelay,
			)
		}
	}
	return nil
}

// RefetchFunc performs one coalesced refetch covering all drained keys.
type RefetchFunc func(ctx context.Context, kind market.Kind, keys []string) error

// Scheduler owns one pending timer handle and one pending invalidation set
// per collection kind. Scheduling again before the timer fires resets the
// delay (debounce); it never queues a second timer. Safe for concurrent use.
type Scheduler struct {
	log     *zap.SugaredLogger
	refetch RefetchFunc
	metrics *metrics.Metrics

	// Base context for drains; cancelling it stops in-flight refetches.
	ctx context.Context

	mu      sync.Mutex
	pending map[market.Kind]map[string]struct{}
	timers  map[market.Kind]*time.Timer
}

// NewScheduler creates a Scheduler. metrics may be nil.
func NewScheduler(
	ctx context.Context,
	log *zap.SugaredLogger,
	refetch RefetchFunc,
	m *metrics.Metrics,
) (*Scheduler, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if refetch == nil {
		return nil, errors.New("invalid refetch func: must not be nil")
	}
	return &Scheduler{
		log:     log,
		refetch: refetch,
		metrics: m,
		ctx:     ctx,
		pending: make(map[market.Kind]map[string]struct{}),
		timers:  make(map[market.Kind]*time.Timer),
	}, nil
}

// Enqueue adds keys to the pending invalidation set for kind without
// touching the timer.
func (s *Scheduler) Enqueue(kind market.Kind, keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[kind] == nil {
		s.pending[kind] = make(map[string]struct{})
	}
	for _, k := range keys {
		s.pending[kind][k] = struct{}{}
	}
}

// Schedule (re)starts the single timer for kind. A pending timer is cleared
// first so there is never more than one fire per kind outstanding.
func (s *Scheduler) Schedule(kind market.Kind, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[kind]; ok {
		t.Stop()
	}
	s.timers[kind] = time.AfterFunc(delay, func() { s.drain(kind) })
}

// EnqueueAndSchedule is the common path for event handlers: accumulate the
// keys and (re)start the kind's debounce timer in one call.
func (s *Scheduler) EnqueueAndSchedule(kind market.Kind, delay time.Duration, keys ...string) {
	s.Enqueue(kind, keys...)
	s.Schedule(kind, delay)
}

// Pending returns the number of keys currently awaiting a drain for kind.
func (s *Scheduler) Pending(kind market.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[kind])
}

// Stop clears every pending timer. Keys already accumulated stay pending and
// drain on the next Schedule.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, t := range s.timers {
		t.Stop()
		delete(s.timers, kind)
	}
}

// drain atomically takes the accumulated set for kind and issues exactly one
// coalesced refetch for it. Keys enqueued after the swap start a new
// accumulation cycle and are not lost.
func (s *Scheduler) drain(kind market.Kind) {
	s.mu.Lock()
	set := s.pending[kind]
	delete(s.pending, kind)
	delete(s.timers, kind)
	s.mu.Unlock()

	if len(set) == 0 {
		return
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}

	err := s.refetch(s.ctx, kind, keys)
	s.metrics.RecordBatchRefetch(string(kind), err, len(keys))
	if err != nil {
		s.log.Warnw("batched refetch failed", "kind", kind, "batchSize", len(keys), "error", err)
		return
	}
	s.log.Debugw("drained invalidation batch", "kind", kind, "batchSize", len(keys))
}
