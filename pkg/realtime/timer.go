// Package realtime schedules UI re-derivation at the exact wall-clock
// instants at which a reservation's derived status changes, instead of
// polling on a fixed interval. The schedule is continuously re-derived: each
// wake-up recomputes the next one from scratch. A coarse fallback poll runs
// alongside purely as a safety net for instants missed across device sleep
// or clock drift.
package realtime

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

// Transition label values for wakeup metrics.
const (
	TransitionActivation   = "activation"
	TransitionDeactivation = "deactivation"
	TransitionPoll         = "poll"
)

// Config holds the timer's tunables.
type Config struct {
	// Slack is added to the computed transition instant to absorb clock skew.
	Slack time.Duration
	// PollInterval is the fallback safety-net poll period.
	PollInterval time.Duration
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		Slack:        1 * time.Second,
		PollInterval: 1 * time.Minute,
	}
}

// Validate checks the config invariants.
func (c Config) Validate() error {
	if c.Slack <= 0 {
		return fmt.Errorf("invalid slack %s: must be greater than 0", c.Slack)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid poll interval %s: must be greater than 0", c.PollInterval)
	}
	return nil
}

// NextWake computes, across all entities, the earliest status-transition
// instant plus slack. activation reports whether that earliest transition is
// a "becomes active" one (an entity's window opening); when several entities
// transition at the same instant, activation wins because it demands the
// stronger response. ok is false when no entity has a future transition.
func NextWake(
	entities []market.Reservation,
	now time.Time,
	slack time.Duration,
) (wake time.Time, activation bool, ok bool) {
	var earliest time.Time
	for _, r := range entities {
		at, has := r.NextTransition(now)
		if !has {
			continue
		}
		isActivation := now.Unix() < r.Start
		switch {
		case !ok || at.Before(earliest):
			earliest, activation, ok = at, isActivation, true
		case at.Equal(earliest) && isActivation:
			activation = true
		}
	}
	if !ok {
		return time.Time{}, false, false
	}
	return earliest.Add(slack), activation, true
}

// ResyncFunc performs an authoritative resync against the source of truth.
type ResyncFunc func(ctx context.Context) error

// SignalFunc tells the consumer to re-derive UI state from the cache.
type SignalFunc func()

// Timer is the realtime re-evaluation scheduler. Reschedule must be called
// whenever the observed entity set changes; a pending wake-up is cancelled
// and re-derived so removals and additions take effect immediately.
type Timer struct {
	log     *zap.SugaredLogger
	cfg     Config
	metrics *metrics.Metrics

	source func() []market.Reservation
	resync ResyncFunc
	signal SignalFunc

	// now is a seam for tests; defaults to time.Now.
	now func() time.Time

	mu      sync.Mutex
	pending *time.Timer
	stopped bool
}

// NewTimer creates a Timer. metrics may be nil.
func NewTimer(
	log *zap.SugaredLogger,
	cfg Config,
	source func() []market.Reservation,
	resync ResyncFunc,
	signal SignalFunc,
	m *metrics.Metrics,
) (*Timer, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, errors.New("invalid source: must not be nil")
	}
	if resync == nil {
		return nil, errors.New("invalid resync func: must not be nil")
	}
	if signal == nil {
		return nil, errors.New("invalid signal func: must not be nil")
	}
	return &Timer{
		log:     log,
		cfg:     cfg,
		metrics: m,
		source:  source,
		resync:  resync,
		signal:  signal,
		now:     time.Now,
	}, nil
}

// Reschedule cancels any pending wake-up and derives the next one from the
// current entity set. An empty set (or one with no future transitions)
// schedules nothing.
func (t *Timer) Reschedule(ctx context.Context) {
	now := t.now()
	wake, activation, ok := NextWake(t.source(), now, t.cfg.Slack)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	if t.stopped || !ok {
		return
	}

	d := wake.Sub(now)
	if d < 0 {
		d = 0
	}
	t.pending = time.AfterFunc(d, func() { t.fire(ctx, activation) })
	t.log.Debugw("scheduled realtime wakeup",
		"at", wake, "in", d, "activation", activation)
}

// fire handles one wake-up and re-derives the schedule from scratch.
func (t *Timer) fire(ctx context.Context, activation bool) {
	if activation {
		t.metrics.RecordRealtimeWakeup(TransitionActivation)
		// Activation is the moment a pending reservation must be validated
		// against current on-chain truth before the UI re-derives.
		if err := t.resync(ctx); err != nil {
			t.log.Warnw("activation resync failed; UI re-derivation proceeds on cached state",
				"error", err)
		}
	} else {
		t.metrics.RecordRealtimeWakeup(TransitionDeactivation)
	}
	t.signal()
	t.Reschedule(ctx)
}

// Run blocks, driving the fallback safety-net poll until ctx is done. It
// performs the initial Reschedule. Each poll tick signals re-derivation and
// re-derives the schedule; it exists only to catch drift, never as the
// primary mechanism.
func (t *Timer) Run(ctx context.Context) error {
	t.Reschedule(ctx)

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-ticker.C:
			t.metrics.RecordRealtimeWakeup(TransitionPoll)
			t.signal()
			t.Reschedule(ctx)
		}
	}
}

// Stop cancels any pending wake-up and prevents further scheduling.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}
