package events

import (
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

// DefaultDedupWindow is the wall-clock arrival window within which two
// deliveries of the same logical event are treated as one.
const DefaultDedupWindow = 2 * time.Second

// Deduplicator suppresses re-processing of the same logical event delivered
// more than once within a short window. It is a purely advisory gate: it
// mutates nothing but its own map. Safe for concurrent use.
type Deduplicator struct {
	log  *zap.SugaredLogger
	seen *ttlcache.Cache[string, time.Time]
}

// NewDeduplicator creates a Deduplicator with the given window.
func NewDeduplicator(log *zap.SugaredLogger, window time.Duration) (*Deduplicator, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if window <= 0 {
		return nil, errors.New("invalid dedup window: must be greater than 0")
	}
	return &Deduplicator{
		log: log,
		seen: ttlcache.New(
			ttlcache.WithTTL[string, time.Time](window),
			// A hit must not extend the window; only the first arrival counts.
			ttlcache.WithDisableTouchOnHit[string, time.Time](),
		),
	}, nil
}

// Start begins background eviction of expired entries. Without it entries are
// still lazily expired on lookup; Start only bounds memory.
func (d *Deduplicator) Start() {
	go d.seen.Start()
}

// Stop halts background eviction.
func (d *Deduplicator) Stop() {
	d.seen.Stop()
}

// ShouldProcess reports whether the event identified by id should be handled.
// The first arrival within the window is processed and recorded; later
// arrivals are skipped until the window elapses.
func (d *Deduplicator) ShouldProcess(id string, arrival time.Time) bool {
	if item := d.seen.Get(id); item != nil {
		d.log.Debugw("skipping duplicate event",
			"id", id,
			"firstArrival", item.Value(),
			"arrival", arrival,
		)
		return false
	}
	d.seen.Set(id, arrival, ttlcache.DefaultTTL)
	return true
}
