// Package reconcile wires the event pipeline together: incoming marketplace
// events are deduplicated, checked against the manual-update gate, applied to
// the cache through granular primitives, and folded into debounced batch
// refetches. It is the single place where an event's name decides what
// happens to cached state.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/DecentraLabsCom/marketplace-sync/pkg/batch"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/cache"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/events"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/market"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/metrics"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/notify"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/processing"
)

// Reconciler applies decoded marketplace events to the cache.
type Reconciler struct {
	log        *zap.SugaredLogger
	dedup      *events.Deduplicator
	processing *processing.Set
	cache      *cache.Coordinator
	batch      *batch.Scheduler
	delays     batch.DelayPolicy
	notifier   *notify.Notifier
	metrics    *metrics.Metrics
}

// NewReconciler creates a Reconciler. notifier and metrics may be nil.
func NewReconciler(
	log *zap.SugaredLogger,
	dedup *events.Deduplicator,
	set *processing.Set,
	coord *cache.Coordinator,
	sched *batch.Scheduler,
	delays batch.DelayPolicy,
	notifier *notify.Notifier,
	m *metrics.Metrics,
) (*Reconciler, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if dedup == nil {
		return nil, errors.New("invalid deduplicator: must not be nil")
	}
	if set == nil {
		return nil, errors.New("invalid processing set: must not be nil")
	}
	if coord == nil {
		return nil, errors.New("invalid cache coordinator: must not be nil")
	}
	if sched == nil {
		return nil, errors.New("invalid batch scheduler: must not be nil")
	}
	if err := delays.Validate(); err != nil {
		return nil, err
	}
	return &Reconciler{
		log:        log,
		dedup:      dedup,
		processing: set,
		cache:      coord,
		batch:      sched,
		delays:     delays,
		notifier:   notifier,
		metrics:    m,
	}, nil
}

// Processing returns the in-flight reservation tracker.
func (r *Reconciler) Processing() *processing.Set {
	return r.processing
}

// Handle runs one event through the full pipeline: validation, arrival
// deduplication, the manual-update gate, and the per-event cache mutation.
// A duplicate or gated event returns nil; it was deliberately not processed.
func (r *Reconciler) Handle(ctx context.Context, e events.Event) error {
	r.metrics.RecordEventReceived(e.Name)

	if err := e.Validate(); err != nil {
		r.metrics.RecordEventRejected(e.Name)
		r.log.Warnw("rejecting event", "event", e.Name, "error", err)
		return err
	}
	if !r.dedup.ShouldProcess(e.DedupID(), e.Arrival) {
		r.metrics.RecordEventDeduplicated(e.Name)
		return nil
	}

	kind, _ := e.Kind()
	key, _ := e.CacheKey()

	// A held gate means the user is mid manual-update for exactly this
	// entity; the automatic path yields and the manual flow's commit or
	// rollback decides the final state.
	if r.cache.Gate().Held(kind, key) {
		r.metrics.RecordEventSkipped(e.Name)
		r.log.Debugw("manual update in progress, skipping automatic handling",
			"event", e.Name, "kind", kind, "key", key)
		return nil
	}

	err := r.dispatch(ctx, e, kind, key)
	r.metrics.RecordEventHandled(e.Name, err)
	return err
}

// Handler adapts the reconciler for bus subscription.
func (r *Reconciler) Handler(ctx context.Context) events.Handler {
	return func(e events.Event) error {
		return r.Handle(ctx, e)
	}
}

func (r *Reconciler) dispatch(ctx context.Context, e events.Event, kind market.Kind, key string) error {
	switch e.Name {
	case events.ReservationRequested:
		return r.handleRequested(ctx, e, key)
	case events.ReservationConfirmed:
		return r.handleConfirmed(ctx, e, key)
	case events.ReservationRequestDenied:
		return r.handleDenied(ctx, e, key)
	case events.ReservationRequestCanceled, events.BookingCanceled:
		return r.handleCanceled(ctx, e, key)
	case events.LabAdded, events.LabUpdated, events.ProviderAdded, events.ProviderUpdated:
		return r.handleUpsert(ctx, kind, key)
	case events.LabDeleted, events.ProviderRemoved:
		return r.cache.RemoveRecord(kind, key)
	}
	return fmt.Errorf("%w: %q", market.ErrUnknownKind, e.Name)
}

// handleRequested records the reservation as in-flight and seeds the cache
// with a pending record so the UI reflects the request immediately.
func (r *Reconciler) handleRequested(ctx context.Context, e events.Event, key string) error {
	r.processing.Add(e.Key)
	r.metrics.SetProcessingSetSize(r.processing.Size())

	return r.cache.GranularOrInvalidate(ctx, market.KindBooking, key, func() error {
		return r.upsertReservation(e, market.StatusPending, key)
	})
}

// handleConfirmed settles a request as booked. The event may arrive before
// ReservationRequested was observed; in that case the record is created
// directly from the event fields rather than dropped.
func (r *Reconciler) handleConfirmed(ctx context.Context, e events.Event, key string) error {
	r.removeFromProcessing(e.Key)

	err := r.cache.GranularOrInvalidate(ctx, market.KindBooking, key, func() error {
		return r.upsertReservation(e, market.StatusConfirmed, key)
	})
	if err != nil {
		return err
	}

	// Settle on the authoritative record shortly after, coalescing with any
	// sibling confirmations that land in the same burst.
	r.batch.EnqueueAndSchedule(market.KindBooking, r.delays.Confirm, key)
	r.notify(ctx, notify.SeveritySuccess, e, key, "reservation confirmed")
	return nil
}

// handleDenied settles a request as rejected: the optimistic record is
// removed rather than kept in a dead state.
func (r *Reconciler) handleDenied(ctx context.Context, e events.Event, key string) error {
	r.removeFromProcessing(e.Key)

	err := r.cache.GranularOrInvalidate(ctx, market.KindBooking, key, func() error {
		return r.cache.RemoveRecord(market.KindBooking, key)
	})
	if err != nil {
		return err
	}

	r.batch.EnqueueAndSchedule(market.KindBooking, r.delays.Deny, key)
	r.notify(ctx, notify.SeverityError, e, key, "reservation request denied")
	return nil
}

// handleCanceled marks the reservation cancelled. The record is kept so the
// UI can show the terminal state; the full refetch settles whether the chain
// still reports it.
func (r *Reconciler) handleCanceled(ctx context.Context, e events.Event, key string) error {
	r.removeFromProcessing(e.Key)

	err := r.cache.GranularOrInvalidate(ctx, market.KindBooking, key, func() error {
		return r.upsertReservation(e, market.StatusCancelled, key)
	})
	if err != nil {
		return err
	}

	r.batch.EnqueueAndSchedule(market.KindBooking, r.delays.Confirm, key)
	r.notify(ctx, notify.SeveritySuccess, e, key, "reservation cancelled")
	return nil
}

// handleUpsert re-fetches the affected lab or provider; the event only
// carries identity, never the full record.
func (r *Reconciler) handleUpsert(ctx context.Context, kind market.Kind, key string) error {
	return r.cache.GranularOrInvalidate(ctx, kind, key, func() error {
		return r.cache.MarkStaleAndRefetch(ctx, kind, key)
	})
}

// upsertReservation moves the cached reservation to status, creating the
// record from the event when none is cached. Regressive transitions on an
// existing record are ignored: a late ReservationRequested replay must not
// un-confirm a booking.
func (r *Reconciler) upsertReservation(e events.Event, status market.Status, key string) error {
	prev, ok := r.cache.Get(market.KindBooking, key)
	if !ok {
		return r.cache.SetRecord(market.KindBooking, key, market.Reservation{
			Key:    e.Key,
			LabID:  e.LabID,
			Renter: e.Account,
			Start:  e.Start,
			End:    e.End,
			Status: status,
		})
	}

	res, ok := prev.(market.Reservation)
	if !ok {
		return fmt.Errorf("cached booking %s is not a reservation: %T", key, prev)
	}
	if res.Status != status && !market.CanTransition(res.Status, status) {
		r.log.Debugw("ignoring regressive status transition",
			"key", key, "from", res.Status, "to", status)
		return nil
	}
	res.Status = status
	res.Optimistic = false
	return r.cache.SetRecord(market.KindBooking, key, res)
}

func (r *Reconciler) removeFromProcessing(key market.ReservationKey) {
	// Settlement can outrun the request event; an absent key is normal.
	r.processing.Remove(key)
	r.metrics.SetProcessingSetSize(r.processing.Size())
}

func (r *Reconciler) notify(ctx context.Context, severity string, e events.Event, key, msg string) {
	if r.notifier == nil {
		return
	}
	r.notifier.Notify(ctx, notify.Notification{
		Severity: severity,
		Event:    e.Name,
		Kind:     market.KindBooking,
		Key:      key,
		Message:  msg,
	})
}
