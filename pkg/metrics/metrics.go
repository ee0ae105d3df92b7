// Package metrics defines the Prometheus instrumentation for the cache-sync
// core and the HTTP server that exposes it. All recording helpers are
// nil-receiver safe so library users may run without metrics.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "marketsync"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"
)

type Metrics struct {
	// Inbound event stream
	eventsReceived *prometheus.CounterVec
	eventsDeduped  *prometheus.CounterVec
	eventsRejected *prometheus.CounterVec
	eventsSkipped  *prometheus.CounterVec
	eventsHandled  *prometheus.CounterVec

	// Processing set
	processingSetSize prometheus.Gauge

	// Cache coordinator
	cacheRecords      *prometheus.GaugeVec
	refetches         *prometheus.CounterVec
	refetchDuration   prometheus.Histogram
	refetchesInFlight prometheus.Gauge
	granularFallbacks *prometheus.CounterVec
	manualUpdates     prometheus.Counter
	manualRollbacks   prometheus.Counter

	// Batch scheduler
	batchRefetches *prometheus.CounterVec
	batchSize      prometheus.Histogram

	// Realtime timer
	realtimeWakeups *prometheus.CounterVec

	// Notifications
	notifications *prometheus.CounterVec
}

// New creates a Metrics instance and registers everything with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_received_total",
			Help:      "Total marketplace events received, by event name",
		}, []string{"event"}),
		eventsDeduped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_deduplicated_total",
			Help:      "Total duplicate events suppressed within the dedup window, by event name",
		}, []string{"event"}),
		eventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_rejected_total",
			Help:      "Total malformed events rejected before handling, by event name",
		}, []string{"event"}),
		eventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_skipped_total",
			Help:      "Total events skipped because a manual update held the key's gate, by event name",
		}, []string{"event"}),
		eventsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_handled_total",
			Help:      "Total events handled, by event name and status",
		}, []string{"event", "status"}),
		processingSetSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "processing_set_size",
			Help:      "Number of reservation keys currently in flight",
		}),
		cacheRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "cache_records",
			Help:      "Number of cached records, by collection kind",
		}, []string{"kind"}),
		refetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "refetches_total",
			Help:      "Total authoritative refetches, by collection kind and status",
		}, []string{"kind", "status"}),
		refetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "refetch_duration_seconds",
			Help:      "Authoritative refetch duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		refetchesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "refetches_in_flight",
			Help:      "Number of authoritative refetches currently in progress",
		}),
		granularFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "granular_fallbacks_total",
			Help:      "Total falls back from a granular update to a full invalidation, by collection kind",
		}, []string{"kind"}),
		manualUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "manual_updates_total",
			Help:      "Total optimistic manual updates begun",
		}),
		manualRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "manual_rollbacks_total",
			Help:      "Total optimistic manual updates rolled back to their pre-mutation snapshot",
		}),
		batchRefetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "batch_refetches_total",
			Help:      "Total coalesced batch refetches drained, by collection kind and status",
		}, []string{"kind", "status"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "batch_size",
			Help:      "Number of keys covered by a single coalesced batch refetch",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
		realtimeWakeups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "realtime_wakeups_total",
			Help:      "Total realtime timer wakeups, by transition kind (activation/deactivation/poll)",
		}, []string{"transition"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "notifications_total",
			Help:      "Total user-facing notifications emitted, by severity",
		}, []string{"severity"}),
	}

	err := errors.Join(
		reg.Register(m.eventsReceived),
		reg.Register(m.eventsDeduped),
		reg.Register(m.eventsRejected),
		reg.Register(m.eventsSkipped),
		reg.Register(m.eventsHandled),
		reg.Register(m.processingSetSize),
		reg.Register(m.cacheRecords),
		reg.Register(m.refetches),
		reg.Register(m.refetchDuration),
		reg.Register(m.refetchesInFlight),
		reg.Register(m.granularFallbacks),
		reg.Register(m.manualUpdates),
		reg.Register(m.manualRollbacks),
		reg.Register(m.batchRefetches),
		reg.Register(m.batchSize),
		reg.Register(m.realtimeWakeups),
		reg.Register(m.notifications),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordEventReceived increments the received counter for an event name.
func (m *Metrics) RecordEventReceived(event string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(event).Inc()
}

// RecordEventDeduplicated increments the dedup-suppressed counter.
func (m *Metrics) RecordEventDeduplicated(event string) {
	if m == nil {
		return
	}
	m.eventsDeduped.WithLabelValues(event).Inc()
}

// RecordEventRejected increments the malformed-event counter.
func (m *Metrics) RecordEventRejected(event string) {
	if m == nil {
		return
	}
	m.eventsRejected.WithLabelValues(event).Inc()
}

// RecordEventSkipped increments the gate-skip counter.
func (m *Metrics) RecordEventSkipped(event string) {
	if m == nil {
		return
	}
	m.eventsSkipped.WithLabelValues(event).Inc()
}

// RecordEventHandled records a handler outcome. Pass nil error for success.
func (m *Metrics) RecordEventHandled(event string, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.eventsHandled.WithLabelValues(event, status).Inc()
}

// SetProcessingSetSize updates the in-flight reservation gauge.
func (m *Metrics) SetProcessingSetSize(n int) {
	if m == nil {
		return
	}
	m.processingSetSize.Set(float64(n))
}

// SetCacheRecords updates the per-kind cached record gauge.
func (m *Metrics) SetCacheRecords(kind string, n int) {
	if m == nil {
		return
	}
	m.cacheRecords.WithLabelValues(kind).Set(float64(n))
}

// RecordRefetch records an authoritative refetch outcome with duration.
// Pass nil error for successful refetches, non-nil for failures.
func (m *Metrics) RecordRefetch(kind string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.refetches.WithLabelValues(kind, status).Inc()
	m.refetchDuration.Observe(durationSeconds)
}

// IncRefetchInFlight increments the in-flight refetch gauge.
func (m *Metrics) IncRefetchInFlight() {
	if m == nil {
		return
	}
	m.refetchesInFlight.Inc()
}

// DecRefetchInFlight decrements the in-flight refetch gauge.
func (m *Metrics) DecRefetchInFlight() {
	if m == nil {
		return
	}
	m.refetchesInFlight.Dec()
}

// RecordGranularFallback counts a deliberate fall back to full invalidation.
func (m *Metrics) RecordGranularFallback(kind string) {
	if m == nil {
		return
	}
	m.granularFallbacks.WithLabelValues(kind).Inc()
}

// RecordManualUpdate counts an optimistic manual update beginning.
func (m *Metrics) RecordManualUpdate() {
	if m == nil {
		return
	}
	m.manualUpdates.Inc()
}

// RecordManualRollback counts an optimistic write rolled back.
func (m *Metrics) RecordManualRollback() {
	if m == nil {
		return
	}
	m.manualRollbacks.Inc()
}

// RecordBatchRefetch records a drained batch with its size.
// Pass nil error for successful drains, non-nil for failures.
func (m *Metrics) RecordBatchRefetch(kind string, err error, size int) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.batchRefetches.WithLabelValues(kind, status).Inc()
	m.batchSize.Observe(float64(size))
}

// RecordRealtimeWakeup counts a realtime timer firing by transition kind.
func (m *Metrics) RecordRealtimeWakeup(transition string) {
	if m == nil {
		return
	}
	m.realtimeWakeups.WithLabelValues(transition).Inc()
}

// RecordNotification counts an emitted user-facing notification.
func (m *Metrics) RecordNotification(severity string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(severity).Inc()
}
