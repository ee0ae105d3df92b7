// Package notify delivers transaction-outcome notifications to the user
// surface. The reconciler emits one notification per settled user action
// (confirmation, denial, cancellation); sinks carry them to whatever
// frontends are attached.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DecentraLabsCom/marketplace-sync/pkg/market"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/metrics"
)

// Severity of a notification.
const (
	SeveritySuccess = "success"
	SeverityError   = "error"
)

// Notification is one user-facing outcome message.
type Notification struct {
	Severity string      `json:"severity"`
	Event    string      `json:"event"`
	Kind     market.Kind `json:"kind"`
	Key      string      `json:"key"`
	Message  string      `json:"message"`
	At       time.Time   `json:"at"`
}

// Sink carries notifications to a destination.
//
// Close MUST be called exactly once. Implementations may block while
// flushing in-flight notifications.
type Sink interface {
	Publish(ctx context.Context, n Notification) error
	Close(ctx context.Context)
}

// Notifier fans a notification out to all configured sinks. A failing sink
// is logged and does not block the others.
type Notifier struct {
	log     *zap.SugaredLogger
	sinks   []Sink
	metrics *metrics.Metrics
}

// NewNotifier creates a Notifier. metrics may be nil; at least one sink is
// required.
func NewNotifier(log *zap.SugaredLogger, m *metrics.Metrics, sinks ...Sink) (*Notifier, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if len(sinks) == 0 {
		return nil, errors.New("invalid sinks: at least one required")
	}
	return &Notifier{log: log, sinks: sinks, metrics: m}, nil
}

// Notify stamps and delivers n to every sink.
func (nf *Notifier) Notify(ctx context.Context, n Notification) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	nf.metrics.RecordNotification(n.Severity)
	for _, s := range nf.sinks {
		if err := s.Publish(ctx, n); err != nil {
			nf.log.Warnw("notification sink failed",
				"severity", n.Severity, "event", n.Event, "key", n.Key, "error", err)
		}
	}
}

// Close closes all sinks.
func (nf *Notifier) Close(ctx context.Context) {
	for _, s := range nf.sinks {
		s.Close(ctx)
	}
}

// LogSink writes notifications to the structured log. It is the default sink
// when no broker is configured.
type LogSink struct {
	log *zap.SugaredLogger
}

// NewLogSink creates a LogSink.
func NewLogSink(log *zap.SugaredLogger) (*LogSink, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	return &LogSink{log: log}, nil
}

func (s *LogSink) Publish(_ context.Context, n Notification) error {
	if n.Severity == SeverityError {
		s.log.Warnw("notification", "event", n.Event, "kind", n.Kind, "key", n.Key, "message", n.Message)
	} else {
		s.log.Infow("notification", "event", n.Event, "kind", n.Kind, "key", n.Key, "message", n.Message)
	}
	return nil
}

func (s *LogSink) Close(context.Context) {}

var _ Sink = (*LogSink)(nil)
