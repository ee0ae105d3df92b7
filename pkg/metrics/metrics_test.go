package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAll(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	require.NotNil(t, m)

	// Double registration must fail.
	_, err = New(reg)
	require.Error(t, err)
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.RecordEventReceived("ReservationConfirmed")
	m.RecordEventDeduplicated("ReservationConfirmed")
	m.RecordEventRejected("ReservationConfirmed")
	m.RecordEventSkipped("ReservationConfirmed")
	m.RecordEventHandled("ReservationConfirmed", nil)
	m.SetProcessingSetSize(1)
	m.SetCacheRecords("booking", 1)
	m.RecordRefetch("booking", nil, 0.1)
	m.IncRefetchInFlight()
	m.DecRefetchInFlight()
	m.RecordGranularFallback("lab")
	m.RecordManualUpdate()
	m.RecordManualRollback()
	m.RecordBatchRefetch("booking", nil, 5)
	m.RecordRealtimeWakeup("activation")
	m.RecordNotification("success")
}

func TestMetrics_StatusLabels(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.RecordEventHandled("ReservationConfirmed", nil)
	m.RecordEventHandled("ReservationConfirmed", errors.New("boom"))
	m.RecordRefetch("booking", nil, 0.01)
	m.RecordBatchRefetch("booking", nil, 5)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.eventsHandled.WithLabelValues("ReservationConfirmed", StatusSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.eventsHandled.WithLabelValues("ReservationConfirmed", StatusError)))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.refetches.WithLabelValues("booking", StatusSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.batchRefetches.WithLabelValues("booking", StatusSuccess)))
}
