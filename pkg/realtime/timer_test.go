package realtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ava-labs/libevm/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DecentraLabsCom/marketplace-sync/pkg/market"
)

func reservationAt(key byte, start, end int64) market.Reservation {
	return market.Reservation{
		Key:    common.Hash{key},
		LabID:  1,
		Start:  start,
		End:    end,
		Status: market.StatusConfirmed,
	}
}

func TestNextWake(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_000, 0)
	slack := time.Second

	tests := []struct {
		name           string
		entities       []market.Reservation
		wantWake       time.Time
		wantActivation bool
		wantOK         bool
	}{
		{
			name:   "no entities schedules nothing",
			wantOK: false,
		},
		{
			name: "ended windows schedule nothing",
			entities: []market.Reservation{
				reservationAt(1, 100, 200),
				reservationAt(2, 300, 900),
			},
			wantOK: false,
		},
		{
			name: "upcoming window wakes at start plus slack",
			entities: []market.Reservation{
				reservationAt(1, 1_500, 2_000),
			},
			wantWake:       time.Unix(1_500, 0).Add(slack),
			wantActivation: true,
			wantOK:         true,
		},
		{
			name: "active window wakes at end plus slack",
			entities: []market.Reservation{
				reservationAt(1, 500, 1_800),
			},
			wantWake:       time.Unix(1_800, 0).Add(slack),
			wantActivation: false,
			wantOK:         true,
		},
		{
			name: "earliest transition across entities wins",
			entities: []market.Reservation{
				reservationAt(1, 2_000, 3_000),
				reservationAt(2, 500, 1_200),
				reservationAt(3, 100, 200),
			},
			wantWake:       time.Unix(1_200, 0).Add(slack),
			wantActivation: false,
			wantOK:         true,
		},
		{
			name: "activation wins a tie with deactivation",
			entities: []market.Reservation{
				reservationAt(1, 500, 1_200),
				reservationAt(2, 1_200, 2_000),
			},
			wantWake:       time.Unix(1_200, 0).Add(slack),
			wantActivation: true,
			wantOK:         true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			wake, activation, ok := NextWake(tt.entities, now, slack)
			require.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			assert.Equal(t, tt.wantWake, wake)
			assert.Equal(t, tt.wantActivation, activation)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())
	require.Error(t, Config{Slack: 0, PollInterval: time.Minute}.Validate())
	require.Error(t, Config{Slack: time.Second, PollInterval: 0}.Validate())
}

type timerHarness struct {
	entities atomic.Pointer[[]market.Reservation]
	resyncs  atomic.Int64
	signals  atomic.Int64

	resyncErr error
}

func (h *timerHarness) setEntities(entities []market.Reservation) {
	h.entities.Store(&entities)
}

func (h *timerHarness) source() []market.Reservation {
	if p := h.entities.Load(); p != nil {
		return *p
	}
	return nil
}

func (h *timerHarness) resync(context.Context) error {
	h.resyncs.Add(1)
	return h.resyncErr
}

func (h *timerHarness) signal() {
	h.signals.Add(1)
}

func newTestTimer(t *testing.T, h *timerHarness, cfg Config) *Timer {
	t.Helper()
	tm, err := NewTimer(zap.NewNop().Sugar(), cfg, h.source, h.resync, h.signal, nil)
	require.NoError(t, err)
	t.Cleanup(tm.Stop)
	return tm
}

func TestNewTimerValidation(t *testing.T) {
	t.Parallel()

	h := &timerHarness{}
	log := zap.NewNop().Sugar()
	cfg := DefaultConfig()

	_, err := NewTimer(nil, cfg, h.source, h.resync, h.signal, nil)
	require.ErrorContains(t, err, "invalid logger")

	_, err = NewTimer(log, Config{}, h.source, h.resync, h.signal, nil)
	require.ErrorContains(t, err, "invalid slack")

	_, err = NewTimer(log, cfg, nil, h.resync, h.signal, nil)
	require.ErrorContains(t, err, "invalid source")

	_, err = NewTimer(log, cfg, h.source, nil, h.signal, nil)
	require.ErrorContains(t, err, "invalid resync func")

	_, err = NewTimer(log, cfg, h.source, h.resync, nil, nil)
	require.ErrorContains(t, err, "invalid signal func")
}

func TestTimerActivationResyncsBeforeSignal(t *testing.T) {
	t.Parallel()

	h := &timerHarness{}
	now := time.Now()
	h.setEntities([]market.Reservation{
		reservationAt(1, now.Unix()+1, now.Unix()+3_600),
	})

	cfg := Config{Slack: 10 * time.Millisecond, PollInterval: time.Hour}
	tm := newTestTimer(t, h, cfg)
	tm.Reschedule(context.Background())

	require.Eventually(t, func() bool {
		return h.signals.Load() >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.resyncs.Load())
}

func TestTimerDeactivationSignalsOnly(t *testing.T) {
	t.Parallel()

	h := &timerHarness{}
	now := time.Now()
	// Active window ending almost immediately.
	h.setEntities([]market.Reservation{
		reservationAt(1, now.Unix()-100, now.Unix()+1),
	})

	cfg := Config{Slack: 10 * time.Millisecond, PollInterval: time.Hour}
	tm := newTestTimer(t, h, cfg)
	tm.Reschedule(context.Background())

	require.Eventually(t, func() bool {
		return h.signals.Load() >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.resyncs.Load())
}

func TestTimerResyncFailureStillSignals(t *testing.T) {
	t.Parallel()

	h := &timerHarness{resyncErr: errors.New("rpc down")}
	now := time.Now()
	h.setEntities([]market.Reservation{
		reservationAt(1, now.Unix()+1, now.Unix()+3_600),
	})

	cfg := Config{Slack: 10 * time.Millisecond, PollInterval: time.Hour}
	tm := newTestTimer(t, h, cfg)
	tm.Reschedule(context.Background())

	require.Eventually(t, func() bool {
		return h.signals.Load() >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.resyncs.Load())
}

func TestTimerRescheduleCancelsPendingWake(t *testing.T) {
	t.Parallel()

	h := &timerHarness{}
	now := time.Now()
	h.setEntities([]market.Reservation{
		reservationAt(1, now.Unix()+1, now.Unix()+3_600),
	})

	cfg := Config{Slack: 10 * time.Millisecond, PollInterval: time.Hour}
	tm := newTestTimer(t, h, cfg)
	tm.Reschedule(context.Background())

	// The entity set shrinks to empty before the wake fires: the pending
	// wake must be cancelled, not delivered.
	h.setEntities(nil)
	tm.Reschedule(context.Background())

	time.Sleep(1500 * time.Millisecond)
	assert.Zero(t, h.signals.Load())
	assert.Zero(t, h.resyncs.Load())
}

func TestTimerStopPreventsFurtherWakes(t *testing.T) {
	t.Parallel()

	h := &timerHarness{}
	now := time.Now()
	h.setEntities([]market.Reservation{
		reservationAt(1, now.Unix()+1, now.Unix()+3_600),
	})

	cfg := Config{Slack: 10 * time.Millisecond, PollInterval: time.Hour}
	tm := newTestTimer(t, h, cfg)
	tm.Reschedule(context.Background())
	tm.Stop()
	tm.Reschedule(context.Background())

	time.Sleep(1500 * time.Millisecond)
	assert.Zero(t, h.signals.Load())
}

func TestTimerFallbackPollSignals(t *testing.T) {
	t.Parallel()

	h := &timerHarness{}
	cfg := Config{Slack: time.Second, PollInterval: 20 * time.Millisecond}
	tm := newTestTimer(t, h, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tm.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.signals.Load() >= 2
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
