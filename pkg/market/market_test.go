package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{name: "ok: pending to confirmed", from: StatusPending, to: StatusConfirmed, want: true},
		{name: "ok: confirmed to used", from: StatusConfirmed, to: StatusUsed, want: true},
		{name: "ok: used to collected", from: StatusUsed, to: StatusCollected, want: true},
		{name: "ok: pending to cancelled", from: StatusPending, to: StatusCancelled, want: true},
		{name: "ok: confirmed to cancelled", from: StatusConfirmed, to: StatusCancelled, want: true},
		{name: "ok: duplicate event is idempotent", from: StatusConfirmed, to: StatusConfirmed, want: true},
		{name: "error: backwards", from: StatusConfirmed, to: StatusPending, want: false},
		{name: "error: cancelled is terminal", from: StatusCancelled, to: StatusConfirmed, want: false},
		{name: "error: cancelled cannot re-cancel away", from: StatusCancelled, to: StatusPending, want: false},
		{name: "error: used cannot be cancelled", from: StatusUsed, to: StatusCancelled, want: false},
		{name: "error: collected cannot be cancelled", from: StatusCollected, to: StatusCancelled, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestReservation_Window(t *testing.T) {
	t.Parallel()

	r := Reservation{Start: 1000, End: 2000}

	assert.Equal(t, WindowUpcoming, r.Window(time.Unix(999, 0)))
	assert.Equal(t, WindowActive, r.Window(time.Unix(1000, 0)))
	assert.Equal(t, WindowActive, r.Window(time.Unix(1999, 0)))
	assert.Equal(t, WindowEnded, r.Window(time.Unix(2000, 0)))
}

func TestReservation_NextTransition(t *testing.T) {
	t.Parallel()

	r := Reservation{Start: 1000, End: 2000}

	next, ok := r.NextTransition(time.Unix(500, 0))
	require.True(t, ok)
	assert.Equal(t, int64(1000), next.Unix())

	next, ok = r.NextTransition(time.Unix(1500, 0))
	require.True(t, ok)
	assert.Equal(t, int64(2000), next.Unix())

	_, ok = r.NextTransition(time.Unix(2500, 0))
	assert.False(t, ok)
}

func TestReservation_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Reservation{Start: 1, End: 2}.Validate())
	require.Error(t, Reservation{Start: 2, End: 2}.Validate())
	require.Error(t, Reservation{Start: 3, End: 2}.Validate())
}

func TestKind_Valid(t *testing.T) {
	t.Parallel()

	for _, k := range Kinds() {
		assert.True(t, k.Valid())
	}
	assert.False(t, Kind("wallet").Valid())
}
