package cursor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Initialize(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockStore) Write(ctx context.Context, chainID uint64, lastScanned uint64) error {
	return m.Called(ctx, chainID, lastScanned).Error(0)
}

func (m *mockStore) Read(ctx context.Context, chainID uint64) (uint64, bool, error) {
	args := m.Called(ctx, chainID)
	return args.Get(0).(uint64), args.Bool(1), args.Error(2)
}

func TestRun_WritesAndCancels(t *testing.T) {
	t.Parallel()
	store := &mockStore{}

	called := make(chan struct{}, 1)
	store.
		On("Write", mock.Anything, uint64(1), uint64(1_234)).
		Run(func(_ mock.Arguments) {
			select {
			case called <- struct{}{}:
			default:
			}
		}).
		Return(nil).
		Twice() // once for the periodic write, once for graceful shutdown

	cfg := Config{
		Interval:     10 * time.Millisecond,
		WriteTimeout: 1 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 300 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, store, cfg, 1, func() uint64 { return 1_234 })
	}()

	select {
	case <-called:
		cancel()
	case <-time.After(2 * time.Second):
		require.Fail(t, "timeout waiting for cursor write")
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		require.Fail(t, "timeout waiting for loop to exit")
	}
	store.AssertExpectations(t)
}

func TestRun_ErrorPropagatesAfterRetries(t *testing.T) {
	t.Parallel()
	store := &mockStore{}
	writeErr := errors.New("write failed")
	store.
		On("Write", mock.Anything, uint64(1), uint64(7)).
		Return(writeErr).
		Times(4) // initial try + 3 retries

	cfg := Config{
		Interval:     5 * time.Millisecond,
		WriteTimeout: 1 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := Run(ctx, store, cfg, 1, func() uint64 { return 7 })
	require.ErrorIs(t, err, writeErr)
}

func TestRun_ImmediateCancelWritesFinalCursor(t *testing.T) {
	t.Parallel()
	store := &mockStore{}
	store.
		On("Write", mock.Anything, uint64(1), uint64(0)).
		Return(nil).
		Once()

	cfg := DefaultConfig()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Run(ctx, store, cfg, 1, func() uint64 { return 0 })
	require.NoError(t, err)
	store.AssertExpectations(t)
}
