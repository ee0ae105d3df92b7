// Package cursor persists the last chain block the poller has scanned, so a
// restart resumes log scanning where it left off instead of replaying or
// skipping history.
package cursor

import (
	"context"
	"fmt"
	"time"
)

// Store abstracts cursor persistence across data stores.
type Store interface {
	// Initialize ensures the underlying storage is ready (creates tables,
	// schemas, etc.). Idempotent.
	Initialize(ctx context.Context) error

	// Write atomically persists the cursor for a chain, stamped with the
	// current Unix timestamp in seconds.
	Write(ctx context.Context, chainID uint64, lastScanned uint64) error

	// Read retrieves the latest cursor for a chain. If no cursor exists,
	// exists is false and lastScanned is 0.
	Read(ctx context.Context, chainID uint64) (lastScanned uint64, exists bool, err error)
}

// Config holds the configuration for the persist loop.
type Config struct {
	Interval     time.Duration // Interval between cursor writes
	WriteTimeout time.Duration // Timeout for each write operation
	MaxRetries   int           // Maximum retry attempts for failed writes
	RetryBackoff time.Duration // Backoff between retry attempts
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		WriteTimeout: 1 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 300 * time.Millisecond,
	}
}

// Run periodically persists the cursor reported by position.
//
// Returns nil on context cancellation (graceful shutdown), or an error if a
// write fails after all retries.
func Run(
	ctx context.Context,
	store Store,
	cfg Config,
	chainID uint64,
	position func() uint64,
) error {
	t := time.NewTicker(cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			// Best-effort final write so restarts resume close to where the
			// poller stopped. ctx is already canceled, hence the fresh one.
			writeCtx, cancel := context.WithTimeout(context.Background(), cfg.WriteTimeout)
			_ = store.Write(writeCtx, chainID, position())
			cancel()
			return nil

		case <-t.C:
			pos := position()

			var lastErr error
			for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
				if ctx.Err() != nil {
					return nil
				}

				writeCtx, cancel := context.WithTimeout(ctx, cfg.WriteTimeout)
				lastErr = store.Write(writeCtx, chainID, pos)
				cancel()
				if lastErr == nil {
					break
				}
				if ctx.Err() != nil {
					return nil
				}

				if attempt < cfg.MaxRetries {
					select {
					case <-time.After(cfg.RetryBackoff):
					case <-ctx.Done():
						return nil
					}
				}
			}

			if lastErr != nil {
				return fmt.Errorf("failed to write cursor (position: %d) after %d retries: %w",
					pos, cfg.MaxRetries+1, lastErr)
			}
		}
	}
}
