package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	ethereum "github.com/ava-labs/libevm"
	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/core/types"
	"go.uber.org/zap"

	"github.com/DecentraLabsCom/marketplace-sync/pkg/events"
)

// maxPollRange bounds one FilterLogs scan so a long outage cannot produce an
// unbounded query against the node.
const maxPollRange = 1000

// LogClient is the subset of the eth client the subscriber needs. Satisfied
// by *ethclient.Client.
type LogClient interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Subscriber watches the marketplace contract for event logs and hands the
// decoded events to a sink.
type Subscriber struct {
	log      *zap.SugaredLogger
	client   LogClient
	contract common.Address
	sink     func(events.Event)

	// Highest block observed or scanned, persisted as the resume cursor.
	position atomic.Uint64
}

// Position returns the highest block the subscriber has observed or scanned.
func (s *Subscriber) Position() uint64 {
	return s.position.Load()
}

func (s *Subscriber) advance(block uint64) {
	for {
		cur := s.position.Load()
		if block <= cur || s.position.CompareAndSwap(cur, block) {
			return
		}
	}
}

// NewSubscriber creates a Subscriber delivering decoded events to sink.
func NewSubscriber(
	log *zap.SugaredLogger,
	client LogClient,
	contract common.Address,
	sink func(events.Event),
) (*Subscriber, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if client == nil {
		return nil, errors.New("invalid log client: must not be nil")
	}
	if contract == (common.Address{}) {
		return nil, errors.New("invalid contract address: must not be zero")
	}
	if sink == nil {
		return nil, errors.New("invalid sink: must not be nil")
	}
	return &Subscriber{log: log, client: client, contract: contract, sink: sink}, nil
}

func (s *Subscriber) query() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{s.contract},
		Topics:    [][]common.Hash{Topics()},
	}
}

// Subscribe is a BLOCKING function. It streams contract logs over a realtime
// subscription and delivers decoded events to the sink. It returns when the
// subscription cannot be established, ctx is done, or the subscription
// errors; the caller decides whether to fall back to Poll.
func (s *Subscriber) Subscribe(ctx context.Context, capacity int) error {
	ch := make(chan types.Log, capacity)
	sub, err := s.client.SubscribeFilterLogs(ctx, s.query(), ch)
	if err != nil {
		return fmt.Errorf("subscribe filter logs: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return ctx.Err()
		case l := <-ch:
			s.deliver(l)
		case err := <-sub.Err():
			return fmt.Errorf("subscribe filter logs: %w", err)
		}
	}
}

// Poll is a BLOCKING function. It scans for contract logs on interval,
// starting after fromBlock. It is the fallback for HTTP-only endpoints that
// cannot hold a streaming subscription. Scan failures are logged and retried
// on the next tick; the cursor only advances past blocks actually scanned.
func (s *Subscriber) Poll(ctx context.Context, fromBlock uint64, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := fromBlock
	s.advance(fromBlock)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			scanned, err := s.scan(ctx, last)
			if err != nil {
				s.log.Warnw("log scan failed, retrying next tick", "fromBlock", last+1, "error", err)
				continue
			}
			last = scanned
			s.advance(scanned)
		}
	}
}

// scan filters logs in (last, head], capped at maxPollRange blocks, and
// returns the new cursor position.
func (s *Subscriber) scan(ctx context.Context, last uint64) (uint64, error) {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return last, fmt.Errorf("get head block: %w", err)
	}
	if head <= last {
		return last, nil
	}

	to := last + maxPollRange
	if to > head {
		to = head
	}

	q := s.query()
	q.FromBlock = new(big.Int).SetUint64(last + 1)
	q.ToBlock = new(big.Int).SetUint64(to)

	logs, err := s.client.FilterLogs(ctx, q)
	if err != nil {
		return last, fmt.Errorf("filter logs [%d, %d]: %w", last+1, to, err)
	}
	for _, l := range logs {
		s.deliver(l)
	}
	return to, nil
}

func (s *Subscriber) deliver(l types.Log) {
	if l.Removed {
		// Reorged-out log; the authoritative refetch path settles the truth.
		s.log.Debugw("skipping removed log", "block", l.BlockNumber, "tx", l.TxHash)
		return
	}
	s.advance(l.BlockNumber)
	e, err := DecodeLog(l, time.Now())
	if errors.Is(err, ErrUnknownLog) {
		s.log.Debugw("skipping unknown log", "block", l.BlockNumber, "topic", l.Topics)
		return
	}
	if err != nil {
		s.log.Warnw("failed to decode log", "block", l.BlockNumber, "error", err)
		return
	}
	s.sink(e)
}
