// Package chain turns raw marketplace contract logs into decoded events and
// feeds them to the reconciler, either over a websocket log subscription or a
// polling filter when the endpoint cannot stream.
package chain

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/core/types"
	"github.com/ava-labs/libevm/crypto"

	"github.com/DecentraLabsCom/marketplace-sync/pkg/events"
)

// ErrUnknownLog is returned for logs whose topic0 is not a marketplace event.
var ErrUnknownLog = errors.New("log does not match a marketplace event")

// eventSignatures maps each marketplace event name to its solidity signature.
// Indexed arguments land in topics, the rest in the data words.
var eventSignatures = map[string]string{
	events.ReservationRequested:       "ReservationRequested(bytes32,address,uint256,uint256,uint256)",
	events.ReservationConfirmed:       "ReservationConfirmed(bytes32)",
	events.ReservationRequestDenied:   "ReservationRequestDenied(bytes32)",
	events.ReservationRequestCanceled: "ReservationRequestCanceled(bytes32)",
	events.BookingCanceled:            "BookingCanceled(bytes32)",

	events.LabAdded:   "LabAdded(uint256,address)",
	events.LabUpdated: "LabUpdated(uint256)",
	events.LabDeleted: "LabDeleted(uint256)",

	events.ProviderAdded:   "ProviderAdded(address)",
	events.ProviderUpdated: "ProviderUpdated(address)",
	events.ProviderRemoved: "ProviderRemoved(address)",
}

var topicNames = buildTopicTable()

func buildTopicTable() map[common.Hash]string {
	m := make(map[common.Hash]string, len(eventSignatures))
	for name, sig := range eventSignatures {
		m[crypto.Keccak256Hash([]byte(sig))] = name
	}
	return m
}

// Topics returns the topic0 hashes of every marketplace event, for use in a
// log filter query.
func Topics() []common.Hash {
	out := make([]common.Hash, 0, len(topicNames))
	for h := range topicNames {
		out = append(out, h)
	}
	return out
}

// DecodeLog decodes a raw contract log into an Event stamped with arrival.
// Logs carrying an unknown topic0 return ErrUnknownLog so callers can skip
// them without treating it as a failure.
func DecodeLog(l types.Log, arrival time.Time) (events.Event, error) {
	if len(l.Topics) == 0 {
		return events.Event{}, ErrUnknownLog
	}
	name, ok := topicNames[l.Topics[0]]
	if !ok {
		return events.Event{}, fmt.Errorf("%w: topic %s", ErrUnknownLog, l.Topics[0])
	}

	e := events.Event{
		Name:    name,
		Block:   l.BlockNumber,
		Arrival: arrival,
	}

	switch name {
	case events.ReservationRequested:
		// topics: key, renter; data words: labId, start, end.
		if len(l.Topics) < 3 {
			return events.Event{}, fmt.Errorf("%s: expected 3 topics, got %d", name, len(l.Topics))
		}
		if len(l.Data) < 96 {
			return events.Event{}, fmt.Errorf("%s: expected 96 data bytes, got %d", name, len(l.Data))
		}
		e.Key = l.Topics[1]
		e.Account = common.BytesToAddress(l.Topics[2].Bytes())
		e.LabID = new(big.Int).SetBytes(l.Data[0:32]).Uint64()
		e.Start = new(big.Int).SetBytes(l.Data[32:64]).Int64()
		e.End = new(big.Int).SetBytes(l.Data[64:96]).Int64()

	case events.ReservationConfirmed, events.ReservationRequestDenied,
		events.ReservationRequestCanceled, events.BookingCanceled:
		if len(l.Topics) < 2 {
			return events.Event{}, fmt.Errorf("%s: expected 2 topics, got %d", name, len(l.Topics))
		}
		e.Key = l.Topics[1]

	case events.LabAdded:
		if len(l.Topics) < 3 {
			return events.Event{}, fmt.Errorf("%s: expected 3 topics, got %d", name, len(l.Topics))
		}
		e.LabID = new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64()
		e.Account = common.BytesToAddress(l.Topics[2].Bytes())

	case events.LabUpdated, events.LabDeleted:
		if len(l.Topics) < 2 {
			return events.Event{}, fmt.Errorf("%s: expected 2 topics, got %d", name, len(l.Topics))
		}
		e.LabID = new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64()

	case events.ProviderAdded, events.ProviderUpdated, events.ProviderRemoved:
		if len(l.Topics) < 2 {
			return events.Event{}, fmt.Errorf("%s: expected 2 topics, got %d", name, len(l.Topics))
		}
		e.Account = common.BytesToAddress(l.Topics[1].Bytes())
	}

	return e, nil
}
