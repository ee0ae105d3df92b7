// Package events defines the decoded marketplace event record, the arrival
// deduplicator that makes duplicate delivery safe, and the bus that fans
// events out to entity handlers with guaranteed unsubscription.
package events

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ava-labs/libevm/common"

	"github.com/DecentraLabsCom/marketplace-sync/pkg/market"
)

// Marketplace contract event names.
const (
	ReservationRequested       = "ReservationRequested"
	ReservationConfirmed       = "ReservationConfirmed"
	ReservationRequestDenied   = "ReservationRequestDenied"
	ReservationRequestCanceled = "ReservationRequestCanceled"
	BookingCanceled            = "BookingCanceled"

	LabAdded   = "LabAdded"
	LabUpdated = "LabUpdated"
	LabDeleted = "LabDeleted"

	ProviderAdded   = "ProviderAdded"
	ProviderUpdated = "ProviderUpdated"
	ProviderRemoved = "ProviderRemoved"
)

var ErrKeyRequired = errors.New("event is missing its correlating key")

// Event is a single decoded marketplace log. Only the fields relevant to the
// event's name are populated; Block is an ordering hint, not a guarantee
// (providers may batch and reorder delivery).
type Event struct {
	Name    string
	Key     market.ReservationKey
	LabID   uint64
	Account common.Address
	Start   int64
	End     int64
	Block   uint64
	Arrival time.Time
}

// Kind returns the cache collection kind affected by the event.
func (e Event) Kind() (market.Kind, error) {
	switch e.Name {
	case ReservationRequested, ReservationConfirmed, ReservationRequestDenied,
		ReservationRequestCanceled, BookingCanceled:
		return market.KindBooking, nil
	case LabAdded, LabUpdated, LabDeleted:
		return market.KindLab, nil
	case ProviderAdded, ProviderUpdated, ProviderRemoved:
		return market.KindProvider, nil
	}
	return "", fmt.Errorf("%w: %q", market.ErrUnknownKind, e.Name)
}

// Validate rejects events that downstream handlers cannot act on. An event
// without its correlating key is an error, never a "process anyway".
func (e Event) Validate() error {
	kind, err := e.Kind()
	if err != nil {
		return err
	}
	switch kind {
	case market.KindBooking:
		if e.Key == (market.ReservationKey{}) {
			return fmt.Errorf("%w: %s requires a reservation key", ErrKeyRequired, e.Name)
		}
	case market.KindLab:
		if e.LabID == 0 {
			return fmt.Errorf("%w: %s requires a lab id", ErrKeyRequired, e.Name)
		}
	case market.KindProvider:
		if e.Account == (common.Address{}) {
			return fmt.Errorf("%w: %s requires a provider account", ErrKeyRequired, e.Name)
		}
	}
	return nil
}

// DedupID returns the identity under which duplicate deliveries of the same
// logical event collapse: the event name plus its correlating key.
func (e Event) DedupID() string {
	kind, err := e.Kind()
	if err != nil {
		return e.Name
	}
	return e.Name + "/" + e.cacheKey(kind)
}

// CacheKey returns the cache collection key the event correlates with.
func (e Event) CacheKey() (string, error) {
	kind, err := e.Kind()
	if err != nil {
		return "", err
	}
	return e.cacheKey(kind), nil
}

func (e Event) cacheKey(kind market.Kind) string {
	switch kind {
	case market.KindLab:
		return strconv.FormatUint(e.LabID, 10)
	case market.KindProvider:
		return e.Account.Hex()
	default:
		return e.Key.Hex()
	}
}
