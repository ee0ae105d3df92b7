// Package market defines the domain model shared by the cache-sync core:
// cache collection kinds, reservation records with their on-chain status
// machine, and the derived time-window state used by the realtime timer.
package market

import (
	"errors"
	"fmt"
	"time"

	"github.com/ava-labs/libevm/common"
)

// Kind identifies a cached collection. Each kind has its own keyed store,
// its own pending-invalidation set and its own debounce timer.
type Kind string

const (
	KindBooking  Kind = "booking"
	KindLab      Kind = "lab"
	KindProvider Kind = "provider"
)

// Kinds lists every known collection kind.
func Kinds() []Kind {
	return []Kind{KindBooking, KindLab, KindProvider}
}

var ErrUnknownKind = errors.New("unknown collection kind")

// Valid reports whether k is a known collection kind.
func (k Kind) Valid() bool {
	switch k {
	case KindBooking, KindLab, KindProvider:
		return true
	}
	return false
}

// ReservationKey is the opaque 32-byte identifier assigned to a reservation
// on-chain. It is unique and immutable once assigned.
type ReservationKey = common.Hash

// Status is the on-chain lifecycle status of a reservation.
type Status uint8

const (
	StatusPending   Status = 0
	StatusConfirmed Status = 1
	StatusUsed      Status = 2
	StatusCollected Status = 3
	StatusCancelled Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusUsed:
		return "used"
	case StatusCollected:
		return "collected"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Terminal reports whether no further transition exists from s. Cancellation
// is only allowed from non-terminal states, so Used, Collected and Cancelled
// are all final.
func (s Status) Terminal() bool {
	switch s {
	case StatusUsed, StatusCollected, StatusCancelled:
		return true
	}
	return false
}

var ErrTerminalStatus = errors.New("status transition from terminal state")

// CanTransition reports whether a reservation may move from one status to
// another. Transitions are monotonic (Pending -> Confirmed -> Used ->
// Collected) except for cancellation, which is allowed from any non-terminal
// state. Once Cancelled nothing moves. Self-transitions are permitted so
// duplicate events stay idempotent.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from == StatusCancelled {
		return false
	}
	if to == StatusCancelled {
		return !from.Terminal()
	}
	return to > from && to <= StatusCollected
}

// Reservation is the canonical cached representation of a lab booking.
type Reservation struct {
	Key    ReservationKey
	LabID  uint64
	Renter common.Address
	Start  int64 // Unix seconds, inclusive
	End    int64 // Unix seconds, exclusive; invariant End > Start
	Status Status

	// Optimistic marks a locally predicted value that has not yet been
	// confirmed by an on-chain event. Cleared when the authoritative
	// event overwrites the record.
	Optimistic bool
}

// Validate checks the time-window invariant.
func (r Reservation) Validate() error {
	if r.End <= r.Start {
		return fmt.Errorf("invalid reservation window: end <= start: %d <= %d", r.End, r.Start)
	}
	return nil
}

// WindowState is the derived state of a reservation's time window relative
// to a given instant.
type WindowState uint8

const (
	WindowUpcoming WindowState = iota
	WindowActive
	WindowEnded
)

func (w WindowState) String() string {
	switch w {
	case WindowUpcoming:
		return "upcoming"
	case WindowActive:
		return "active"
	case WindowEnded:
		return "ended"
	}
	return fmt.Sprintf("window(%d)", uint8(w))
}

// Window derives the time-window state of r at instant now.
func (r Reservation) Window(now time.Time) WindowState {
	ts := now.Unix()
	switch {
	case ts < r.Start:
		return WindowUpcoming
	case ts < r.End:
		return WindowActive
	default:
		return WindowEnded
	}
}

// NextTransition returns the instant at which r's derived window state next
// changes, and false when no further transition exists (window already ended).
func (r Reservation) NextTransition(now time.Time) (time.Time, bool) {
	ts := now.Unix()
	switch {
	case ts < r.Start:
		return time.Unix(r.Start, 0), true
	case ts < r.End:
		return time.Unix(r.End, 0), true
	default:
		return time.Time{}, false
	}
}

// Lab is the cached representation of a lab listing. The marketplace core
// only needs identity and ownership; full lab metadata lives off-chain.
type Lab struct {
	ID       uint64
	Provider common.Address
	URI      string
	Listed   bool
}

// Provider is the cached representation of a registered lab provider.
type Provider struct {
	Account common.Address
	Name    string
}
