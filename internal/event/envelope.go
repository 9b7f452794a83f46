package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeAuctionCreated
	EventTypeAuctionClosed
	EventTypeBidPlaced
	EventTypeBalanceDeposited
	EventTypeWithdrawalRequested
	EventTypeWithdrawalConfirmed
	EventTypeWithdrawalRejected
	EventTypePoolWithdrawalRequested
	EventTypePoolWithdrawalConfirmed
	EventTypePoolWithdrawalRejected
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Auction context (nil for account-level events)
	AuctionID *uint64

	// Clock reading when the fact was recorded
	Timestamp time.Time

	// JSON-encoded event
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// AuctionRef returns the auction context (nil for account-level events)
	AuctionRef() *uint64

	// OccurredAt returns the clock reading stored with the fact
	OccurredAt() time.Time
}

// Public reports whether the event type is broadcast to external subscribers.
// Everything else stays in the private event log.
func (et EventType) Public() bool {
	return et == EventTypeAuctionCreated || et == EventTypeBidPlaced
}

func (et EventType) String() string {
	switch et {
	case EventTypeAuctionCreated:
		return "AuctionCreated"
	case EventTypeAuctionClosed:
		return "AuctionClosed"
	case EventTypeBidPlaced:
		return "BidPlaced"
	case EventTypeBalanceDeposited:
		return "BalanceDeposited"
	case EventTypeWithdrawalRequested:
		return "WithdrawalRequested"
	case EventTypeWithdrawalConfirmed:
		return "WithdrawalConfirmed"
	case EventTypeWithdrawalRejected:
		return "WithdrawalRejected"
	case EventTypePoolWithdrawalRequested:
		return "PoolWithdrawalRequested"
	case EventTypePoolWithdrawalConfirmed:
		return "PoolWithdrawalConfirmed"
	case EventTypePoolWithdrawalRejected:
		return "PoolWithdrawalRejected"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	for et := EventTypeAuctionCreated; et <= EventTypePoolWithdrawalRejected; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}

func auctionRef(id uint64) *uint64 {
	return &id
}
