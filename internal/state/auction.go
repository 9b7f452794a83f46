package state

import (
	"time"

	fpmath "LubaLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Status is derived from the clock and the withdrawn flag; it is never stored.
type Status int32

const (
	StatusOpen Status = iota
	StatusEnded
	StatusWithdrawn
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusEnded:
		return "Ended"
	case StatusWithdrawn:
		return "Withdrawn"
	default:
		return "Unknown"
	}
}

// Auction is one lowest-unique-bid auction. It owns its bid log and
// aggregate counters.
type Auction struct {
	ID             uint64
	Creator        common.Address
	EndTime        time.Time
	BiddingUnit    fpmath.Quantity
	CreatedAt      time.Time
	TotalBidAmount fpmath.Quantity
	Withdrawn      bool
	Closed         bool // advisory, set by the creator after EndTime

	bids *BidLog
}

func newAuction(id uint64, creator common.Address, endTime time.Time, unit fpmath.Quantity, createdAt time.Time) *Auction {
	return &Auction{
		ID:          id,
		Creator:     creator,
		EndTime:     endTime,
		BiddingUnit: unit,
		CreatedAt:   createdAt,
		bids:        NewBidLog(id),
	}
}

// StatusAt evaluates the lifecycle at now.
func (a *Auction) StatusAt(now time.Time) Status {
	if a.Withdrawn {
		return StatusWithdrawn
	}
	if now.Before(a.EndTime) {
		return StatusOpen
	}
	return StatusEnded
}

// IsOpen reports whether bids are accepted at now.
func (a *Auction) IsOpen(now time.Time) bool {
	return a.StatusAt(now) == StatusOpen
}

// HasEnded reports whether now is at or past EndTime. A withdrawn auction has ended.
func (a *Auction) HasEnded(now time.Time) bool {
	return !now.Before(a.EndTime)
}

// Bids returns the auction's append-only bid log.
func (a *Auction) Bids() *BidLog {
	return a.bids
}

// BidsCount is the number of accepted bids.
func (a *Auction) BidsCount() int {
	return a.bids.Len()
}

// RecordBid appends a bid and updates the aggregates.
func (a *Auction) RecordBid(bidder common.Address, amount fpmath.Quantity) Bid {
	bid := a.bids.Append(bidder, amount)
	a.TotalBidAmount = a.TotalBidAmount.Add(amount)
	return bid
}

// CanonicalBytes returns deterministic serialization for hashing
func (a *Auction) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)

	buf = appendUint64LE(buf, a.ID)
	buf = append(buf, a.Creator.Bytes()...)
	buf = appendInt64LE(buf, a.EndTime.Unix())
	buf = append(buf, a.BiddingUnit.Bytes()...)
	buf = appendUint64LE(buf, uint64(a.BidsCount()))
	buf = append(buf, a.TotalBidAmount.Bytes()...)

	var flags byte
	if a.Withdrawn {
		flags |= 1
	}
	if a.Closed {
		flags |= 2
	}
	buf = append(buf, flags)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return appendUint64LE(buf, uint64(v))
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
