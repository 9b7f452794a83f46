package state

import (
	fpmath "LubaLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Bid is an accepted, immutable bid. Sequence is its 0-based position in the
// auction's log and the final tie-break key.
type Bid struct {
	AuctionID uint64          `json:"auction_id"`
	Bidder    common.Address  `json:"bidder"`
	Amount    fpmath.Quantity `json:"amount"`
	Sequence  uint64          `json:"sequence"`
}

// BidLog is the append-only bid log of one auction with a per-bidder index.
// Not thread-safe; the engine lock serializes access.
type BidLog struct {
	auctionID uint64
	bids      []Bid
	byBidder  map[common.Address][]uint64
}

func NewBidLog(auctionID uint64) *BidLog {
	return &BidLog{
		auctionID: auctionID,
		byBidder:  make(map[common.Address][]uint64),
	}
}

// Append records a bid with the next sequence.
func (l *BidLog) Append(bidder common.Address, amount fpmath.Quantity) Bid {
	bid := Bid{
		AuctionID: l.auctionID,
		Bidder:    bidder,
		Amount:    amount,
		Sequence:  uint64(len(l.bids)),
	}
	l.bids = append(l.bids, bid)
	l.byBidder[bidder] = append(l.byBidder[bidder], bid.Sequence)
	return bid
}

func (l *BidLog) Len() int {
	return len(l.bids)
}

// At returns the bid with the given sequence.
func (l *BidLog) At(seq uint64) (Bid, bool) {
	if seq >= uint64(len(l.bids)) {
		return Bid{}, false
	}
	return l.bids[seq], true
}

// All returns a copy of the log in placement order.
func (l *BidLog) All() []Bid {
	out := make([]Bid, len(l.bids))
	copy(out, l.bids)
	return out
}

// ByBidder returns a copy of bidder's bids in placement order.
func (l *BidLog) ByBidder(bidder common.Address) []Bid {
	idx := l.byBidder[bidder]
	out := make([]Bid, 0, len(idx))
	for _, seq := range idx {
		out = append(out, l.bids[seq])
	}
	return out
}

// Bidders returns the number of distinct bidders.
func (l *BidLog) Bidders() int {
	return len(l.byBidder)
}
