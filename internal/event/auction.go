package event

import (
	"time"

	fpmath "LubaLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// AuctionCreated records a new auction. Public.
type AuctionCreated struct {
	Key         string          `json:"idempotency_key"`
	AuctionID   uint64          `json:"auction_id"`
	Creator     common.Address  `json:"creator"`
	EndTime     time.Time       `json:"end_time"`
	BiddingUnit fpmath.Quantity `json:"bidding_unit"`
	Timestamp   time.Time       `json:"timestamp"`
}

func (e *AuctionCreated) IdempotencyKey() string { return e.Key }
func (e *AuctionCreated) EventType() EventType   { return EventTypeAuctionCreated }
func (e *AuctionCreated) AuctionRef() *uint64    { return auctionRef(e.AuctionID) }
func (e *AuctionCreated) OccurredAt() time.Time  { return e.Timestamp }

// AuctionClosed records the creator's advisory close after the end time.
type AuctionClosed struct {
	Key       string         `json:"idempotency_key"`
	AuctionID uint64         `json:"auction_id"`
	Creator   common.Address `json:"creator"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e *AuctionClosed) IdempotencyKey() string { return e.Key }
func (e *AuctionClosed) EventType() EventType   { return EventTypeAuctionClosed }
func (e *AuctionClosed) AuctionRef() *uint64    { return auctionRef(e.AuctionID) }
func (e *AuctionClosed) OccurredAt() time.Time  { return e.Timestamp }

// BidPlaced records an accepted bid. The amount stays in the private log;
// the public form carries only auction and bidder.
type BidPlaced struct {
	Key         string          `json:"idempotency_key"`
	AuctionID   uint64          `json:"auction_id"`
	Bidder      common.Address  `json:"bidder"`
	Amount      fpmath.Quantity `json:"amount"`
	BidSequence uint64          `json:"bid_sequence"`
	Timestamp   time.Time       `json:"timestamp"`
}

func (e *BidPlaced) IdempotencyKey() string { return e.Key }
func (e *BidPlaced) EventType() EventType   { return EventTypeBidPlaced }
func (e *BidPlaced) AuctionRef() *uint64    { return auctionRef(e.AuctionID) }
func (e *BidPlaced) OccurredAt() time.Time  { return e.Timestamp }
