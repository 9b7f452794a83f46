package query

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("query: not found")

// AuctionSummary is the public view of an auction. Bid amounts are never
// part of it.
type AuctionSummary struct {
	AuctionID    uint64    `json:"auction_id"`
	Creator      string    `json:"creator"`
	EndTime      time.Time `json:"end_time"`
	BiddingUnit  string    `json:"bidding_unit"` // base units
	BidsCount    uint64    `json:"bids_count"`
	Closed       bool      `json:"closed"`
	Withdrawn    bool      `json:"withdrawn"`
	CreatedAt    time.Time `json:"created_at"`
	LastSequence int64     `json:"last_sequence"`
}

// AuctionPage is one page of ListAuctions.
type AuctionPage struct {
	Auctions     []AuctionSummary `json:"auctions"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

// ListFilter selects auctions for ListAuctions.
type ListFilter struct {
	Creator    string // hex address, empty for all
	ActiveOnly bool   // end_time in the future
	Offset     int
	Limit      int
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	EventCount      int64   `json:"event_count"`
	LatestSequence  int64   `json:"latest_sequence"`
	GenesisOK       bool    `json:"genesis_ok"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    bool    `json:"sequence_gaps"`
	ProjectionLag   int64   `json:"projection_lag"`
}
