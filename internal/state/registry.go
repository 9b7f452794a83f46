package state

import (
	"fmt"
	"time"

	fpmath "LubaLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Registry holds every auction. Ids are sequential from 0 and index the slice.
type Registry struct {
	auctions []*Auction
}

func NewRegistry() *Registry {
	return &Registry{}
}

// NextID returns the id the next auction will receive.
func (r *Registry) NextID() uint64 {
	return uint64(len(r.auctions))
}

// Create registers an auction under id, which must equal NextID.
func (r *Registry) Create(
	id uint64,
	creator common.Address,
	endTime time.Time,
	unit fpmath.Quantity,
	createdAt time.Time,
) (*Auction, error) {
	if id != r.NextID() {
		return nil, fmt.Errorf("auction id %d out of order: next is %d", id, r.NextID())
	}
	a := newAuction(id, creator, endTime, unit, createdAt)
	r.auctions = append(r.auctions, a)
	return a, nil
}

// Get returns the auction or nil
func (r *Registry) Get(id uint64) *Auction {
	if id >= uint64(len(r.auctions)) {
		return nil
	}
	return r.auctions[id]
}

// Count returns the number of auctions ever created.
func (r *Registry) Count() uint64 {
	return uint64(len(r.auctions))
}

// All returns the auctions in id order.
func (r *Registry) All() []*Auction {
	out := make([]*Auction, len(r.auctions))
	copy(out, r.auctions)
	return out
}

// AuctionSnapshot is the serializable form of an auction and its log.
type AuctionSnapshot struct {
	ID          uint64          `json:"id"`
	Creator     common.Address  `json:"creator"`
	EndTime     time.Time       `json:"end_time"`
	BiddingUnit fpmath.Quantity `json:"bidding_unit"`
	CreatedAt   time.Time       `json:"created_at"`
	Withdrawn   bool            `json:"withdrawn"`
	Closed      bool            `json:"closed"`
	Bids        []Bid           `json:"bids"`
}

// Snapshot captures every auction for persistence.
func (r *Registry) Snapshot() []AuctionSnapshot {
	out := make([]AuctionSnapshot, 0, len(r.auctions))
	for _, a := range r.auctions {
		out = append(out, AuctionSnapshot{
			ID:          a.ID,
			Creator:     a.Creator,
			EndTime:     a.EndTime,
			BiddingUnit: a.BiddingUnit,
			CreatedAt:   a.CreatedAt,
			Withdrawn:   a.Withdrawn,
			Closed:      a.Closed,
			Bids:        a.bids.All(),
		})
	}
	return out
}

// Restore rebuilds the registry from a snapshot. Totals are recomputed from
// the bid logs.
func (r *Registry) Restore(snaps []AuctionSnapshot) error {
	r.auctions = r.auctions[:0]
	for _, s := range snaps {
		a, err := r.Create(s.ID, s.Creator, s.EndTime, s.BiddingUnit, s.CreatedAt)
		if err != nil {
			return err
		}
		for _, b := range s.Bids {
			if got := a.RecordBid(b.Bidder, b.Amount); got.Sequence != b.Sequence {
				return fmt.Errorf("auction %d: bid sequence %d restored as %d", s.ID, b.Sequence, got.Sequence)
			}
		}
		a.Withdrawn = s.Withdrawn
		a.Closed = s.Closed
	}
	return nil
}
