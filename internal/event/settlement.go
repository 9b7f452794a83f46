package event

import (
	"time"

	fpmath "LubaLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// PoolWithdrawalRequested marks the auction withdrawn and moves its pool to
// pending payout. Recorded before the transfer to the creator is issued.
type PoolWithdrawalRequested struct {
	SettlementID uuid.UUID       `json:"settlement_id"`
	Key          string          `json:"idempotency_key"`
	AuctionID    uint64          `json:"auction_id"`
	Creator      common.Address  `json:"creator"`
	Amount       fpmath.Quantity `json:"amount"`
	Timestamp    time.Time       `json:"timestamp"`
}

func (p *PoolWithdrawalRequested) IdempotencyKey() string { return p.Key }
func (p *PoolWithdrawalRequested) EventType() EventType   { return EventTypePoolWithdrawalRequested }
func (p *PoolWithdrawalRequested) AuctionRef() *uint64    { return auctionRef(p.AuctionID) }
func (p *PoolWithdrawalRequested) OccurredAt() time.Time  { return p.Timestamp }

type PoolWithdrawalConfirmed struct {
	SettlementID uuid.UUID       `json:"settlement_id"`
	AuctionID    uint64          `json:"auction_id"`
	Creator      common.Address  `json:"creator"`
	Amount       fpmath.Quantity `json:"amount"`
	Timestamp    time.Time       `json:"timestamp"`
}

func (p *PoolWithdrawalConfirmed) IdempotencyKey() string { return p.SettlementID.String() }
func (p *PoolWithdrawalConfirmed) EventType() EventType   { return EventTypePoolWithdrawalConfirmed }
func (p *PoolWithdrawalConfirmed) AuctionRef() *uint64    { return auctionRef(p.AuctionID) }
func (p *PoolWithdrawalConfirmed) OccurredAt() time.Time  { return p.Timestamp }

// PoolWithdrawalRejected clears the withdrawn flag after a failed payout.
type PoolWithdrawalRejected struct {
	SettlementID uuid.UUID       `json:"settlement_id"`
	AuctionID    uint64          `json:"auction_id"`
	Creator      common.Address  `json:"creator"`
	Amount       fpmath.Quantity `json:"amount"`
	Reason       string          `json:"reason"`
	Timestamp    time.Time       `json:"timestamp"`
}

func (p *PoolWithdrawalRejected) IdempotencyKey() string { return p.SettlementID.String() }
func (p *PoolWithdrawalRejected) EventType() EventType   { return EventTypePoolWithdrawalRejected }
func (p *PoolWithdrawalRejected) AuctionRef() *uint64    { return auctionRef(p.AuctionID) }
func (p *PoolWithdrawalRejected) OccurredAt() time.Time  { return p.Timestamp }
