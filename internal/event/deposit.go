package event

import (
	"time"

	fpmath "LubaLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceDeposited records tokens pulled into custody and credited to escrow.
type BalanceDeposited struct {
	Key       string          `json:"idempotency_key"`
	Account   common.Address  `json:"account"`
	Asset     string          `json:"asset"`
	Amount    fpmath.Quantity `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

func (d *BalanceDeposited) IdempotencyKey() string {
	return d.Key
}

func (d *BalanceDeposited) EventType() EventType {
	return EventTypeBalanceDeposited
}

func (d *BalanceDeposited) AuctionRef() *uint64 {
	return nil // Account-level event
}

func (d *BalanceDeposited) OccurredAt() time.Time {
	return d.Timestamp
}
