package event

import (
	"time"

	fpmath "LubaLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// WithdrawalRequested moves the whole escrow balance into pending before the
// outbound transfer is attempted.
type WithdrawalRequested struct {
	WithdrawalID uuid.UUID       `json:"withdrawal_id"`
	Key          string          `json:"idempotency_key"`
	Account      common.Address  `json:"account"`
	Asset        string          `json:"asset"`
	Amount       fpmath.Quantity `json:"amount"`
	Timestamp    time.Time       `json:"timestamp"`
}

func (w *WithdrawalRequested) IdempotencyKey() string {
	return w.Key
}

func (w *WithdrawalRequested) EventType() EventType {
	return EventTypeWithdrawalRequested
}

func (w *WithdrawalRequested) AuctionRef() *uint64 {
	return nil
}

func (w *WithdrawalRequested) OccurredAt() time.Time {
	return w.Timestamp
}

// WithdrawalConfirmed records that the token transfer out succeeded
type WithdrawalConfirmed struct {
	WithdrawalID uuid.UUID       `json:"withdrawal_id"`
	Account      common.Address  `json:"account"`
	Asset        string          `json:"asset"`
	Amount       fpmath.Quantity `json:"amount"`
	Timestamp    time.Time       `json:"timestamp"`
}

func (w *WithdrawalConfirmed) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *WithdrawalConfirmed) EventType() EventType {
	return EventTypeWithdrawalConfirmed
}

func (w *WithdrawalConfirmed) AuctionRef() *uint64 {
	return nil
}

func (w *WithdrawalConfirmed) OccurredAt() time.Time {
	return w.Timestamp
}

// WithdrawalRejected returns pending funds to escrow after a failed transfer
type WithdrawalRejected struct {
	WithdrawalID uuid.UUID       `json:"withdrawal_id"`
	Account      common.Address  `json:"account"`
	Asset        string          `json:"asset"`
	Amount       fpmath.Quantity `json:"amount"`
	Reason       string          `json:"reason"`
	Timestamp    time.Time       `json:"timestamp"`
}

func (w *WithdrawalRejected) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *WithdrawalRejected) EventType() EventType {
	return EventTypeWithdrawalRejected
}

func (w *WithdrawalRejected) AuctionRef() *uint64 {
	return nil
}

func (w *WithdrawalRejected) OccurredAt() time.Time {
	return w.Timestamp
}
