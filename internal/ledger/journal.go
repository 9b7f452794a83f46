package ledger

import (
	"fmt"

	fpmath "LubaLedger/internal/math"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeBidEscrow
	JournalTypeWithdrawalPending
	JournalTypeWithdrawalConfirm
	JournalTypeWithdrawalReject
	JournalTypePayoutPending
	JournalTypePayoutConfirm
	JournalTypePayoutReject
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeBidEscrow:
		return "bid_escrow"
	case JournalTypeWithdrawalPending:
		return "withdrawal_pending"
	case JournalTypeWithdrawalConfirm:
		return "withdrawal_confirm"
	case JournalTypeWithdrawalReject:
		return "withdrawal_reject"
	case JournalTypePayoutPending:
		return "payout_pending"
	case JournalTypePayoutConfirm:
		return "payout_confirm"
	case JournalTypePayoutReject:
		return "payout_reject"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID       // Unique identifier
	BatchID       uuid.UUID       // Groups balanced entries
	EventRef      string          // Idempotency key of source event
	Sequence      int64           // Global event sequence
	DebitAccount  AccountKey      // Account receiving debit (balance increases)
	CreditAccount AccountKey      // Account receiving credit (balance decreases)
	AssetID       AssetID         // Asset being transferred
	Amount        fpmath.Quantity // Base units, always positive
	JournalType   JournalType     // Entry type
	Timestamp     int64           // Event timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each journal moves one positive
// amount from the credit account to the debit account, so every entry is
// balanced on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
