package ledger

import (
	"fmt"

	"LubaLedger/internal/event"
	fpmath "LubaLedger/internal/math"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches from events
type JournalGenerator struct {
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		balanceTracker: tracker,
	}
}

// Generate returns the batch for evt at sequence seq. Events that move no
// funds (AuctionCreated, AuctionClosed) return a nil batch.
func (jg *JournalGenerator) Generate(evt event.Event, seq int64) (*Batch, error) {
	switch e := evt.(type) {
	case *event.AuctionCreated, *event.AuctionClosed:
		return nil, nil
	case *event.BalanceDeposited:
		return jg.GenerateDeposit(e, seq)
	case *event.BidPlaced:
		return jg.GenerateBidEscrow(e, seq)
	case *event.WithdrawalRequested:
		return jg.GenerateWithdrawalRequested(e, seq)
	case *event.WithdrawalConfirmed:
		return jg.GenerateWithdrawalConfirmed(e, seq)
	case *event.WithdrawalRejected:
		return jg.GenerateWithdrawalRejected(e, seq)
	case *event.PoolWithdrawalRequested:
		return jg.GeneratePayoutRequested(e, seq)
	case *event.PoolWithdrawalConfirmed:
		return jg.GeneratePayoutConfirmed(e, seq)
	case *event.PoolWithdrawalRejected:
		return jg.GeneratePayoutRejected(e, seq)
	default:
		return nil, fmt.Errorf("no journal mapping for %s", evt.EventType())
	}
}

// GenerateDeposit credits escrow with tokens pulled in from the token contract.
// Moves funds: external:deposits -> user:escrow
func (jg *JournalGenerator) GenerateDeposit(evt *event.BalanceDeposited, seq int64) (*Batch, error) {
	return jg.single(
		evt.Key, seq, evt.Timestamp.UnixMicro(),
		NewUserAccountKey(evt.Account, SubTypeEscrow, AssetUSDC),
		NewExternalAccountKey(SubTypeExternalDeposits, AssetUSDC),
		evt.Amount, JournalTypeDeposit,
	)
}

// GenerateBidEscrow moves a bid amount into the auction pool.
// Pre-check: the bidder must cover the amount.
func (jg *JournalGenerator) GenerateBidEscrow(evt *event.BidPlaced, seq int64) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientEscrow(evt.Bidder, evt.Amount); err != nil {
		return nil, fmt.Errorf("bid pre-check failed: %w", err)
	}
	return jg.single(
		evt.Key, seq, evt.Timestamp.UnixMicro(),
		NewAuctionAccountKey(evt.AuctionID, SubTypeSystemAuctionPool, AssetUSDC),
		NewUserAccountKey(evt.Bidder, SubTypeEscrow, AssetUSDC),
		evt.Amount, JournalTypeBidEscrow,
	)
}

// GenerateWithdrawalRequested locks the escrow balance in pending.
func (jg *JournalGenerator) GenerateWithdrawalRequested(evt *event.WithdrawalRequested, seq int64) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientEscrow(evt.Account, evt.Amount); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}
	return jg.single(
		evt.WithdrawalID.String(), seq, evt.Timestamp.UnixMicro(),
		NewUserAccountKey(evt.Account, SubTypePendingWithdrawal, AssetUSDC),
		NewUserAccountKey(evt.Account, SubTypeEscrow, AssetUSDC),
		evt.Amount, JournalTypeWithdrawalPending,
	)
}

// GenerateWithdrawalConfirmed finalizes withdrawal (clears pending)
func (jg *JournalGenerator) GenerateWithdrawalConfirmed(evt *event.WithdrawalConfirmed, seq int64) (*Batch, error) {
	return jg.single(
		evt.WithdrawalID.String(), seq, evt.Timestamp.UnixMicro(),
		NewExternalAccountKey(SubTypeExternalWithdrawals, AssetUSDC),
		NewUserAccountKey(evt.Account, SubTypePendingWithdrawal, AssetUSDC),
		evt.Amount, JournalTypeWithdrawalConfirm,
	)
}

// GenerateWithdrawalRejected reverses pending withdrawal
func (jg *JournalGenerator) GenerateWithdrawalRejected(evt *event.WithdrawalRejected, seq int64) (*Batch, error) {
	return jg.single(
		evt.WithdrawalID.String(), seq, evt.Timestamp.UnixMicro(),
		NewUserAccountKey(evt.Account, SubTypeEscrow, AssetUSDC),
		NewUserAccountKey(evt.Account, SubTypePendingWithdrawal, AssetUSDC),
		evt.Amount, JournalTypeWithdrawalReject,
	)
}

// GeneratePayoutRequested moves the auction pool into pending payout.
func (jg *JournalGenerator) GeneratePayoutRequested(evt *event.PoolWithdrawalRequested, seq int64) (*Batch, error) {
	pool := jg.balanceTracker.GetAuctionPool(evt.AuctionID)
	if pool.Cmp(evt.Amount) != 0 {
		return nil, fmt.Errorf("payout pre-check failed: pool=%s, requested=%s", pool, evt.Amount)
	}
	return jg.single(
		evt.SettlementID.String(), seq, evt.Timestamp.UnixMicro(),
		NewAuctionAccountKey(evt.AuctionID, SubTypeSystemPendingPayout, AssetUSDC),
		NewAuctionAccountKey(evt.AuctionID, SubTypeSystemAuctionPool, AssetUSDC),
		evt.Amount, JournalTypePayoutPending,
	)
}

func (jg *JournalGenerator) GeneratePayoutConfirmed(evt *event.PoolWithdrawalConfirmed, seq int64) (*Batch, error) {
	return jg.single(
		evt.SettlementID.String(), seq, evt.Timestamp.UnixMicro(),
		NewExternalAccountKey(SubTypeExternalPayouts, AssetUSDC),
		NewAuctionAccountKey(evt.AuctionID, SubTypeSystemPendingPayout, AssetUSDC),
		evt.Amount, JournalTypePayoutConfirm,
	)
}

func (jg *JournalGenerator) GeneratePayoutRejected(evt *event.PoolWithdrawalRejected, seq int64) (*Batch, error) {
	return jg.single(
		evt.SettlementID.String(), seq, evt.Timestamp.UnixMicro(),
		NewAuctionAccountKey(evt.AuctionID, SubTypeSystemAuctionPool, AssetUSDC),
		NewAuctionAccountKey(evt.AuctionID, SubTypeSystemPendingPayout, AssetUSDC),
		evt.Amount, JournalTypePayoutReject,
	)
}

// single builds a one-journal batch. A zero amount yields a nil batch: the
// event is still recorded but nothing moves.
func (jg *JournalGenerator) single(
	ref string,
	seq int64,
	ts int64,
	debit, credit AccountKey,
	amount fpmath.Quantity,
	jt JournalType,
) (*Batch, error) {
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %s for %s", amount, jt)
	}
	if amount.IsZero() {
		return nil, nil
	}

	batchID := uuid.New()
	return &Batch{
		BatchID:   batchID,
		EventRef:  ref,
		Sequence:  seq,
		Timestamp: ts,
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      ref,
			Sequence:      seq,
			DebitAccount:  debit,
			CreditAccount: credit,
			AssetID:       AssetUSDC,
			Amount:        amount,
			JournalType:   jt,
			Timestamp:     ts,
		}},
	}, nil
}
