package ledger

import (
	"fmt"

	fpmath "LubaLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]fpmath.Quantity
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]fpmath.Quantity),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] = bt.balances[j.DebitAccount].Add(j.Amount)
	bt.balances[j.CreditAccount] = bt.balances[j.CreditAccount].Sub(j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) fpmath.Quantity {
	return bt.balances[key]
}

// SetBalance overwrites an account balance. Used when restoring a snapshot.
func (bt *BalanceTracker) SetBalance(key AccountKey, amount fpmath.Quantity) {
	if amount.IsZero() {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = amount
}

// GetEscrow returns a user's spendable escrow balance.
func (bt *BalanceTracker) GetEscrow(user common.Address) fpmath.Quantity {
	return bt.GetBalance(NewUserAccountKey(user, SubTypeEscrow, AssetUSDC))
}

// GetPendingWithdrawal returns funds locked by an in-flight withdrawal.
func (bt *BalanceTracker) GetPendingWithdrawal(user common.Address) fpmath.Quantity {
	return bt.GetBalance(NewUserAccountKey(user, SubTypePendingWithdrawal, AssetUSDC))
}

// GetAuctionPool returns the sum of bids an auction still holds.
func (bt *BalanceTracker) GetAuctionPool(auctionID uint64) fpmath.Quantity {
	return bt.GetBalance(NewAuctionAccountKey(auctionID, SubTypeSystemAuctionPool, AssetUSDC))
}

// ValidateSufficientEscrow checks that a user can cover required.
func (bt *BalanceTracker) ValidateSufficientEscrow(user common.Address, required fpmath.Quantity) error {
	escrow := bt.GetEscrow(user)
	if escrow.Cmp(required) < 0 {
		return fmt.Errorf("insufficient escrow: have=%s, need=%s", escrow, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]fpmath.Quantity {
	totals := make(map[AssetID]fpmath.Quantity)

	for key, balance := range bt.balances {
		totals[key.AssetID] = totals[key.AssetID].Add(balance)
	}

	return totals
}

// CustodyTotal is what the engine owes on asset: every user and system
// balance. It equals the tokens custody must hold.
func (bt *BalanceTracker) CustodyTotal(asset AssetID) fpmath.Quantity {
	var total fpmath.Quantity
	for key, balance := range bt.balances {
		if key.AssetID == asset && key.Scope != AccountScopeExternal {
			total = total.Add(balance)
		}
	}
	return total
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]fpmath.Quantity {
	snapshot := make(map[AccountKey]fpmath.Quantity, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Len reports how many accounts carry a balance entry.
func (bt *BalanceTracker) Len() int {
	return len(bt.balances)
}
