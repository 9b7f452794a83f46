package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateAccountsNonNegative checks every user and system account a batch
// touched. External accounts are allowed to go negative.
func (v *InvariantValidator) ValidateAccountsNonNegative(batch *Batch) error {
	for _, j := range batch.Journals {
		for _, key := range []AccountKey{j.DebitAccount, j.CreditAccount} {
			if key.Scope == AccountScopeExternal {
				continue
			}
			if err := v.tracker.ValidateNonNegative(key); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if !total.IsZero() {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %s", assetName, total)
		}
	}

	return nil
}
