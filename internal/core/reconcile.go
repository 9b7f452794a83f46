package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"LubaLedger/internal/event"
	"LubaLedger/internal/ledger"
	fpmath "LubaLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// PayoutKind tells an escrow withdrawal from a bid pool payout.
type PayoutKind string

const (
	PayoutWithdrawal PayoutKind = "withdrawal"
	PayoutPool       PayoutKind = "pool"
)

// maxReconcileSet bounds the subset search over in-flight payouts.
const maxReconcileSet = 16

// Payout is an outbound transfer whose request is committed but whose
// outcome is not. Sequence is the sequence of the request event.
type Payout struct {
	ID        uuid.UUID       `json:"id"`
	Kind      PayoutKind      `json:"kind"`
	Recipient common.Address  `json:"recipient"`
	AuctionID uint64          `json:"auction_id,omitempty"`
	Amount    fpmath.Quantity `json:"amount"`
	Sequence  int64           `json:"sequence"`
}

// ReconcileReport lists what ReconcilePayouts decided for each payout.
type ReconcileReport struct {
	Confirmed  []Payout
	Rejected   []Payout
	Unresolved []Payout
}

// InFlightPayouts returns transfers with no recorded outcome, oldest first.
func (c *Engine) InFlightPayouts() []Payout {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inflightPayouts()
}

func (c *Engine) inflightPayouts() []Payout {
	out := make([]Payout, 0, len(c.inflight))
	for _, p := range c.inflight {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// ReconcilePayouts records an outcome for transfers a crash left in flight.
// Custody on the token is compared with what the ledger owes: while a
// payout is pending its funds are still owed, so a custody shortfall equal
// to a set of pending amounts means exactly those transfers went out.
// Those are confirmed and the rest rejected. Payouts it cannot attribute
// stay pending and are reported as unresolved.
//
// Call after recovery and before accepting commands.
func (c *Engine) ReconcilePayouts(ctx context.Context) (ReconcileReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var report ReconcileReport
	pending := c.inflightPayouts()
	if len(pending) == 0 {
		c.setInFlightGauge()
		return report, nil
	}

	custody, err := c.token.BalanceOf(ctx, c.address)
	if err != nil {
		return report, fmt.Errorf("custody balance: %w", err)
	}
	shortfall := c.balanceTracker.CustodyTotal(ledger.AssetUSDC).Sub(custody)

	// Zero transfers move nothing; either outcome leaves the same balances.
	var nonzero []Payout
	var total fpmath.Quantity
	for _, p := range pending {
		if p.Amount.IsZero() {
			report.Confirmed = append(report.Confirmed, p)
			continue
		}
		nonzero = append(nonzero, p)
		total = total.Add(p.Amount)
	}

	switch {
	case shortfall.Sign() <= 0:
		report.Rejected = append(report.Rejected, nonzero...)
	case shortfall.Cmp(total) >= 0:
		if shortfall.Cmp(total) > 0 {
			c.logger.Error().Str("shortfall", shortfall.String()).Str("in_flight", total.String()).
				Msg("custody short by more than the in-flight payouts")
		}
		report.Confirmed = append(report.Confirmed, nonzero...)
	default:
		paid, ok := matchShortfall(nonzero, shortfall)
		if !ok {
			report.Unresolved = nonzero
			break
		}
		for i, p := range nonzero {
			if paid&(1<<i) != 0 {
				report.Confirmed = append(report.Confirmed, p)
			} else {
				report.Rejected = append(report.Rejected, p)
			}
		}
	}

	now := c.clock.Now().UTC()
	for _, p := range report.Confirmed {
		if _, err := c.commit(p.outcome(true, now)); err != nil {
			return report, fmt.Errorf("confirm %s %s: %w", p.Kind, p.ID, err)
		}
		c.reconciled("confirmed", p)
	}
	for _, p := range report.Rejected {
		if _, err := c.commit(p.outcome(false, now)); err != nil {
			return report, fmt.Errorf("reject %s %s: %w", p.Kind, p.ID, err)
		}
		c.reconciled("rejected", p)
	}
	for _, p := range report.Unresolved {
		c.logger.Error().Str("kind", string(p.Kind)).Str("id", p.ID.String()).
			Str("recipient", p.Recipient.Hex()).Str("amount", p.Amount.String()).
			Int64("sequence", p.Sequence).Msg("in-flight payout left unresolved")
	}
	c.setInFlightGauge()
	return report, nil
}

// matchShortfall returns the bitmask of the single subset of payouts whose
// amounts sum to shortfall. It fails when no subset or more than one does.
func matchShortfall(payouts []Payout, shortfall fpmath.Quantity) (uint32, bool) {
	if len(payouts) > maxReconcileSet {
		return 0, false
	}

	var found uint32
	matched := false
	for mask := uint32(1); mask < 1<<len(payouts); mask++ {
		var sum fpmath.Quantity
		for i := range payouts {
			if mask&(1<<i) != 0 {
				sum = sum.Add(payouts[i].Amount)
			}
		}
		if sum.Cmp(shortfall) != 0 {
			continue
		}
		// Two matches are interchangeable only if every account ends up
		// with the same balance either way.
		if matched && !sameRecipients(payouts, found, mask) {
			return 0, false
		}
		if !matched {
			found, matched = mask, true
		}
	}
	return found, matched
}

func sameRecipients(payouts []Payout, a, b uint32) bool {
	owed := func(mask uint32) map[string]fpmath.Quantity {
		m := make(map[string]fpmath.Quantity)
		for i, p := range payouts {
			if mask&(1<<i) != 0 {
				k := p.account()
				m[k] = m[k].Add(p.Amount)
			}
		}
		return m
	}
	ma, mb := owed(a), owed(b)
	if len(ma) != len(mb) {
		return false
	}
	for k, v := range ma {
		if mb[k].Cmp(v) != 0 {
			return false
		}
	}
	return true
}

func (p Payout) account() string {
	if p.Kind == PayoutPool {
		return fmt.Sprintf("pool:%d", p.AuctionID)
	}
	return "user:" + p.Recipient.Hex()
}

func (p Payout) outcome(paid bool, now time.Time) event.Event {
	const reason = "reconciled at startup: transfer not reflected in custody"
	switch {
	case p.Kind == PayoutPool && paid:
		return &event.PoolWithdrawalConfirmed{
			SettlementID: p.ID, AuctionID: p.AuctionID, Creator: p.Recipient,
			Amount: p.Amount, Timestamp: now,
		}
	case p.Kind == PayoutPool:
		return &event.PoolWithdrawalRejected{
			SettlementID: p.ID, AuctionID: p.AuctionID, Creator: p.Recipient,
			Amount: p.Amount, Reason: reason, Timestamp: now,
		}
	case paid:
		return &event.WithdrawalConfirmed{
			WithdrawalID: p.ID, Account: p.Recipient, Asset: "USDC",
			Amount: p.Amount, Timestamp: now,
		}
	default:
		return &event.WithdrawalRejected{
			WithdrawalID: p.ID, Account: p.Recipient, Asset: "USDC",
			Amount: p.Amount, Reason: reason, Timestamp: now,
		}
	}
}

func (c *Engine) reconciled(outcome string, p Payout) {
	if c.metrics != nil {
		c.metrics.PayoutsReconciled.WithLabelValues(outcome).Inc()
	}
	c.logger.Warn().Str("outcome", outcome).Str("kind", string(p.Kind)).Str("id", p.ID.String()).
		Str("amount", p.Amount.String()).Msg("in-flight payout reconciled")
}

func (c *Engine) setInFlightGauge() {
	if c.metrics != nil {
		c.metrics.PayoutsInFlight.Set(float64(len(c.inflight)))
	}
}
