//go:build property
// +build property

package core_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"LubaLedger/internal/core"
	fpmath "LubaLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestEscrow_CustodyMatchesLedger drives random deposits, bids and
// withdrawals and checks that the engine's token custody always equals the
// escrow balances plus the unsettled pool.
func TestEscrow_CustodyMatchesLedger(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("custody equals escrow plus pool", prop.ForAll(
		func(ops []int) bool {
			env := newTestEnv(t)
			ctx := context.Background()
			creator := common.HexToAddress("0x00000000000000000000000000000000000c0de0")
			users := []common.Address{
				common.BigToAddress(big.NewInt(1)),
				common.BigToAddress(big.NewInt(2)),
				common.BigToAddress(big.NewInt(3)),
			}
			for _, u := range users {
				env.token.Mint(ctx, u, tokens("1000"))
				env.token.Approve(ctx, u, engineAddr, tokens("1000"))
			}
			id, err := env.engine.StartAuction(ctx, core.StartAuctionCmd{
				Caller: creator, EndTime: t0.Add(time.Hour), BiddingUnit: tokens("0.5"),
			})
			if err != nil {
				return false
			}

			pool := fpmath.Quantity{}
			balanced := func() bool {
				custody, _ := env.token.BalanceOf(ctx, engineAddr)
				sum := pool
				for _, u := range users {
					sum = sum.Add(env.engine.BalanceOf(u))
				}
				return custody.Cmp(sum) == 0 && env.engine.CheckInvariants() == nil
			}

			for _, v := range ops {
				u := users[(v/3)%len(users)]
				n := uint64(v%7 + 1)
				switch v % 3 {
				case 0:
					env.engine.AddBalance(ctx, core.AddBalanceCmd{Caller: u, Amount: tokens("0.5").MulUint64(n)})
				case 1:
					bid, err := env.engine.PlaceBid(ctx, core.PlaceBidCmd{Caller: u, AuctionID: id, Bid: core.BidInput{Multiplier: n}})
					if err == nil {
						pool = pool.Add(bid.Amount)
					}
				case 2:
					env.engine.WithdrawBalance(ctx, core.WithdrawBalanceCmd{Caller: u})
				}
				if !balanced() {
					return false
				}
			}

			env.clock.Advance(2 * time.Hour)
			paid, err := env.engine.WithdrawBidPool(ctx, core.WithdrawBidPoolCmd{Caller: creator, AuctionID: id})
			if err != nil || paid.Cmp(pool) != 0 {
				return false
			}
			pool = fpmath.Quantity{}
			return balanced()
		},
		gen.SliceOf(gen.IntRange(0, 200)),
	))

	properties.TestingRun(t)
}
