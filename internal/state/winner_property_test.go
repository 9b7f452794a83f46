//go:build property
// +build property

package state_test

import (
	"math/big"
	"testing"

	"LubaLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func buildLog(amounts []uint8) []state.Bid {
	l := state.NewBidLog(0)
	for i, a := range amounts {
		l.Append(common.BigToAddress(big.NewInt(int64(i%5+1))), amt(int64(a)))
	}
	return l.All()
}

// TestResolveWinner_Properties checks the winner against a brute-force
// reading of the rule.
func TestResolveWinner_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("winner amount has the minimum occurrence count", prop.ForAll(
		func(amounts []uint8) bool {
			if len(amounts) == 0 {
				return true
			}
			w, err := state.ResolveWinner(buildLog(amounts))
			if err != nil {
				return false
			}

			counts := map[uint8]int{}
			for _, a := range amounts {
				counts[a]++
			}
			minCount := len(amounts)
			for _, c := range counts {
				if c < minCount {
					minCount = c
				}
			}
			return counts[uint8(w.Amount.BigInt().Int64())] == minCount
		},
		gen.SliceOf(gen.UInt8Range(1, 20)),
	))

	properties.Property("no lower amount shares the minimum count", prop.ForAll(
		func(amounts []uint8) bool {
			if len(amounts) == 0 {
				return true
			}
			w, _ := state.ResolveWinner(buildLog(amounts))
			won := uint8(w.Amount.BigInt().Int64())

			counts := map[uint8]int{}
			for _, a := range amounts {
				counts[a]++
			}
			for a, c := range counts {
				if a < won && c <= counts[won] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8Range(1, 20)),
	))

	properties.Property("winner is the first placement of its amount", prop.ForAll(
		func(amounts []uint8) bool {
			if len(amounts) == 0 {
				return true
			}
			w, _ := state.ResolveWinner(buildLog(amounts))
			for i, a := range amounts {
				if int64(a) == w.Amount.BigInt().Int64() {
					return uint64(i) == w.Sequence
				}
			}
			return false
		},
		gen.SliceOf(gen.UInt8Range(1, 20)),
	))

	properties.TestingRun(t)
}
