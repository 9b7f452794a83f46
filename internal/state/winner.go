package state

import (
	"errors"

	fpmath "LubaLedger/internal/math"
)

var ErrNoBids = errors.New("no bids")

// ResolveWinner picks the lowest unique bid from a log in placement order.
//
// Amounts are grouped by occurrence count. The winning amount is the lowest
// amount among those with the smallest count, and the winning bid is the
// first bid placed with that amount.
func ResolveWinner(bids []Bid) (Bid, error) {
	if len(bids) == 0 {
		return Bid{}, ErrNoBids
	}

	type group struct {
		amount fpmath.Quantity
		count  int
		first  int
	}

	groups := make(map[string]*group)
	order := make([]*group, 0)
	for i, b := range bids {
		k := b.Amount.String()
		g, ok := groups[k]
		if !ok {
			g = &group{amount: b.Amount, first: i}
			groups[k] = g
			order = append(order, g)
		}
		g.count++
	}

	var best *group
	for _, g := range order {
		switch {
		case best == nil:
			best = g
		case g.count < best.count:
			best = g
		case g.count == best.count && g.amount.Cmp(best.amount) < 0:
			best = g
		}
	}

	return bids[best.first], nil
}
