package projection

import (
	"context"
	"database/sql"
	"fmt"

	"LubaLedger/internal/event"
)

// AuctionsProjection is the name under which the auctions view records its
// watermark.
const AuctionsProjection = "auctions"

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// applyAuctionEvent folds one event into projections.auctions. Updates are
// guarded by last_sequence so a replayed event has no effect. Events that do
// not touch the public auction view are ignored.
func applyAuctionEvent(ctx context.Context, ex execer, seq int64, evt event.Event) error {
	switch e := evt.(type) {
	case *event.AuctionCreated:
		_, err := ex.ExecContext(ctx, `
			INSERT INTO projections.auctions
				(auction_id, creator, end_time, bidding_unit, bids_count, closed, withdrawn, created_at, last_sequence)
			VALUES ($1, $2, $3, $4, 0, FALSE, FALSE, $5, $6)
			ON CONFLICT (auction_id) DO NOTHING
		`, int64(e.AuctionID), e.Creator.Hex(), e.EndTime, e.BiddingUnit.String(), e.Timestamp, seq)
		return err

	case *event.BidPlaced:
		return updateAuction(ctx, ex, seq, e.AuctionID, `bids_count = bids_count + 1`)

	case *event.AuctionClosed:
		return updateAuction(ctx, ex, seq, e.AuctionID, `closed = TRUE`)

	case *event.PoolWithdrawalRequested:
		return updateAuction(ctx, ex, seq, e.AuctionID, `withdrawn = TRUE`)

	case *event.PoolWithdrawalRejected:
		return updateAuction(ctx, ex, seq, e.AuctionID, `withdrawn = FALSE`)
	}
	return nil
}

func updateAuction(ctx context.Context, ex execer, seq int64, auctionID uint64, set string) error {
	_, err := ex.ExecContext(ctx, fmt.Sprintf(`
		UPDATE projections.auctions SET %s, last_sequence = $2
		WHERE auction_id = $1 AND last_sequence < $2
	`, set), int64(auctionID), seq)
	return err
}

func advanceWatermark(ctx context.Context, ex execer, name string, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE
			SET last_sequence = GREATEST(projections.watermark.last_sequence, EXCLUDED.last_sequence),
			    updated_at = NOW()
	`, name, seq)
	return err
}
