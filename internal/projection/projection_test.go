package projection_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"LubaLedger/internal/clock"
	"LubaLedger/internal/core"
	"LubaLedger/internal/credential"
	fpmath "LubaLedger/internal/math"
	"LubaLedger/internal/projection"
	"LubaLedger/internal/token"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	engineAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	bidder     = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	creator    = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
)

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

// auctionOutputs returns the AuctionCreated and BidPlaced outputs of a
// small engine run.
func auctionOutputs(t *testing.T) []core.CoreOutput {
	t.Helper()
	ctx := context.Background()
	out := make(chan core.CoreOutput, 16)
	clk := clock.NewManual(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	tok := token.NewMemoryToken("USDC")
	eng := core.NewEngine(core.Options{
		Address:        engineAddr,
		Token:          tok,
		Clock:          clk,
		Authority:      credential.NewAuthority(credential.NewDomain(23295, engineAddr), clk),
		ProjectionChan: out,
	})

	unit := fpmath.MustParseQuantity("1", fpmath.TokenConfig)
	require.NoError(t, tok.Mint(ctx, bidder, unit))
	require.NoError(t, tok.Approve(ctx, bidder, engineAddr, unit))

	id, err := eng.StartAuction(ctx, core.StartAuctionCmd{Caller: creator, EndTime: clk.Now().Add(time.Hour), BiddingUnit: unit})
	require.NoError(t, err)
	require.NoError(t, eng.AddBalance(ctx, core.AddBalanceCmd{Caller: bidder, Amount: unit}))
	_, err = eng.PlaceBid(ctx, core.PlaceBidCmd{Caller: bidder, AuctionID: id, Bid: core.BidInput{Multiplier: 1}})
	require.NoError(t, err)

	close(out)
	var outputs []core.CoreOutput
	for o := range out {
		outputs = append(outputs, o)
	}
	require.Len(t, outputs, 3) // created, deposited, bid
	return outputs
}

func expectWatermarkLoad(mock sqlmock.Sqlmock, seq int64) {
	rows := sqlmock.NewRows([]string{"last_sequence"})
	if seq > 0 {
		rows.AddRow(seq)
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT last_sequence FROM projections.watermark")).
		WithArgs(projection.AuctionsProjection).
		WillReturnRows(rows)
}

func expectWatermark(mock sqlmock.Sqlmock, seq int64) {
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO projections.watermark")).
		WithArgs(projection.AuctionsProjection, seq).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func eventRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"sequence", "event_type", "payload"})
}

// ============================================================================
// Worker
// ============================================================================

func TestProjectionWorker_AppliesInOrder(t *testing.T) {
	db, mock := newSQLMockDB(t)
	outputs := auctionOutputs(t)

	expectWatermarkLoad(mock, 0)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO projections.auctions")).
		WithArgs(int64(0), creator.Hex(), sqlmock.AnyArg(), "1000000000000000000", sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectWatermark(mock, 1)
	mock.ExpectCommit()

	// The deposit touches no auction; only the watermark moves.
	mock.ExpectBegin()
	expectWatermark(mock, 2)
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE projections.auctions SET bids_count = bids_count + 1")).
		WithArgs(int64(0), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectWatermark(mock, 3)
	mock.ExpectCommit()

	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)

	w := projection.NewProjectionWorker(db, in, nil)
	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, int64(3), w.LastSequence())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectionWorker_SkipsAlreadyApplied(t *testing.T) {
	db, mock := newSQLMockDB(t)
	outputs := auctionOutputs(t)

	expectWatermarkLoad(mock, 3)

	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)

	w := projection.NewProjectionWorker(db, in, nil)
	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, int64(3), w.LastSequence())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectionWorker_FillsDroppedEventsFromLog(t *testing.T) {
	db, mock := newSQLMockDB(t)
	outputs := auctionOutputs(t)

	expectWatermarkLoad(mock, 0)

	// Sequences 1 and 2 were dropped; catch up from the event log.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence, event_type, payload FROM event_log.events")).
		WithArgs(int64(1), int64(2), sqlmock.AnyArg()).
		WillReturnRows(eventRows().
			AddRow(int64(1), "AuctionCreated", outputs[0].Envelope.Payload).
			AddRow(int64(2), "BalanceDeposited", outputs[1].Envelope.Payload))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO projections.auctions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence, event_type, payload FROM event_log.events")).
		WithArgs(int64(3), int64(2), sqlmock.AnyArg()).
		WillReturnRows(eventRows())
	expectWatermark(mock, 2)
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE projections.auctions SET bids_count = bids_count + 1")).
		WithArgs(int64(0), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectWatermark(mock, 3)
	mock.ExpectCommit()

	in := make(chan core.CoreOutput, 1)
	in <- outputs[2]
	close(in)

	w := projection.NewProjectionWorker(db, in, nil)
	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, int64(3), w.LastSequence())
	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// Rebuild
// ============================================================================

func TestRebuildProjections(t *testing.T) {
	db, mock := newSQLMockDB(t)
	outputs := auctionOutputs(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("TRUNCATE projections.auctions")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM projections.watermark")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	page := eventRows()
	for _, o := range outputs {
		page.AddRow(o.Envelope.Sequence, o.Envelope.EventType.String(), o.Envelope.Payload)
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM event_log.events")).
		WithArgs(int64(1), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(page)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO projections.auctions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE projections.auctions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM event_log.events")).
		WithArgs(int64(4), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(eventRows())
	expectWatermark(mock, 3)
	mock.ExpectCommit()

	last, err := projection.RebuildProjections(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuildProjections_StopsAtGap(t *testing.T) {
	db, mock := newSQLMockDB(t)
	outputs := auctionOutputs(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("TRUNCATE projections.auctions")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM projections.watermark")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM event_log.events")).
		WillReturnRows(eventRows().
			AddRow(int64(1), "AuctionCreated", outputs[0].Envelope.Payload).
			AddRow(int64(3), "BidPlaced", outputs[2].Envelope.Payload))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO projections.auctions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	_, err := projection.RebuildProjections(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gap at 2")
	require.NoError(t, mock.ExpectationsWereMet())
}
