package query_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"LubaLedger/internal/core"
	"LubaLedger/internal/query"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

var auctionColumns = []string{
	"auction_id", "creator", "end_time", "bidding_unit", "bids_count",
	"closed", "withdrawn", "created_at", "last_sequence",
}

const creatorHex = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"

func expectWatermark(mock sqlmock.Sqlmock, seq int64) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT last_sequence FROM projections.watermark")).
		WithArgs("auctions").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(seq))
}

func TestListAuctions(t *testing.T) {
	db, mock := newSQLMockDB(t)
	qs := query.NewQueryService(db, nil)
	end := time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)

	expectWatermark(mock, 42)
	mock.ExpectQuery(regexp.QuoteMeta("FROM projections.auctions")+".*"+regexp.QuoteMeta("ORDER BY auction_id ASC LIMIT $1 OFFSET $2")).
		WithArgs(int64(query.DefaultPageSize), int64(0)).
		WillReturnRows(sqlmock.NewRows(auctionColumns).
			AddRow(int64(0), creatorHex, end, "500000000000000000", int64(3), false, false, end.Add(-time.Hour), int64(40)).
			AddRow(int64(1), creatorHex, end, "1000000000000000000", int64(0), true, true, end.Add(-time.Hour), int64(41)))

	page, err := qs.ListAuctions(context.Background(), query.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(42), page.AsOfSequence)
	require.Len(t, page.Auctions, 2)
	assert.Equal(t, uint64(3), page.Auctions[0].BidsCount)
	assert.Equal(t, "500000000000000000", page.Auctions[0].BiddingUnit)
	assert.True(t, page.Auctions[1].Withdrawn)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAuctions_FilterAndClamp(t *testing.T) {
	db, mock := newSQLMockDB(t)
	qs := query.NewQueryService(db, nil)

	expectWatermark(mock, 0)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE creator = $1 AND end_time > NOW() ORDER BY auction_id ASC LIMIT $2 OFFSET $3")).
		WithArgs(creatorHex, int64(query.MaxPageSize), int64(10)).
		WillReturnRows(sqlmock.NewRows(auctionColumns))

	page, err := qs.ListAuctions(context.Background(), query.ListFilter{
		Creator: creatorHex, ActiveOnly: true, Offset: 10, Limit: 10_000,
	})
	require.NoError(t, err)
	assert.Empty(t, page.Auctions)
	assert.NotNil(t, page.Auctions)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAuction(t *testing.T) {
	db, mock := newSQLMockDB(t)
	qs := query.NewQueryService(db, nil)
	end := time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE auction_id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(auctionColumns).
			AddRow(int64(7), creatorHex, end, "1", int64(2), false, false, end, int64(9)))
	a, err := qs.GetAuction(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), a.AuctionID)
	assert.Equal(t, uint64(2), a.BidsCount)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE auction_id = $1")).
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows(auctionColumns))
	_, err = qs.GetAuction(context.Background(), 8)
	assert.ErrorIs(t, err, query.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyIntegrity(t *testing.T) {
	genesis := core.GenesisHash()

	tests := []struct {
		name    string
		count   int64
		max     int64
		prev    []byte
		breaks  []int64
		healthy bool
	}{
		{name: "healthy", count: 5, max: 5, prev: genesis[:], healthy: true},
		{name: "gap", count: 4, max: 5, prev: genesis[:], healthy: false},
		{name: "bad genesis", count: 5, max: 5, prev: make([]byte, 32), healthy: false},
		{name: "broken link", count: 5, max: 5, prev: genesis[:], breaks: []int64{3}, healthy: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newSQLMockDB(t)
			qs := query.NewQueryService(db, nil)

			mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*), COALESCE(MAX(sequence), 0)")).
				WillReturnRows(sqlmock.NewRows([]string{"count", "max"}).AddRow(tt.count, tt.max))
			mock.ExpectQuery(regexp.QuoteMeta("SELECT prev_hash FROM event_log.events WHERE sequence = 1")).
				WillReturnRows(sqlmock.NewRows([]string{"prev_hash"}).AddRow(tt.prev))
			breaks := sqlmock.NewRows([]string{"sequence"})
			for _, b := range tt.breaks {
				breaks.AddRow(b)
			}
			mock.ExpectQuery(regexp.QuoteMeta("WHERE e1.prev_hash != e2.state_hash")).
				WillReturnRows(breaks)
			expectWatermark(mock, 3)

			report, err := qs.VerifyIntegrity(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.healthy, report.IsHealthy)
			assert.Equal(t, tt.breaks, report.HashChainBreaks)
			assert.Equal(t, int64(tt.max-3), report.ProjectionLag)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
