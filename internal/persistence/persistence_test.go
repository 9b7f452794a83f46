package persistence_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"LubaLedger/internal/clock"
	"LubaLedger/internal/core"
	"LubaLedger/internal/credential"
	fpmath "LubaLedger/internal/math"
	"LubaLedger/internal/persistence"
	"LubaLedger/internal/token"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

var (
	engineAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	alice      = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	creator    = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	t0         = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func newEngine(t *testing.T, persist chan core.CoreOutput) (*core.Engine, *token.MemoryToken, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	tok := token.NewMemoryToken("USDC")
	eng := core.NewEngine(core.Options{
		Address:     engineAddr,
		Token:       tok,
		Clock:       clk,
		Authority:   credential.NewAuthority(credential.NewDomain(23295, engineAddr), clk),
		PersistChan: persist,
	})
	return eng, tok, clk
}

func tokens(s string) fpmath.Quantity {
	return fpmath.MustParseQuantity(s, fpmath.TokenConfig)
}

// runFlow produces deposit, auction and bid events.
func runFlow(t *testing.T, eng *core.Engine, tok *token.MemoryToken, clk *clock.Manual) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, tok.Mint(ctx, alice, tokens("10")))
	require.NoError(t, tok.Approve(ctx, alice, engineAddr, tokens("10")))
	require.NoError(t, eng.AddBalance(ctx, core.AddBalanceCmd{Key: "dep-1", Caller: alice, Amount: tokens("10")}))

	id, err := eng.StartAuction(ctx, core.StartAuctionCmd{Caller: creator, EndTime: clk.Now().Add(time.Hour), BiddingUnit: tokens("0.5")})
	require.NoError(t, err)
	_, err = eng.PlaceBid(ctx, core.PlaceBidCmd{Caller: alice, AuctionID: id, Bid: core.BidInput{Multiplier: 3}})
	require.NoError(t, err)
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

// ============================================================================
// Writer
// ============================================================================

func TestFromCoreOutput(t *testing.T) {
	persist := make(chan core.CoreOutput, 64)
	eng, tok, clk := newEngine(t, persist)
	runFlow(t, eng, tok, clk)

	outputs := drain(persist)
	require.Len(t, outputs, 3)

	deposit := persistence.FromCoreOutput(outputs[0])
	assert.Equal(t, int64(1), deposit.EventRow.Sequence)
	assert.Equal(t, "BalanceDeposited", deposit.EventRow.EventType)
	assert.Equal(t, "dep-1", deposit.EventRow.IdempotencyKey)
	assert.Nil(t, deposit.EventRow.AuctionID)
	assert.Len(t, deposit.EventRow.StateHash, 32)
	require.Len(t, deposit.JournalRows, 1)
	j := deposit.JournalRows[0]
	assert.Equal(t, "user:"+alice.Hex()+":escrow:USDC", j.DebitAccount)
	assert.Equal(t, "external:deposits:USDC", j.CreditAccount)
	assert.Equal(t, tokens("10").String(), j.Amount)
	assert.Equal(t, "deposit", j.JournalType)

	created := persistence.FromCoreOutput(outputs[1])
	require.NotNil(t, created.EventRow.AuctionID)
	assert.Equal(t, int64(0), *created.EventRow.AuctionID)
	assert.Empty(t, created.JournalRows)
	assert.Equal(t, deposit.EventRow.StateHash, created.EventRow.PrevHash)

	bid := persistence.FromCoreOutput(outputs[2])
	require.Len(t, bid.JournalRows, 1)
	assert.Equal(t, "system:0:auction_pool:USDC", bid.JournalRows[0].DebitAccount)
	assert.Equal(t, "bid_escrow", bid.JournalRows[0].JournalType)
}

func TestWriteOutputs_SingleTransaction(t *testing.T) {
	db, mock := newSQLMockDB(t)
	w := persistence.NewEventLogWriter(db)

	events := []persistence.EventRow{
		{Sequence: 1, EventType: "BalanceDeposited", IdempotencyKey: "k1", Payload: []byte(`{}`), StateHash: make([]byte, 32), PrevHash: make([]byte, 32), Timestamp: t0},
		{Sequence: 2, EventType: "AuctionCreated", IdempotencyKey: "k2", Payload: []byte(`{}`), StateHash: make([]byte, 32), PrevHash: make([]byte, 32), Timestamp: t0},
	}
	journals := []persistence.JournalRow{
		{JournalID: "11111111-1111-1111-1111-111111111111", BatchID: "22222222-2222-2222-2222-222222222222", EventRef: "k1", Sequence: 1, DebitAccount: "a", CreditAccount: "b", AssetID: 1, Amount: "10", JournalType: "deposit", Timestamp: 1},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_log.events")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_log.journal")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, w.WriteOutputs(context.Background(), events, journals))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteOutputs_RollsBackOnJournalFailure(t *testing.T) {
	db, mock := newSQLMockDB(t)
	w := persistence.NewEventLogWriter(db)
	boom := errors.New("constraint violation")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_log.events")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_log.journal")).
		WillReturnError(boom)
	mock.ExpectRollback()

	err := w.WriteOutputs(context.Background(),
		[]persistence.EventRow{{Sequence: 1, EventType: "BalanceDeposited", StateHash: make([]byte, 32), PrevHash: make([]byte, 32), Timestamp: t0}},
		[]persistence.JournalRow{{JournalID: "j", Amount: "1"}},
	)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "write_journals")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistenceWorker_FlushesOnClose(t *testing.T) {
	db, mock := newSQLMockDB(t)
	persist := make(chan core.CoreOutput, 64)
	eng, tok, clk := newEngine(t, persist)
	runFlow(t, eng, tok, clk)
	close(persist)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_log.events")).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_log.journal")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	published := make(chan core.CoreOutput, 8)
	w := persistence.NewPersistenceWorker(db, persist, 100, time.Hour, nil)
	w.SetPublishChannel(published)
	require.NoError(t, w.Run(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Len(t, published, 3)
}

// ============================================================================
// Idempotency tier 2
// ============================================================================

func TestPostgresIdempotencyChecker(t *testing.T) {
	db, mock := newSQLMockDB(t)
	checker := persistence.NewPostgresIdempotencyChecker(db)
	q := regexp.QuoteMeta("FROM event_log.events")

	mock.ExpectQuery(q).WithArgs("BidPlaced", "seen").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))
	dup, err := checker.IsDuplicate("BidPlaced", "seen")
	require.NoError(t, err)
	assert.True(t, dup)

	mock.ExpectQuery(q).WithArgs("BidPlaced", "fresh").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}))
	dup, err = checker.IsDuplicate("BidPlaced", "fresh")
	require.NoError(t, err)
	assert.False(t, dup)

	mock.ExpectQuery(q).WithArgs("BidPlaced", "down").
		WillReturnError(errors.New("connection refused"))
	_, err = checker.IsDuplicate("BidPlaced", "down")
	assert.Error(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// Migrator
// ============================================================================

func TestMigrator_AppliesOnlyPending(t *testing.T) {
	db, mock := newSQLMockDB(t)
	fsys := fstest.MapFS{
		"000001_a.up.sql":   {Data: []byte("CREATE TABLE a (id INT);")},
		"000001_a.down.sql": {Data: []byte("DROP TABLE a;")},
		"000002_b.up.sql":   {Data: []byte("CREATE TABLE b (id INT);")},
		"000002_b.down.sql": {Data: []byte("DROP TABLE b;")},
	}
	m := persistence.NewMigrator(db, fsys)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS public.schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM public.schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("000001"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE b (id INT);")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO public.schema_migrations")).
		WithArgs("000002", "000002_b.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.Up(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_DownRollsBackLatest(t *testing.T) {
	db, mock := newSQLMockDB(t)
	fsys := fstest.MapFS{
		"000002_b.up.sql":   {Data: []byte("CREATE TABLE b (id INT);")},
		"000002_b.down.sql": {Data: []byte("DROP TABLE b;")},
	}
	m := persistence.NewMigrator(db, fsys)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS public.schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, filename FROM public.schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "filename"}).AddRow("000002", "000002_b.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE b;")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM public.schema_migrations")).
		WithArgs("000002").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.Down(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// Snapshots and recovery
// ============================================================================

func TestSnapshotData_RoundTrip(t *testing.T) {
	eng, tok, clk := newEngine(t, nil)
	runFlow(t, eng, tok, clk)

	stored := persistence.FromCoreSnapshot(eng.CreateSnapshotState(), t0)
	assert.Equal(t, int64(3), stored.Sequence)
	assert.Contains(t, stored.Balances, "external:deposits:USDC")

	back, err := stored.ToCoreSnapshot()
	require.NoError(t, err)

	restored, _, _ := newEngine(t, nil)
	require.NoError(t, restored.RestoreFromSnapshot(back))
	assert.Equal(t, eng.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, 0, restored.BalanceOf(alice).Cmp(tokens("8.5")))
}

func TestSnapshotData_RejectsBadPath(t *testing.T) {
	stored := &persistence.SnapshotData{
		StateHash: make([]byte, 32),
		Balances:  map[string]string{"nowhere:1": "5"},
	}
	_, err := stored.ToCoreSnapshot()
	assert.Error(t, err)
}

func TestTakeSnapshot_VerifiesAfterLogCatchesUp(t *testing.T) {
	db, mock := newSQLMockDB(t)
	eng, tok, clk := newEngine(t, nil)
	runFlow(t, eng, tok, clk)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_log.snapshots")).
		WithArgs(sqlmock.AnyArg(), int64(3), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(1), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(sequence) FROM event_log.events")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(3)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE event_log.snapshots SET verified = TRUE")).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	seq, err := persistence.TakeSnapshot(context.Background(), eng, persistence.NewSnapshotManager(db), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTakeSnapshot_LeavesUnverifiedWhenLogBehind(t *testing.T) {
	db, mock := newSQLMockDB(t)
	eng, tok, clk := newEngine(t, nil)
	runFlow(t, eng, tok, clk)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_log.snapshots")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(sequence) FROM event_log.events")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(1)))

	_, err := persistence.TakeSnapshot(context.Background(), eng, persistence.NewSnapshotManager(db), nil)
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func eventColumns() []string {
	return []string{"sequence", "event_type", "idempotency_key", "auction_id", "payload", "state_hash", "prev_hash", "timestamp"}
}

func rowValues(r persistence.EventRow) []driver.Value {
	var auctionID driver.Value
	if r.AuctionID != nil {
		auctionID = *r.AuctionID
	}
	return []driver.Value{r.Sequence, r.EventType, r.IdempotencyKey, auctionID, r.Payload, r.StateHash, r.PrevHash, r.Timestamp}
}

func TestRecover_ReplaysLogFromScratch(t *testing.T) {
	persist := make(chan core.CoreOutput, 64)
	live, tok, clk := newEngine(t, persist)
	runFlow(t, live, tok, clk)

	rows := sqlmock.NewRows(eventColumns())
	for _, out := range drain(persist) {
		rows.AddRow(rowValues(persistence.FromCoreOutput(out).EventRow)...)
	}

	db, mock := newSQLMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM event_log.snapshots")).
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	mock.ExpectQuery(regexp.QuoteMeta("FROM event_log.events")).
		WithArgs(int64(1), sqlmock.AnyArg()).
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM event_log.events")).
		WithArgs(int64(4), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(eventColumns()))

	replica, _, _ := newEngine(t, nil)
	stats, err := persistence.Recover(context.Background(), replica, persistence.NewSnapshotManager(db), nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Replayed)
	assert.Equal(t, live.GetStateHash(), stats.Tip)
	assert.Equal(t, live.GetSequence(), replica.GetSequence())
	require.NoError(t, mock.ExpectationsWereMet())

	// Replayed keys are known to the dedup tier.
	err = replica.AddBalance(context.Background(), core.AddBalanceCmd{Key: "dep-1", Caller: alice, Amount: tokens("1")})
	assert.ErrorIs(t, err, core.ErrDuplicate)
}

func TestRecover_ReportsPayoutWithoutOutcome(t *testing.T) {
	persist := make(chan core.CoreOutput, 64)
	live, tok, clk := newEngine(t, persist)
	runFlow(t, live, tok, clk)
	_, err := live.WithdrawBalance(context.Background(), core.WithdrawBalanceCmd{Caller: alice})
	require.NoError(t, err)

	// The log stops after the request: the process died before the outcome.
	outputs := drain(persist)
	require.Len(t, outputs, 5)
	outputs = outputs[:4]

	rows := sqlmock.NewRows(eventColumns())
	for _, out := range outputs {
		rows.AddRow(rowValues(persistence.FromCoreOutput(out).EventRow)...)
	}
	db, mock := newSQLMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM event_log.snapshots")).
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	mock.ExpectQuery(regexp.QuoteMeta("FROM event_log.events")).
		WithArgs(int64(1), sqlmock.AnyArg()).
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM event_log.events")).
		WithArgs(int64(5), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(eventColumns()))

	replica, _, _ := newEngine(t, nil)
	stats, err := persistence.Recover(context.Background(), replica, persistence.NewSnapshotManager(db), nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.InFlight)
	require.NoError(t, mock.ExpectationsWereMet())

	// The pending payout survives a snapshot round trip.
	stored := persistence.FromCoreSnapshot(replica.CreateSnapshotState(), t0)
	require.Len(t, stored.InFlight, 1)
	back, err := stored.ToCoreSnapshot()
	require.NoError(t, err)
	restored, _, _ := newEngine(t, nil)
	require.NoError(t, restored.RestoreFromSnapshot(back))
	inflight := restored.InFlightPayouts()
	require.Len(t, inflight, 1)
	assert.Equal(t, core.PayoutWithdrawal, inflight[0].Kind)
	assert.Equal(t, alice, inflight[0].Recipient)
	assert.Equal(t, 0, inflight[0].Amount.Cmp(tokens("8.5")))
}

func TestRecover_FailsOnTamperedLog(t *testing.T) {
	persist := make(chan core.CoreOutput, 64)
	live, tok, clk := newEngine(t, persist)
	runFlow(t, live, tok, clk)

	outputs := drain(persist)
	rows := sqlmock.NewRows(eventColumns())
	for i, out := range outputs {
		r := persistence.FromCoreOutput(out).EventRow
		if i == len(outputs)-1 {
			r.StateHash[0] ^= 0xff
		}
		rows.AddRow(rowValues(r)...)
	}

	db, mock := newSQLMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM event_log.snapshots")).
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	mock.ExpectQuery(regexp.QuoteMeta("FROM event_log.events")).
		WillReturnRows(rows)

	replica, _, _ := newEngine(t, nil)
	_, err := persistence.Recover(context.Background(), replica, persistence.NewSnapshotManager(db), nil, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state hash mismatch")
}
