package ledger_test

import (
	"testing"
	"time"

	"LubaLedger/internal/event"
	"LubaLedger/internal/ledger"
	fpmath "LubaLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func q(v int64) fpmath.Quantity { return fpmath.QuantityFromInt64(v) }

func depositJournal(user common.Address, amount int64) ledger.Journal {
	return ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewUserAccountKey(user, ledger.SubTypeEscrow, ledger.AssetUSDC),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetUSDC),
		AssetID:       ledger.AssetUSDC,
		Amount:        q(amount),
	}
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	key := ledger.NewUserAccountKey(alice, ledger.SubTypeEscrow, ledger.AssetUSDC)

	path := key.AccountPath()
	expected := "user:" + alice.Hex() + ":escrow:USDC"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_AuctionPath(t *testing.T) {
	key := ledger.NewAuctionAccountKey(7, ledger.SubTypeSystemAuctionPool, ledger.AssetUSDC)

	if path := key.AccountPath(); path != "system:7:auction_pool:USDC" {
		t.Errorf("got %q, want %q", path, "system:7:auction_pool:USDC")
	}
	if key.AuctionID() != 7 {
		t.Errorf("auction id: got %d, want 7", key.AuctionID())
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetUSDC)

	if path := key.AccountPath(); path != "external:deposits:USDC" {
		t.Errorf("got %q, want %q", path, "external:deposits:USDC")
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewUserAccountKey(alice, ledger.SubTypeEscrow, ledger.AssetUSDC),
		ledger.NewUserAccountKey(bob, ledger.SubTypePendingWithdrawal, ledger.AssetUSDC),
		ledger.NewAuctionAccountKey(1<<40, ledger.SubTypeSystemPendingPayout, ledger.AssetUSDC),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalPayouts, ledger.AssetUSDC),
	}

	for _, k := range keys {
		got, err := ledger.ParseAccountPath(k.AccountPath())
		if err != nil {
			t.Fatalf("parse %q: %v", k.AccountPath(), err)
		}
		if got != k {
			t.Errorf("round trip %q: got %+v", k.AccountPath(), got)
		}
	}
}

func TestParseAccountPath_Malformed(t *testing.T) {
	for _, path := range []string{
		"",
		"user:escrow:USDC",
		"user:nothex:escrow:USDC",
		"system:abc:auction_pool:USDC",
		"external:deposits:DOGE",
		"vault:deposits:USDC",
	} {
		if _, err := ledger.ParseAccountPath(path); err == nil {
			t.Errorf("expected error for %q", path)
		}
	}
}

func TestGetAssetID_Unknown(t *testing.T) {
	if _, ok := ledger.GetAssetID("DOGE"); ok {
		t.Error("DOGE should not be a known asset")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if !bt.GetEscrow(alice).IsZero() {
		t.Errorf("initial balance should be 0, got %s", bt.GetEscrow(alice))
	}
}

func TestBalanceTracker_ApplyJournal(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	bt.ApplyJournal(depositJournal(alice, 1_000_000))

	if bt.GetEscrow(alice).Cmp(q(1_000_000)) != 0 {
		t.Errorf("escrow: got %s, want 1000000", bt.GetEscrow(alice))
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	bt.ApplyJournal(depositJournal(alice, 1_000_000))
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewAuctionAccountKey(0, ledger.SubTypeSystemAuctionPool, ledger.AssetUSDC),
		CreditAccount: ledger.NewUserAccountKey(alice, ledger.SubTypeEscrow, ledger.AssetUSDC),
		AssetID:       ledger.AssetUSDC,
		Amount:        q(300_000),
	})

	for aid, total := range bt.ComputeGlobalBalance() {
		if !total.IsZero() {
			t.Errorf("asset %d has non-zero global balance: %s", aid, total)
		}
	}
	if bt.GetAuctionPool(0).Cmp(q(300_000)) != 0 {
		t.Errorf("pool: got %s", bt.GetAuctionPool(0))
	}
}

func TestBalanceTracker_ValidateSufficientEscrow(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if err := bt.ValidateSufficientEscrow(alice, q(100)); err == nil {
		t.Error("expected error for insufficient balance")
	}

	bt.ApplyJournal(depositJournal(alice, 1_000))

	if err := bt.ValidateSufficientEscrow(alice, q(1_000)); err != nil {
		t.Errorf("should have sufficient balance: %v", err)
	}
	if err := bt.ValidateSufficientEscrow(alice, q(1_001)); err == nil {
		t.Error("expected error for 1001 > 1000")
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.ApplyJournal(depositJournal(alice, 999))

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	for k := range snap {
		snap[k] = q(0)
	}

	if bt.GetEscrow(alice).Cmp(q(999)) != 0 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate(t *testing.T) {
	batchID := uuid.New()
	escrow := ledger.NewUserAccountKey(alice, ledger.SubTypeEscrow, ledger.AssetUSDC)
	deposits := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetUSDC)

	tests := []struct {
		name    string
		journal ledger.Journal
		wantErr bool
	}{
		{"valid", ledger.Journal{BatchID: batchID, DebitAccount: escrow, CreditAccount: deposits, Amount: q(1)}, false},
		{"zero amount", ledger.Journal{BatchID: batchID, DebitAccount: escrow, CreditAccount: deposits, Amount: q(0)}, true},
		{"negative amount", ledger.Journal{BatchID: batchID, DebitAccount: escrow, CreditAccount: deposits, Amount: q(-5)}, true},
		{"self transfer", ledger.Journal{BatchID: batchID, DebitAccount: escrow, CreditAccount: escrow, Amount: q(1)}, true},
		{"mismatched batch", ledger.Journal{BatchID: uuid.New(), DebitAccount: escrow, CreditAccount: deposits, Amount: q(1)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{tt.journal}}
			err := batch.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	empty := &ledger.Batch{BatchID: batchID}
	if err := empty.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestJournalGenerator_FullAuctionFlowIsZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)
	v := ledger.NewInvariantValidator(bt)
	now := time.Unix(1700000000, 0)
	settlement := uuid.New()

	events := []event.Event{
		&event.AuctionCreated{Key: "c", AuctionID: 0, Creator: bob},
		&event.BalanceDeposited{Key: "d", Account: alice, Amount: q(500), Timestamp: now},
		&event.BidPlaced{Key: "b1", AuctionID: 0, Bidder: alice, Amount: q(200), Timestamp: now},
		&event.BidPlaced{Key: "b2", AuctionID: 0, Bidder: alice, Amount: q(100), Timestamp: now},
		&event.PoolWithdrawalRequested{SettlementID: settlement, AuctionID: 0, Creator: bob, Amount: q(300), Timestamp: now},
		&event.PoolWithdrawalConfirmed{SettlementID: settlement, AuctionID: 0, Creator: bob, Amount: q(300), Timestamp: now},
	}

	for i, evt := range events {
		batch, err := gen.Generate(evt, int64(i))
		if err != nil {
			t.Fatalf("event %d (%s): %v", i, evt.EventType(), err)
		}
		if batch == nil {
			continue
		}
		if err := bt.ApplyBatch(batch); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
		if err := v.ValidateAccountsNonNegative(batch); err != nil {
			t.Fatalf("non-negative after %d: %v", i, err)
		}
	}

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}
	if bt.GetEscrow(alice).Cmp(q(200)) != 0 {
		t.Errorf("alice escrow: got %s, want 200", bt.GetEscrow(alice))
	}
	if !bt.GetAuctionPool(0).IsZero() {
		t.Errorf("pool should be drained, got %s", bt.GetAuctionPool(0))
	}
}

func TestJournalGenerator_BidRequiresEscrow(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)

	_, err := gen.Generate(&event.BidPlaced{AuctionID: 0, Bidder: alice, Amount: q(1)}, 1)
	if err == nil {
		t.Fatal("bid without escrow should fail the pre-check")
	}
}

func TestJournalGenerator_WithdrawalRejectRestoresEscrow(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)
	bt.ApplyJournal(depositJournal(alice, 50))
	wid := uuid.New()

	steps := []event.Event{
		&event.WithdrawalRequested{WithdrawalID: wid, Account: alice, Amount: q(50)},
		&event.WithdrawalRejected{WithdrawalID: wid, Account: alice, Amount: q(50), Reason: "boom"},
	}
	for i, evt := range steps {
		batch, err := gen.Generate(evt, int64(i))
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if err := bt.ApplyBatch(batch); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	if bt.GetEscrow(alice).Cmp(q(50)) != 0 {
		t.Errorf("escrow should be restored: got %s", bt.GetEscrow(alice))
	}
	if !bt.GetPendingWithdrawal(alice).IsZero() {
		t.Errorf("pending should be empty: got %s", bt.GetPendingWithdrawal(alice))
	}
}

func TestJournalGenerator_ZeroAmountProducesNoBatch(t *testing.T) {
	gen := ledger.NewJournalGenerator(ledger.NewBalanceTracker())

	batch, err := gen.Generate(&event.WithdrawalRequested{WithdrawalID: uuid.New(), Account: alice}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch != nil {
		t.Errorf("expected nil batch for zero withdrawal, got %+v", batch)
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_GlobalBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("empty ledger should have zero global balance: %v", err)
	}

	bt.ApplyJournal(depositJournal(alice, 1_000_000))

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("balanced ledger should have zero global balance: %v", err)
	}
}

func TestInvariantValidator_GlobalBalanceDetectsDrift(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	bt.SetBalance(ledger.NewUserAccountKey(alice, ledger.SubTypeEscrow, ledger.AssetUSDC), q(10))

	if err := v.ValidateGlobalBalance(); err == nil {
		t.Error("unbalanced ledger should be reported")
	}
}
