package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"LubaLedger/internal/clock"
	"LubaLedger/internal/core"
	"LubaLedger/internal/credential"
	"LubaLedger/internal/ingestion"
	fpmath "LubaLedger/internal/math"
	"LubaLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
)

var engineAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func newEngine(t *testing.T, persist chan core.CoreOutput) (*core.Engine, *token.MemoryToken, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
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

// settled records which settle callback a message received.
type settled struct {
	acked, naked, termed int
}

func (s *settled) raw(t *testing.T, command string, payload interface{}) ingestion.RawCommand {
	raw := rawFromJSON(t, command, payload)
	raw.AckFunc = func() { s.acked++ }
	raw.NakFunc = func() { s.naked++ }
	raw.TermFunc = func() { s.termed++ }
	return raw
}

func TestDispatcher_Outcomes(t *testing.T) {
	eng, _, clk := newEngine(t, nil)
	d := ingestion.NewDispatcher(eng, nil, nil)
	ctx := context.Background()

	var s settled
	start := map[string]interface{}{
		"idempotency_key": "create-1",
		"caller":          callerHex,
		"end_time":        clk.Now().Add(time.Hour).Unix(),
		"bidding_unit":    "1",
	}

	if got := d.Handle(ctx, s.raw(t, "start_auction", start)); got != ingestion.OutcomeApplied {
		t.Fatalf("first start: got %s, want applied", got)
	}
	if eng.AuctionCount() != 1 {
		t.Fatalf("auction count: got %d, want 1", eng.AuctionCount())
	}
	if got := d.Handle(ctx, s.raw(t, "start_auction", start)); got != ingestion.OutcomeDuplicate {
		t.Fatalf("redelivered start: got %s, want duplicate", got)
	}
	if eng.AuctionCount() != 1 {
		t.Fatalf("duplicate must not create an auction")
	}

	bidMissing := map[string]interface{}{"caller": callerHex, "auction_id": 7, "multiplier": 1}
	if got := d.Handle(ctx, s.raw(t, "place_bid", bidMissing)); got != ingestion.OutcomeRejected {
		t.Fatalf("bid on missing auction: got %s, want rejected", got)
	}

	if got := d.Handle(ctx, s.raw(t, "place_bid", map[string]interface{}{"caller": "nope"})); got != ingestion.OutcomeMalformed {
		t.Fatalf("malformed: got %s, want malformed", got)
	}

	if s.acked != 3 || s.naked != 0 || s.termed != 1 {
		t.Errorf("settlement: acked=%d naked=%d termed=%d, want 3/0/1", s.acked, s.naked, s.termed)
	}
}

type failingExecutor struct{ err error }

func (f failingExecutor) Execute(context.Context, core.Command) (core.Result, error) {
	return core.Result{}, f.err
}

func TestDispatcher_RetriesInternalFailures(t *testing.T) {
	d := ingestion.NewDispatcher(failingExecutor{err: errors.New("rpc timeout")}, nil, nil)

	var s settled
	got := d.Handle(context.Background(), s.raw(t, "withdraw_balance", map[string]interface{}{"caller": callerHex}))
	if got != ingestion.OutcomeRetry {
		t.Fatalf("got %s, want retry", got)
	}
	if s.naked != 1 || s.acked != 0 {
		t.Errorf("expected one nak, got acked=%d naked=%d", s.acked, s.naked)
	}
}

func TestDispatcher_RunDrainsChannel(t *testing.T) {
	eng, tok, _ := newEngine(t, nil)
	ctx := context.Background()
	caller := common.HexToAddress(callerHex)
	ten := fpmath.MustParseQuantity("10", fpmath.TokenConfig)
	if err := tok.Mint(ctx, caller, ten); err != nil {
		t.Fatal(err)
	}
	if err := tok.Approve(ctx, caller, engineAddr, ten); err != nil {
		t.Fatal(err)
	}

	in := make(chan ingestion.RawCommand, 2)
	var s settled
	in <- s.raw(t, "add_balance", map[string]interface{}{"caller": callerHex, "amount": "4"})
	in <- s.raw(t, "add_balance", map[string]interface{}{"caller": callerHex, "amount": "6", "idempotency_key": "d-2"})
	close(in)

	if err := ingestion.NewDispatcher(eng, in, nil).Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := eng.BalanceOf(caller); got.Cmp(ten) != 0 {
		t.Errorf("escrow: got %s, want %s", got, ten)
	}
	if s.acked != 2 {
		t.Errorf("acked: got %d, want 2", s.acked)
	}
}

// ============================================================================
// Outbound publisher
// ============================================================================

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs []published
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return &jetstream.PubAck{Stream: ingestion.EventStream}, nil
}

func TestOutboundPublisher_PublicEventsOnly(t *testing.T) {
	persist := make(chan core.CoreOutput, 16)
	eng, tok, clk := newEngine(t, persist)
	ctx := context.Background()
	caller := common.HexToAddress(callerHex)
	unit := fpmath.MustParseQuantity("1", fpmath.TokenConfig)

	if err := tok.Mint(ctx, caller, unit); err != nil {
		t.Fatal(err)
	}
	if err := tok.Approve(ctx, caller, engineAddr, unit); err != nil {
		t.Fatal(err)
	}
	id, err := eng.StartAuction(ctx, core.StartAuctionCmd{Caller: caller, EndTime: clk.Now().Add(time.Hour), BiddingUnit: unit})
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.AddBalance(ctx, core.AddBalanceCmd{Caller: caller, Amount: unit}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.PlaceBid(ctx, core.PlaceBidCmd{Caller: caller, AuctionID: id, Bid: core.BidInput{Multiplier: 1}}); err != nil {
		t.Fatal(err)
	}
	close(persist)

	fp := &fakePublisher{}
	if err := ingestion.NewOutboundPublisher(fp, persist).Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(fp.msgs) != 2 {
		t.Fatalf("published %d messages, want 2 (deposit is private)", len(fp.msgs))
	}
	if fp.msgs[0].subject != "luba.events.AuctionCreated" {
		t.Errorf("subject: got %s", fp.msgs[0].subject)
	}
	if fp.msgs[1].subject != "luba.events.BidPlaced" {
		t.Errorf("subject: got %s", fp.msgs[1].subject)
	}

	var bid ingestion.PublishableEvent
	if err := json.Unmarshal(fp.msgs[1].data, &bid); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if bid.Payload.Bidder != caller.Hex() {
		t.Errorf("bidder: got %s", bid.Payload.Bidder)
	}
	if strings.Contains(string(fp.msgs[1].data), unit.String()) {
		t.Errorf("bid amount leaked into public event: %s", fp.msgs[1].data)
	}
}
