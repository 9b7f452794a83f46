package core

import (
	"context"
	"fmt"
	"time"

	"LubaLedger/internal/event"
	fpmath "LubaLedger/internal/math"
	"LubaLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// Command is a write request to the engine. Key is the optional client
// idempotency key; an empty key disables deduplication for the command.
type Command interface {
	CommandName() string
	// primaryEvent is the event type whose key dedups the command.
	primaryEvent() event.EventType
}

type StartAuctionCmd struct {
	Key         string
	Caller      common.Address
	EndTime     time.Time
	BiddingUnit fpmath.Quantity
}

// BidInput carries exactly one of Amount (a decimal token amount such as
// "1.55") or Multiplier (a count of bidding units).
type BidInput struct {
	Amount     string
	Multiplier uint64
}

type PlaceBidCmd struct {
	Key       string
	Caller    common.Address
	AuctionID uint64
	Bid       BidInput
}

type CloseAuctionCmd struct {
	Key       string
	Caller    common.Address
	AuctionID uint64
}

type AddBalanceCmd struct {
	Key    string
	Caller common.Address
	Amount fpmath.Quantity
}

type WithdrawBalanceCmd struct {
	Key    string
	Caller common.Address
}

type WithdrawBidPoolCmd struct {
	Key       string
	Caller    common.Address
	AuctionID uint64
}

func (StartAuctionCmd) CommandName() string    { return "start_auction" }
func (PlaceBidCmd) CommandName() string        { return "place_bid" }
func (CloseAuctionCmd) CommandName() string    { return "close_auction" }
func (AddBalanceCmd) CommandName() string      { return "add_balance" }
func (WithdrawBalanceCmd) CommandName() string { return "withdraw_balance" }
func (WithdrawBidPoolCmd) CommandName() string { return "withdraw_bid_pool" }

func (StartAuctionCmd) primaryEvent() event.EventType    { return event.EventTypeAuctionCreated }
func (PlaceBidCmd) primaryEvent() event.EventType        { return event.EventTypeBidPlaced }
func (CloseAuctionCmd) primaryEvent() event.EventType    { return event.EventTypeAuctionClosed }
func (AddBalanceCmd) primaryEvent() event.EventType      { return event.EventTypeBalanceDeposited }
func (WithdrawBalanceCmd) primaryEvent() event.EventType { return event.EventTypeWithdrawalRequested }
func (WithdrawBidPoolCmd) primaryEvent() event.EventType { return event.EventTypePoolWithdrawalRequested }

// Result is the outcome of Execute. Only the fields relevant to the command
// are set.
type Result struct {
	AuctionID *uint64          `json:"auction_id,omitempty"`
	Bid       *state.Bid       `json:"bid,omitempty"`
	Amount    *fpmath.Quantity `json:"amount,omitempty"`
}

// Execute dispatches cmd to the matching operation.
func (c *Engine) Execute(ctx context.Context, cmd Command) (Result, error) {
	switch x := cmd.(type) {
	case StartAuctionCmd:
		id, err := c.StartAuction(ctx, x)
		if err != nil {
			return Result{}, err
		}
		return Result{AuctionID: &id}, nil
	case PlaceBidCmd:
		bid, err := c.PlaceBid(ctx, x)
		if err != nil {
			return Result{}, err
		}
		return Result{Bid: &bid}, nil
	case CloseAuctionCmd:
		return Result{}, c.CloseAuction(ctx, x)
	case AddBalanceCmd:
		if err := c.AddBalance(ctx, x); err != nil {
			return Result{}, err
		}
		return Result{Amount: &x.Amount}, nil
	case WithdrawBalanceCmd:
		amount, err := c.WithdrawBalance(ctx, x)
		if err != nil {
			return Result{}, err
		}
		return Result{Amount: &amount}, nil
	case WithdrawBidPoolCmd:
		amount, err := c.WithdrawBidPool(ctx, x)
		if err != nil {
			return Result{}, err
		}
		return Result{Amount: &amount}, nil
	default:
		return Result{}, fmt.Errorf("unknown command %T", cmd)
	}
}
