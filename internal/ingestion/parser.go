package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"LubaLedger/internal/core"
	fpmath "LubaLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// ErrMalformed marks a message that can never be applied. The dispatcher
// terminates it instead of asking for redelivery.
var ErrMalformed = errors.New("malformed command")

// ParseRawCommand converts a RawCommand into a typed core.Command. The
// message id stands in for the idempotency key when the payload has none.
func ParseRawCommand(raw RawCommand) (core.Command, error) {
	var cmd core.Command
	var err error

	switch raw.Command {
	case "start_auction":
		cmd, err = parseStartAuction(raw.Data, raw.MsgID)
	case "place_bid":
		cmd, err = parsePlaceBid(raw.Data, raw.MsgID)
	case "close_auction":
		cmd, err = parseCloseAuction(raw.Data, raw.MsgID)
	case "add_balance":
		cmd, err = parseAddBalance(raw.Data, raw.MsgID)
	case "withdraw_balance":
		cmd, err = parseWithdrawBalance(raw.Data, raw.MsgID)
	case "withdraw_bid_pool":
		cmd, err = parseWithdrawBidPool(raw.Data, raw.MsgID)
	default:
		return nil, fmt.Errorf("%w: unknown command %q", ErrMalformed, raw.Command)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, raw.Command, err)
	}
	return cmd, nil
}

// --- JSON wire formats ---
// Field names use snake_case to match the relay. Token amounts are decimal
// strings in whole tokens ("0.5"); times are unix seconds.

type envelopeJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	Caller         string `json:"caller"`
}

func (e envelopeJSON) key(msgID string) string {
	if e.IdempotencyKey != "" {
		return e.IdempotencyKey
	}
	return msgID
}

func (e envelopeJSON) caller() (common.Address, error) {
	if !common.IsHexAddress(e.Caller) {
		return common.Address{}, fmt.Errorf("caller %q is not an address", e.Caller)
	}
	return common.HexToAddress(e.Caller), nil
}

type startAuctionJSON struct {
	envelopeJSON
	EndTime     int64  `json:"end_time"`
	BiddingUnit string `json:"bidding_unit"`
}

func parseStartAuction(data []byte, msgID string) (core.StartAuctionCmd, error) {
	var j startAuctionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return core.StartAuctionCmd{}, err
	}
	caller, err := j.caller()
	if err != nil {
		return core.StartAuctionCmd{}, err
	}
	unit, err := fpmath.ParseQuantity(j.BiddingUnit, fpmath.TokenConfig)
	if err != nil {
		return core.StartAuctionCmd{}, fmt.Errorf("bidding_unit: %w", err)
	}
	return core.StartAuctionCmd{
		Key:         j.key(msgID),
		Caller:      caller,
		EndTime:     time.Unix(j.EndTime, 0).UTC(),
		BiddingUnit: unit,
	}, nil
}

type placeBidJSON struct {
	envelopeJSON
	AuctionID  uint64 `json:"auction_id"`
	Amount     string `json:"amount,omitempty"`
	Multiplier uint64 `json:"multiplier,omitempty"`
}

func parsePlaceBid(data []byte, msgID string) (core.PlaceBidCmd, error) {
	var j placeBidJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return core.PlaceBidCmd{}, err
	}
	caller, err := j.caller()
	if err != nil {
		return core.PlaceBidCmd{}, err
	}
	if (j.Amount == "") == (j.Multiplier == 0) {
		return core.PlaceBidCmd{}, errors.New("exactly one of amount or multiplier is required")
	}
	return core.PlaceBidCmd{
		Key:       j.key(msgID),
		Caller:    caller,
		AuctionID: j.AuctionID,
		Bid:       core.BidInput{Amount: j.Amount, Multiplier: j.Multiplier},
	}, nil
}

type auctionRefJSON struct {
	envelopeJSON
	AuctionID uint64 `json:"auction_id"`
}

func parseAuctionRef(data []byte) (auctionRefJSON, common.Address, error) {
	var j auctionRefJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return j, common.Address{}, err
	}
	caller, err := j.caller()
	return j, caller, err
}

func parseCloseAuction(data []byte, msgID string) (core.CloseAuctionCmd, error) {
	j, caller, err := parseAuctionRef(data)
	if err != nil {
		return core.CloseAuctionCmd{}, err
	}
	return core.CloseAuctionCmd{Key: j.key(msgID), Caller: caller, AuctionID: j.AuctionID}, nil
}

func parseWithdrawBidPool(data []byte, msgID string) (core.WithdrawBidPoolCmd, error) {
	j, caller, err := parseAuctionRef(data)
	if err != nil {
		return core.WithdrawBidPoolCmd{}, err
	}
	return core.WithdrawBidPoolCmd{Key: j.key(msgID), Caller: caller, AuctionID: j.AuctionID}, nil
}

type depositJSON struct {
	envelopeJSON
	Amount string `json:"amount"`
}

func parseAddBalance(data []byte, msgID string) (core.AddBalanceCmd, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return core.AddBalanceCmd{}, err
	}
	caller, err := j.caller()
	if err != nil {
		return core.AddBalanceCmd{}, err
	}
	amount, err := fpmath.ParseQuantity(j.Amount, fpmath.TokenConfig)
	if err != nil {
		return core.AddBalanceCmd{}, fmt.Errorf("amount: %w", err)
	}
	return core.AddBalanceCmd{Key: j.key(msgID), Caller: caller, Amount: amount}, nil
}

func parseWithdrawBalance(data []byte, msgID string) (core.WithdrawBalanceCmd, error) {
	var j envelopeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return core.WithdrawBalanceCmd{}, err
	}
	caller, err := j.caller()
	if err != nil {
		return core.WithdrawBalanceCmd{}, err
	}
	return core.WithdrawBalanceCmd{Key: j.key(msgID), Caller: caller}, nil
}
