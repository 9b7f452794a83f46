package event

import (
	"encoding/json"
	"fmt"
)

// Encode serializes an event for the payload column of the event log.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Decode turns a stored payload back into a typed event.
func Decode(eventType string, payload []byte) (Event, error) {
	var evt Event
	switch ParseEventType(eventType) {
	case EventTypeAuctionCreated:
		evt = &AuctionCreated{}
	case EventTypeAuctionClosed:
		evt = &AuctionClosed{}
	case EventTypeBidPlaced:
		evt = &BidPlaced{}
	case EventTypeBalanceDeposited:
		evt = &BalanceDeposited{}
	case EventTypeWithdrawalRequested:
		evt = &WithdrawalRequested{}
	case EventTypeWithdrawalConfirmed:
		evt = &WithdrawalConfirmed{}
	case EventTypeWithdrawalRejected:
		evt = &WithdrawalRejected{}
	case EventTypePoolWithdrawalRequested:
		evt = &PoolWithdrawalRequested{}
	case EventTypePoolWithdrawalConfirmed:
		evt = &PoolWithdrawalConfirmed{}
	case EventTypePoolWithdrawalRejected:
		evt = &PoolWithdrawalRejected{}
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}

	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return evt, nil
}

// PublicPayload is the externally visible form of a public event.
// BidPlaced deliberately omits the amount.
type PublicPayload struct {
	AuctionID   uint64  `json:"auction_id"`
	Creator     string  `json:"creator,omitempty"`
	Bidder      string  `json:"bidder,omitempty"`
	EndTime     *int64  `json:"end_time,omitempty"`
	BiddingUnit *string `json:"bidding_unit,omitempty"`
}

// ToPublic returns the broadcast form of evt, or false if evt is private.
func ToPublic(evt Event) (PublicPayload, bool) {
	switch e := evt.(type) {
	case *AuctionCreated:
		end := e.EndTime.Unix()
		unit := e.BiddingUnit.String()
		return PublicPayload{
			AuctionID:   e.AuctionID,
			Creator:     e.Creator.Hex(),
			EndTime:     &end,
			BiddingUnit: &unit,
		}, true
	case *BidPlaced:
		return PublicPayload{
			AuctionID: e.AuctionID,
			Bidder:    e.Bidder.Hex(),
		}, true
	default:
		return PublicPayload{}, false
	}
}
