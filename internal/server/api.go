package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"LubaLedger/internal/clock"
	"LubaLedger/internal/core"
	"LubaLedger/internal/credential"
	fpmath "LubaLedger/internal/math"
	"LubaLedger/internal/query"
	"LubaLedger/internal/state"
	"LubaLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

// Credential headers.
const (
	HeaderSubject        = "X-Luba-Subject"
	HeaderValidUntil     = "X-Luba-Valid-Until"
	HeaderSignature      = "X-Luba-Signature"
	HeaderIdempotencyKey = "Idempotency-Key"
)

const maxBodyBytes = 1 << 16

// API serves the JSON routes under /v1. Token amounts in requests are
// decimal strings in whole tokens ("1.5"); amounts in responses are base
// units.
type API struct {
	engine    *core.Engine
	query     *query.QueryService
	token     token.Token
	authority *credential.Authority
	faucet    *FaucetLimiter
	ttl       time.Duration
	clock     clock.Clock
}

func (a *API) register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		{"POST", "/v1/auctions", a.startAuction},
		{"GET", "/v1/auctions", a.listAuctions},
		{"GET", "/v1/auctions/{id}", a.getAuction},
		{"GET", "/v1/auctions/{id}/bids/count", a.bidsCount},
		{"POST", "/v1/auctions/{id}/bids", a.placeBid},
		{"GET", "/v1/auctions/{id}/bids/mine", a.yourBids},
		{"GET", "/v1/auctions/{id}/bids", a.revealBids},
		{"GET", "/v1/auctions/{id}/winner", a.winningBid},
		{"GET", "/v1/auctions/{id}/creator", a.creatorData},
		{"POST", "/v1/auctions/{id}/close", a.closeAuction},
		{"POST", "/v1/auctions/{id}/withdraw", a.withdrawBidPool},
		{"POST", "/v1/balance/deposit", a.deposit},
		{"POST", "/v1/balance/withdraw", a.withdraw},
		{"GET", "/v1/balance", a.balance},
		{"GET", "/v1/credential/typed-data", a.typedData},
		{"POST", "/v1/token/mint", a.mint},
		{"POST", "/v1/token/approve", a.approve},
		{"GET", "/v1/token/balance/{address}", a.tokenBalance},
		{"GET", "/v1/admin/integrity", a.integrity},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.h); err != nil {
			return fmt.Errorf("register %s %s: %w", r.method, r.path, err)
		}
	}
	return nil
}

// ============================================================================
// Auctions
// ============================================================================

type startAuctionRequest struct {
	EndTime     int64  `json:"end_time"`     // unix seconds
	BiddingUnit string `json:"bidding_unit"` // whole tokens
}

func (a *API) startAuction(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	caller, err := a.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req startAuctionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	unit, err := parseTokens(req.BiddingUnit)
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := a.engine.StartAuction(r.Context(), core.StartAuctionCmd{
		Key:         r.Header.Get(HeaderIdempotencyKey),
		Caller:      caller,
		EndTime:     time.Unix(req.EndTime, 0).UTC(),
		BiddingUnit: unit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"auction_id": id})
}

func (a *API) listAuctions(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.query == nil {
		writeError(w, errQueryDisabled)
		return
	}
	q := r.URL.Query()
	f := query.ListFilter{ActiveOnly: q.Get("active") == "true"}
	if c := q.Get("creator"); c != "" {
		if !common.IsHexAddress(c) {
			writeError(w, badRequest("creator must be an address"))
			return
		}
		f.Creator = common.HexToAddress(c).Hex()
	}
	var err error
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, err)
		return
	}
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, err)
		return
	}

	page, err := a.query.ListAuctions(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) getAuction(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := auctionID(p)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := a.engine.GetPublicAuctionData(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (a *API) creatorData(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := auctionID(p)
	if err != nil {
		writeError(w, err)
		return
	}
	cred, err := credentialFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := a.engine.GetCreatorAuctionData(id, cred)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (a *API) closeAuction(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := auctionID(p)
	if err != nil {
		writeError(w, err)
		return
	}
	caller, err := a.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	err = a.engine.CloseAuction(r.Context(), core.CloseAuctionCmd{
		Key:       r.Header.Get(HeaderIdempotencyKey),
		Caller:    caller,
		AuctionID: id,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (a *API) withdrawBidPool(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := auctionID(p)
	if err != nil {
		writeError(w, err)
		return
	}
	caller, err := a.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := a.engine.WithdrawBidPool(r.Context(), core.WithdrawBidPoolCmd{
		Key:       r.Header.Get(HeaderIdempotencyKey),
		Caller:    caller,
		AuctionID: id,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: amount})
}

// ============================================================================
// Bids
// ============================================================================

type placeBidRequest struct {
	Amount     string `json:"amount,omitempty"`
	Multiplier uint64 `json:"multiplier,omitempty"`
}

func (a *API) placeBid(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := auctionID(p)
	if err != nil {
		writeError(w, err)
		return
	}
	caller, err := a.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req placeBidRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	bid, err := a.engine.PlaceBid(r.Context(), core.PlaceBidCmd{
		Key:       r.Header.Get(HeaderIdempotencyKey),
		Caller:    caller,
		AuctionID: id,
		Bid:       core.BidInput{Amount: req.Amount, Multiplier: req.Multiplier},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

func (a *API) bidsCount(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := auctionID(p)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := a.engine.ReadBidsCount(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"bids_count": n})
}

func (a *API) yourBids(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := auctionID(p)
	if err != nil {
		writeError(w, err)
		return
	}
	cred, err := credentialFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	bids, err := a.engine.ReadYourBids(id, cred)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bidsResponse(bids))
}

func (a *API) revealBids(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := auctionID(p)
	if err != nil {
		writeError(w, err)
		return
	}
	bids, err := a.engine.RevealBids(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bidsResponse(bids))
}

func (a *API) winningBid(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := auctionID(p)
	if err != nil {
		writeError(w, err)
		return
	}
	bid, err := a.engine.GetWinningBid(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

// ============================================================================
// Escrow
// ============================================================================

type amountRequest struct {
	Amount string `json:"amount"` // whole tokens
}

type amountResponse struct {
	Amount fpmath.Quantity `json:"amount"`
}

func (a *API) deposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	caller, err := a.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseTokens(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	err = a.engine.AddBalance(r.Context(), core.AddBalanceCmd{
		Key:    r.Header.Get(HeaderIdempotencyKey),
		Caller: caller,
		Amount: amount,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: a.engine.BalanceOf(caller)})
}

func (a *API) withdraw(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	caller, err := a.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := a.engine.WithdrawBalance(r.Context(), core.WithdrawBalanceCmd{
		Key:    r.Header.Get(HeaderIdempotencyKey),
		Caller: caller,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: amount})
}

func (a *API) balance(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	cred, err := credentialFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	bal, err := a.engine.GetPersonalBalance(cred)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: bal})
}

// typedData returns the EIP-712 payload a wallet signs to obtain a
// credential for subject, valid until valid_until (default ttl from now).
func (a *API) typedData(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	subject := q.Get("subject")
	if !common.IsHexAddress(subject) {
		writeError(w, badRequest("subject must be an address"))
		return
	}
	validUntil := a.clock.Now().Add(a.ttl).Truncate(time.Second)
	if s := q.Get("valid_until"); s != "" {
		secs, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, badRequest("valid_until must be unix seconds"))
			return
		}
		validUntil = time.Unix(secs, 0)
	}
	td, err := a.authority.Domain().TypedData(common.HexToAddress(subject), validUntil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, td)
}

// ============================================================================
// Token (demo deployments)
// ============================================================================

func (a *API) mint(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.faucet == nil {
		writeError(w, errFaucetDisabled)
		return
	}
	caller, err := a.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !a.faucet.Allow(caller) {
		writeError(w, errRateLimited)
		return
	}
	if err := a.token.Mint(r.Context(), caller, token.FaucetAmount); err != nil {
		writeError(w, err)
		return
	}
	a.writeTokenBalance(w, r, caller)
}

func (a *API) approve(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	caller, err := a.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseTokens(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.token.Approve(r.Context(), caller, a.engine.Address(), amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spender": a.engine.Address(), "allowance": amount})
}

func (a *API) tokenBalance(w http.ResponseWriter, r *http.Request, p map[string]string) {
	addr := p["address"]
	if !common.IsHexAddress(addr) {
		writeError(w, badRequest("address must be an address"))
		return
	}
	a.writeTokenBalance(w, r, common.HexToAddress(addr))
}

func (a *API) writeTokenBalance(w http.ResponseWriter, r *http.Request, addr common.Address) {
	bal, err := a.token.BalanceOf(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr, "balance": bal})
}

// ============================================================================
// Admin
// ============================================================================

func (a *API) integrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.query == nil {
		writeError(w, errQueryDisabled)
		return
	}
	report, err := a.query.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !report.IsHealthy {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

// ============================================================================
// Helpers
// ============================================================================

// caller authenticates the request credential and returns its subject.
func (a *API) caller(r *http.Request) (common.Address, error) {
	cred, err := credentialFrom(r)
	if err != nil {
		return common.Address{}, err
	}
	return a.engine.Authenticate(cred)
}

func credentialFrom(r *http.Request) (credential.Credential, error) {
	subject := r.Header.Get(HeaderSubject)
	if subject == "" {
		return credential.Credential{}, fmt.Errorf("%w: missing %s header", credential.ErrInvalidSignature, HeaderSubject)
	}
	return credential.Parse(subject, r.Header.Get(HeaderValidUntil), r.Header.Get(HeaderSignature))
}

func auctionID(p map[string]string) (uint64, error) {
	id, err := strconv.ParseUint(p["id"], 10, 64)
	if err != nil {
		return 0, badRequest(fmt.Sprintf("invalid auction id %q", p["id"]))
	}
	return id, nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, badRequest(fmt.Sprintf("invalid integer %q", s))
	}
	return n, nil
}

func parseTokens(s string) (fpmath.Quantity, error) {
	q, err := fpmath.ParseQuantity(s, fpmath.TokenConfig)
	if err != nil {
		return fpmath.Quantity{}, fmt.Errorf("%w: %v", core.ErrInvalidAmount, err)
	}
	return q, nil
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest(fmt.Sprintf("decode body: %v", err))
	}
	return nil
}

// bidsResponse never returns a null list.
func bidsResponse(bids []state.Bid) map[string]any {
	if bids == nil {
		bids = []state.Bid{}
	}
	return map[string]any{"bids": bids}
}
