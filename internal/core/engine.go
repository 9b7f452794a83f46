package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"LubaLedger/internal/clock"
	"LubaLedger/internal/credential"
	"LubaLedger/internal/event"
	"LubaLedger/internal/ledger"
	fpmath "LubaLedger/internal/math"
	"LubaLedger/internal/observability"
	"LubaLedger/internal/state"
	"LubaLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultIdempotencyCapacity = 1_000_000

// Engine is the serialized settlement state machine. Every mutation runs
// under the write lock and is recorded as an event; reads take the read lock.
// Calls to the token collaborator are made with the lock released, after
// the internal state they depend on has already been changed.
type Engine struct {
	mu sync.RWMutex

	address           common.Address
	sequence          int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	registry          *state.Registry
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator

	// inflight holds transfers whose outcome event is not yet committed.
	inflight map[uuid.UUID]Payout

	authority *credential.Authority
	token     token.Token
	clock     clock.Clock

	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need for one event.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Event      event.Event
	Batch      *ledger.Batch
	StateDelta []byte
}

// Options wires the engine's collaborators. Address, Token, Clock and
// Authority are required; nil channels disable that output.
type Options struct {
	Address             common.Address
	Token               token.Token
	Clock               clock.Clock
	Authority           *credential.Authority
	PersistChan         chan<- CoreOutput
	ProjectionChan      chan<- CoreOutput
	DBChecker           DBIdempotencyChecker
	IdempotencyCapacity int
	Metrics             *observability.Metrics
	Logger              *zerolog.Logger
}

func NewEngine(opts Options) *Engine {
	capacity := opts.IdempotencyCapacity
	if capacity <= 0 {
		capacity = defaultIdempotencyCapacity
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	balanceTracker := ledger.NewBalanceTracker()
	sv := NewSequenceValidator()
	sv.SetExpectedSequence(globalPartition, 1)

	return &Engine{
		address:           opts.Address,
		sequence:          1,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		journalGen:        ledger.NewJournalGenerator(balanceTracker),
		validator:         ledger.NewInvariantValidator(balanceTracker),
		registry:          state.NewRegistry(),
		idempotency:       NewIdempotencyChecker(capacity, opts.DBChecker),
		sequenceValidator: sv,
		inflight:          make(map[uuid.UUID]Payout),
		authority:         opts.Authority,
		token:             opts.Token,
		clock:             opts.Clock,
		metrics:           opts.Metrics,
		logger:            logger,
		persistChan:       opts.PersistChan,
		projectionChan:    opts.ProjectionChan,
	}
}

// Address is the engine's custody account on the token.
func (c *Engine) Address() common.Address {
	return c.address
}

// ===== Auction Registry =====

// StartAuction opens an auction owned by the caller and returns its id.
func (c *Engine) StartAuction(ctx context.Context, cmd StartAuctionCmd) (uint64, error) {
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	key, err := c.claim(cmd)
	if err != nil {
		return 0, c.reject(cmd, err)
	}

	now := c.clock.Now()
	if !cmd.EndTime.After(now) {
		return 0, c.reject(cmd, fmt.Errorf("%w: end %s, now %s", ErrInvalidSchedule,
			cmd.EndTime.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339)))
	}
	if cmd.BiddingUnit.Sign() <= 0 {
		return 0, c.reject(cmd, ErrInvalidUnit)
	}
	// Multiplier bids must land on the same grid as raw amounts.
	if !fpmath.FitsGrid(cmd.BiddingUnit, fpmath.TokenConfig, fpmath.BidGridConfig) {
		return 0, c.reject(cmd, fmt.Errorf("%w: %s has digits below %d decimals", ErrInvalidUnit,
			fpmath.FormatQuantity(cmd.BiddingUnit, fpmath.TokenConfig), fpmath.BidGridConfig.DecimalPrecision))
	}

	id := c.registry.NextID()
	if _, err := c.commit(&event.AuctionCreated{
		Key:         key,
		AuctionID:   id,
		Creator:     cmd.Caller,
		EndTime:     cmd.EndTime.UTC(),
		BiddingUnit: cmd.BiddingUnit,
		Timestamp:   now.UTC(),
	}); err != nil {
		return 0, c.reject(cmd, err)
	}

	if c.metrics != nil {
		c.metrics.AuctionsCreated.Inc()
	}
	c.observe(cmd, start)
	c.logger.Info().Uint64("auction_id", id).Str("creator", cmd.Caller.Hex()).
		Time("end_time", cmd.EndTime).Msg("auction started")
	return id, nil
}

// PublicAuctionData is the unrestricted view of an auction.
type PublicAuctionData struct {
	AuctionID   uint64          `json:"auction_id"`
	Creator     common.Address  `json:"creator"`
	EndTime     time.Time       `json:"end_time"`
	BiddingUnit fpmath.Quantity `json:"bidding_unit"`
	BidsCount   int             `json:"bids_count"`
	Status      string          `json:"status"`
}

// GetPublicAuctionData returns the unrestricted view of an auction.
func (c *Engine) GetPublicAuctionData(auctionID uint64) (PublicAuctionData, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a := c.registry.Get(auctionID)
	if a == nil {
		return PublicAuctionData{}, fmt.Errorf("%w: %d", ErrAuctionNotFound, auctionID)
	}
	return PublicAuctionData{
		AuctionID:   a.ID,
		Creator:     a.Creator,
		EndTime:     a.EndTime,
		BiddingUnit: a.BiddingUnit,
		BidsCount:   a.BidsCount(),
		Status:      a.StatusAt(c.clock.Now()).String(),
	}, nil
}

// CreatorAuctionData is the creator-only view of an auction.
type CreatorAuctionData struct {
	TotalBidAmount fpmath.Quantity `json:"total_bid_amount"`
	NumberOfBids   int             `json:"number_of_bids"`
	Withdrawn      bool            `json:"withdrawn"`
}

// GetCreatorAuctionData requires a credential whose subject is the creator.
func (c *Engine) GetCreatorAuctionData(auctionID uint64, cred credential.Credential) (CreatorAuctionData, error) {
	subject, err := c.verify(cred)
	if err != nil {
		return CreatorAuctionData{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	a := c.registry.Get(auctionID)
	if a == nil {
		return CreatorAuctionData{}, fmt.Errorf("%w: %d", ErrAuctionNotFound, auctionID)
	}
	if subject != a.Creator {
		return CreatorAuctionData{}, fmt.Errorf("%w: %s is not the creator of auction %d", ErrUnauthorized, subject.Hex(), auctionID)
	}
	return CreatorAuctionData{
		TotalBidAmount: a.TotalBidAmount,
		NumberOfBids:   a.BidsCount(),
		Withdrawn:      a.Withdrawn,
	}, nil
}

// CloseAuction records the creator's advisory close once the end time has
// passed. Closing twice is a no-op.
func (c *Engine) CloseAuction(ctx context.Context, cmd CloseAuctionCmd) error {
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	key, err := c.claim(cmd)
	if err != nil {
		return c.reject(cmd, err)
	}

	a := c.registry.Get(cmd.AuctionID)
	if a == nil {
		return c.reject(cmd, fmt.Errorf("%w: %d", ErrAuctionNotFound, cmd.AuctionID))
	}
	if cmd.Caller != a.Creator {
		return c.reject(cmd, ErrUnauthorized)
	}
	now := c.clock.Now()
	if !a.HasEnded(now) {
		return c.reject(cmd, ErrNotEnded)
	}
	if a.Closed {
		return nil
	}

	if _, err := c.commit(&event.AuctionClosed{
		Key:       key,
		AuctionID: a.ID,
		Creator:   a.Creator,
		Timestamp: now.UTC(),
	}); err != nil {
		return c.reject(cmd, err)
	}
	c.observe(cmd, start)
	return nil
}

// AuctionCount returns how many auctions exist.
func (c *Engine) AuctionCount() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.Count()
}

// ===== Bid Store =====

// PlaceBid records a bid from the caller and debits their escrow.
func (c *Engine) PlaceBid(ctx context.Context, cmd PlaceBidCmd) (state.Bid, error) {
	start := time.Now()
	raw, err := parseBidAmount(cmd.Bid)
	if err != nil {
		return state.Bid{}, c.reject(cmd, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key, err := c.claim(cmd)
	if err != nil {
		return state.Bid{}, c.reject(cmd, err)
	}

	now := c.clock.Now()
	a := c.registry.Get(cmd.AuctionID)
	if a == nil || !a.IsOpen(now) {
		return state.Bid{}, c.reject(cmd, fmt.Errorf("%w: %d", ErrAuctionClosedOrMissing, cmd.AuctionID))
	}

	amount, err := normalizeBid(cmd.Bid, raw, a.BiddingUnit)
	if err != nil {
		return state.Bid{}, c.reject(cmd, err)
	}

	if err := c.balanceTracker.ValidateSufficientEscrow(cmd.Caller, amount); err != nil {
		return state.Bid{}, c.reject(cmd, fmt.Errorf("%w: %v", ErrInsufficientBalance, err))
	}

	seq := uint64(a.BidsCount())
	if _, err := c.commit(&event.BidPlaced{
		Key:         key,
		AuctionID:   a.ID,
		Bidder:      cmd.Caller,
		Amount:      amount,
		BidSequence: seq,
		Timestamp:   now.UTC(),
	}); err != nil {
		return state.Bid{}, c.reject(cmd, err)
	}

	if c.metrics != nil {
		c.metrics.BidsPlaced.Inc()
	}
	c.observe(cmd, start)

	bid, _ := a.Bids().At(seq)
	return bid, nil
}

// parseBidAmount validates the bid form and, for a raw amount, parses it
// onto the bid grid. It needs no engine state and runs before the lock.
func parseBidAmount(in BidInput) (fpmath.Quantity, error) {
	switch {
	case in.Amount != "" && in.Multiplier != 0:
		return fpmath.Quantity{}, fmt.Errorf("%w: give either amount or multiplier", ErrInvalidAmount)
	case in.Multiplier != 0:
		return fpmath.Quantity{}, nil
	case in.Amount == "":
		return fpmath.Quantity{}, fmt.Errorf("%w: empty bid", ErrInvalidAmount)
	}

	amount, err := fpmath.ParseQuantity(in.Amount, fpmath.TokenConfig)
	switch {
	case errors.Is(err, fpmath.ErrTooPrecise):
		return fpmath.Quantity{}, fmt.Errorf("%w: %v", ErrPrecisionViolation, err)
	case err != nil:
		return fpmath.Quantity{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	if amount.Sign() <= 0 {
		return fpmath.Quantity{}, fmt.Errorf("%w: bid must be positive", ErrPrecisionViolation)
	}
	if !fpmath.FitsGrid(amount, fpmath.TokenConfig, fpmath.BidGridConfig) {
		return fpmath.Quantity{}, fmt.Errorf("%w: %s has digits below %d decimals",
			ErrPrecisionViolation, in.Amount, fpmath.BidGridConfig.DecimalPrecision)
	}
	return amount, nil
}

// normalizeBid turns a parsed bid into base units for an auction: a
// multiplier scales unit, a raw amount must be an exact multiple of it.
func normalizeBid(in BidInput, raw, unit fpmath.Quantity) (fpmath.Quantity, error) {
	if in.Multiplier != 0 {
		return unit.MulUint64(in.Multiplier), nil
	}
	if !fpmath.IsMultipleOf(raw, unit) {
		return fpmath.Quantity{}, fmt.Errorf("%w: %s is not a multiple of %s",
			ErrPrecisionViolation, in.Amount, fpmath.FormatQuantity(unit, fpmath.TokenConfig))
	}
	return raw, nil
}

// ReadYourBids returns the credential subject's bids in placement order.
func (c *Engine) ReadYourBids(auctionID uint64, cred credential.Credential) ([]state.Bid, error) {
	subject, err := c.verify(cred)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	a := c.registry.Get(auctionID)
	if a == nil {
		return nil, fmt.Errorf("%w: %d", ErrAuctionNotFound, auctionID)
	}
	return a.Bids().ByBidder(subject), nil
}

// ReadBidsCount returns the number of accepted bids.
func (c *Engine) ReadBidsCount(auctionID uint64) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a := c.registry.Get(auctionID)
	if a == nil {
		return 0, fmt.Errorf("%w: %d", ErrAuctionNotFound, auctionID)
	}
	return a.BidsCount(), nil
}

// RevealBids returns the whole log once the auction has ended.
func (c *Engine) RevealBids(auctionID uint64) ([]state.Bid, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a, err := c.endedAuction(auctionID)
	if err != nil {
		return nil, err
	}
	return a.Bids().All(), nil
}

// ===== Winner Resolution =====

// GetWinningBid resolves the lowest unique bid of an ended auction.
func (c *Engine) GetWinningBid(auctionID uint64) (state.Bid, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a, err := c.endedAuction(auctionID)
	if err != nil {
		return state.Bid{}, err
	}
	return state.ResolveWinner(a.Bids().All())
}

func (c *Engine) endedAuction(auctionID uint64) (*state.Auction, error) {
	a := c.registry.Get(auctionID)
	if a == nil {
		return nil, fmt.Errorf("%w: %d", ErrAuctionNotFound, auctionID)
	}
	if !a.HasEnded(c.clock.Now()) {
		return nil, fmt.Errorf("%w: %d ends %s", ErrAuctionNotEnded, auctionID, a.EndTime.Format(time.RFC3339))
	}
	return a, nil
}

// ===== Escrow Ledger =====

// AddBalance pulls amount from the caller into custody, then credits escrow.
// The caller must have approved the engine for at least amount.
func (c *Engine) AddBalance(ctx context.Context, cmd AddBalanceCmd) error {
	start := time.Now()
	if cmd.Amount.Sign() <= 0 {
		return c.reject(cmd, fmt.Errorf("%w: deposit must be positive", ErrInvalidAmount))
	}

	c.mu.Lock()
	key, err := c.claim(cmd)
	if err != nil {
		c.mu.Unlock()
		return c.reject(cmd, err)
	}
	// Hold the key while the transfer is in flight so a retry cannot pull twice.
	c.idempotency.MarkProcessed(cmd.primaryEvent().String(), key)
	c.mu.Unlock()

	if err := c.token.TransferFrom(ctx, c.address, cmd.Caller, c.address, cmd.Amount); err != nil {
		c.mu.Lock()
		c.idempotency.Release(cmd.primaryEvent().String(), key)
		c.mu.Unlock()
		c.transferFailed("transfer_from", err)
		return c.reject(cmd, fmt.Errorf("deposit: %w", err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.commit(&event.BalanceDeposited{
		Key:       key,
		Account:   cmd.Caller,
		Asset:     "USDC",
		Amount:    cmd.Amount,
		Timestamp: c.clock.Now().UTC(),
	}); err != nil {
		return c.reject(cmd, err)
	}

	if c.metrics != nil {
		c.metrics.EscrowDeposited.Inc()
	}
	c.observe(cmd, start)
	return nil
}

// WithdrawBalance pays out the caller's whole escrow and returns the amount.
// The balance is moved to pending before the transfer is issued; a failed
// transfer puts it back.
func (c *Engine) WithdrawBalance(ctx context.Context, cmd WithdrawBalanceCmd) (fpmath.Quantity, error) {
	start := time.Now()
	c.mu.Lock()
	key, err := c.claim(cmd)
	if err != nil {
		c.mu.Unlock()
		return fpmath.Quantity{}, c.reject(cmd, err)
	}

	amount := c.balanceTracker.GetEscrow(cmd.Caller)
	wid := uuid.New()
	if _, err := c.commit(&event.WithdrawalRequested{
		WithdrawalID: wid,
		Key:          key,
		Account:      cmd.Caller,
		Asset:        "USDC",
		Amount:       amount,
		Timestamp:    c.clock.Now().UTC(),
	}); err != nil {
		c.mu.Unlock()
		return fpmath.Quantity{}, c.reject(cmd, err)
	}
	c.mu.Unlock()

	transferErr := c.token.Transfer(ctx, c.address, cmd.Caller, amount)

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now().UTC()
	if transferErr != nil {
		c.transferFailed("transfer", transferErr)
		if _, err := c.commit(&event.WithdrawalRejected{
			WithdrawalID: wid,
			Account:      cmd.Caller,
			Asset:        "USDC",
			Amount:       amount,
			Reason:       transferErr.Error(),
			Timestamp:    now,
		}); err != nil {
			panic(fmt.Sprintf("FATAL: cannot restore escrow after failed withdrawal %s: %v", wid, err))
		}
		return fpmath.Quantity{}, c.reject(cmd, fmt.Errorf("withdraw: %w", transferErr))
	}

	if _, err := c.commit(&event.WithdrawalConfirmed{
		WithdrawalID: wid,
		Account:      cmd.Caller,
		Asset:        "USDC",
		Amount:       amount,
		Timestamp:    now,
	}); err != nil {
		panic(fmt.Sprintf("FATAL: cannot confirm withdrawal %s: %v", wid, err))
	}

	if c.metrics != nil {
		c.metrics.EscrowWithdrawn.Inc()
	}
	c.observe(cmd, start)
	return amount, nil
}

// GetPersonalBalance returns the credential subject's escrow balance.
func (c *Engine) GetPersonalBalance(cred credential.Credential) (fpmath.Quantity, error) {
	subject, err := c.verify(cred)
	if err != nil {
		return fpmath.Quantity{}, err
	}
	return c.BalanceOf(subject), nil
}

// BalanceOf returns an account's escrow balance without a credential, for
// trusted in-process callers.
func (c *Engine) BalanceOf(account common.Address) fpmath.Quantity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balanceTracker.GetEscrow(account)
}

// ===== Settlement =====

// WithdrawBidPool pays the auction's pooled bids to its creator, once.
// The withdrawn flag is set before the transfer is issued; a failed
// transfer clears it again.
func (c *Engine) WithdrawBidPool(ctx context.Context, cmd WithdrawBidPoolCmd) (fpmath.Quantity, error) {
	start := time.Now()
	c.mu.Lock()
	key, err := c.claim(cmd)
	if err != nil {
		c.mu.Unlock()
		return fpmath.Quantity{}, c.reject(cmd, err)
	}

	a := c.registry.Get(cmd.AuctionID)
	switch {
	case a == nil:
		err = fmt.Errorf("%w: %d", ErrAuctionNotFound, cmd.AuctionID)
	case cmd.Caller != a.Creator:
		err = fmt.Errorf("%w: only the creator may withdraw the pool", ErrUnauthorized)
	case !a.HasEnded(c.clock.Now()):
		err = fmt.Errorf("%w: %d", ErrAuctionNotEnded, cmd.AuctionID)
	case a.Withdrawn:
		err = fmt.Errorf("%w: %d", ErrAlreadyWithdrawn, cmd.AuctionID)
	}
	if err != nil {
		c.mu.Unlock()
		return fpmath.Quantity{}, c.reject(cmd, err)
	}

	amount := a.TotalBidAmount
	sid := uuid.New()
	if _, err := c.commit(&event.PoolWithdrawalRequested{
		SettlementID: sid,
		Key:          key,
		AuctionID:    a.ID,
		Creator:      a.Creator,
		Amount:       amount,
		Timestamp:    c.clock.Now().UTC(),
	}); err != nil {
		c.mu.Unlock()
		return fpmath.Quantity{}, c.reject(cmd, err)
	}
	c.mu.Unlock()

	transferErr := c.token.Transfer(ctx, c.address, a.Creator, amount)

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now().UTC()
	if transferErr != nil {
		c.transferFailed("payout", transferErr)
		if _, err := c.commit(&event.PoolWithdrawalRejected{
			SettlementID: sid,
			AuctionID:    a.ID,
			Creator:      a.Creator,
			Amount:       amount,
			Reason:       transferErr.Error(),
			Timestamp:    now,
		}); err != nil {
			panic(fmt.Sprintf("FATAL: cannot restore pool after failed payout %s: %v", sid, err))
		}
		return fpmath.Quantity{}, c.reject(cmd, fmt.Errorf("withdraw bid pool: %w", transferErr))
	}

	if _, err := c.commit(&event.PoolWithdrawalConfirmed{
		SettlementID: sid,
		AuctionID:    a.ID,
		Creator:      a.Creator,
		Amount:       amount,
		Timestamp:    now,
	}); err != nil {
		panic(fmt.Sprintf("FATAL: cannot confirm payout %s: %v", sid, err))
	}

	if c.metrics != nil {
		c.metrics.PoolsSettled.Inc()
	}
	c.observe(cmd, start)
	c.logger.Info().Uint64("auction_id", a.ID).Str("amount", amount.String()).Msg("bid pool settled")
	return amount, nil
}

// ===== Pipeline =====

// claim checks the command's idempotency key and returns the key its
// primary event will carry. Must hold c.mu.
func (c *Engine) claim(cmd Command) (string, error) {
	key := commandKey(cmd)
	if key == "" {
		return uuid.NewString(), nil
	}
	et := cmd.primaryEvent().String()
	if dup, tier := c.idempotency.IsDuplicate(et, key); dup {
		if c.metrics != nil {
			c.metrics.IdempotencyDuplicates.WithLabelValues(cmd.CommandName(), tier).Inc()
		}
		return "", fmt.Errorf("%w: %s %s", ErrDuplicate, cmd.CommandName(), key)
	}
	return key, nil
}

func commandKey(cmd Command) string {
	switch x := cmd.(type) {
	case StartAuctionCmd:
		return x.Key
	case PlaceBidCmd:
		return x.Key
	case CloseAuctionCmd:
		return x.Key
	case AddBalanceCmd:
		return x.Key
	case WithdrawBalanceCmd:
		return x.Key
	case WithdrawBidPoolCmd:
		return x.Key
	}
	return ""
}

// apply runs one event through the ledger and state. Nothing is mutated
// unless the whole event applies.
func (c *Engine) apply(evt event.Event) (CoreOutput, error) {
	seq := c.sequence

	payload, err := event.Encode(evt)
	if err != nil {
		return CoreOutput{}, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}

	batch, err := c.journalGen.Generate(evt, seq)
	if err != nil {
		return CoreOutput{}, fmt.Errorf("journal: %w", err)
	}
	if batch != nil {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
	}

	if err := c.applyState(evt); err != nil {
		return CoreOutput{}, err
	}

	if batch != nil {
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch after state change: %v", err))
		}
		if err := c.validator.ValidateAccountsNonNegative(batch); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}

	if seq%1000 == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated at seq %d: %v", seq, err))
		}
	}

	digest := c.computeStateDigest(batch, evt)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, digest)

	envelope := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		AuctionID:      evt.AuctionRef(),
		Timestamp:      evt.OccurredAt(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	c.sequence++
	c.idempotency.MarkProcessed(evt.EventType().String(), evt.IdempotencyKey())

	return CoreOutput{
		Envelope:   envelope,
		Event:      evt,
		Batch:      batch,
		StateDelta: digest,
	}, nil
}

// commit applies evt and hands the output to the workers. Must hold c.mu.
func (c *Engine) commit(evt event.Event) (CoreOutput, error) {
	out, err := c.apply(evt)
	if err != nil {
		return out, err
	}

	// Persistence is a blocking send so no event is lost; projections drop
	// on a full channel and catch up by rebuilding from the log.
	if c.persistChan != nil {
		c.persistChan <- out
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- out:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	if c.metrics != nil {
		eventType := evt.EventType().String()
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))
		if out.Batch != nil {
			for _, j := range out.Batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	c.logger.Debug().
		Int64("sequence", out.Envelope.Sequence).
		Str("event_type", evt.EventType().String()).
		Str("idempotency_key", evt.IdempotencyKey()).
		Msg("event committed")
	return out, nil
}

// applyState mutates the registry for events that carry auction state.
func (c *Engine) applyState(evt event.Event) error {
	switch e := evt.(type) {
	case *event.AuctionCreated:
		_, err := c.registry.Create(e.AuctionID, e.Creator, e.EndTime, e.BiddingUnit, e.Timestamp)
		return err
	case *event.BidPlaced:
		a := c.registry.Get(e.AuctionID)
		if a == nil {
			return fmt.Errorf("%w: %d", ErrAuctionNotFound, e.AuctionID)
		}
		if uint64(a.BidsCount()) != e.BidSequence {
			return fmt.Errorf("auction %d: bid sequence %d, log has %d", e.AuctionID, e.BidSequence, a.BidsCount())
		}
		a.RecordBid(e.Bidder, e.Amount)
	case *event.AuctionClosed:
		a := c.registry.Get(e.AuctionID)
		if a == nil {
			return fmt.Errorf("%w: %d", ErrAuctionNotFound, e.AuctionID)
		}
		a.Closed = true
	case *event.WithdrawalRequested:
		c.inflight[e.WithdrawalID] = Payout{
			ID: e.WithdrawalID, Kind: PayoutWithdrawal, Recipient: e.Account,
			Amount: e.Amount, Sequence: c.sequence,
		}
	case *event.WithdrawalConfirmed:
		delete(c.inflight, e.WithdrawalID)
	case *event.WithdrawalRejected:
		delete(c.inflight, e.WithdrawalID)
	case *event.PoolWithdrawalRequested:
		a := c.registry.Get(e.AuctionID)
		if a == nil {
			return fmt.Errorf("%w: %d", ErrAuctionNotFound, e.AuctionID)
		}
		if a.Withdrawn {
			return fmt.Errorf("%w: %d", ErrAlreadyWithdrawn, e.AuctionID)
		}
		a.Withdrawn = true
		c.inflight[e.SettlementID] = Payout{
			ID: e.SettlementID, Kind: PayoutPool, Recipient: e.Creator,
			AuctionID: e.AuctionID, Amount: e.Amount, Sequence: c.sequence,
		}
	case *event.PoolWithdrawalConfirmed:
		delete(c.inflight, e.SettlementID)
	case *event.PoolWithdrawalRejected:
		a := c.registry.Get(e.AuctionID)
		if a == nil {
			return fmt.Errorf("%w: %d", ErrAuctionNotFound, e.AuctionID)
		}
		a.Withdrawn = false
		delete(c.inflight, e.SettlementID)
	}
	return nil
}

// computeStateDigest creates canonical bytes for the state hash: every
// account the batch touched, sorted by path, then the affected auction.
func (c *Engine) computeStateDigest(batch *ledger.Batch, evt event.Event) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*96)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = append(digest, c.balanceTracker.GetBalance(key).Bytes()...)
	}

	if ref := evt.AuctionRef(); ref != nil {
		if a := c.registry.Get(*ref); a != nil {
			digest = append(digest, a.CanonicalBytes()...)
		}
	}
	return digest
}

// Authenticate verifies cred and returns its subject. Transports use it to
// bind write commands to the credential holder.
func (c *Engine) Authenticate(cred credential.Credential) (common.Address, error) {
	return c.verify(cred)
}

func (c *Engine) verify(cred credential.Credential) (common.Address, error) {
	subject, err := c.authority.Verify(cred, nil)
	if c.metrics != nil {
		result := "ok"
		switch {
		case errors.Is(err, credential.ErrExpired):
			result = "expired"
		case err != nil:
			result = "invalid"
		}
		c.metrics.CredentialVerifications.WithLabelValues(result).Inc()
	}
	return subject, err
}

// reject records a rejected command. It touches only metrics and the
// logger, so callers may hold c.mu or not.
func (c *Engine) reject(cmd Command, err error) error {
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(cmd.CommandName(), reason(err)).Inc()
	}
	c.logger.Debug().Err(err).Str("command", cmd.CommandName()).Msg("command rejected")
	return err
}

func (c *Engine) transferFailed(op string, err error) {
	if c.metrics != nil {
		c.metrics.ExternalTransferErr.WithLabelValues(op).Inc()
	}
	c.logger.Warn().Err(err).Str("operation", op).Msg("token transfer failed")
}

func (c *Engine) observe(cmd Command, start time.Time) {
	if c.metrics != nil {
		c.metrics.CoreCommandDuration.WithLabelValues(cmd.CommandName()).Observe(time.Since(start).Seconds())
	}
}
