package token

import (
	"context"
	"fmt"
	"sync"

	fpmath "LubaLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// FaucetAmount is what one faucet mint credits (10 whole tokens).
var FaucetAmount = fpmath.MustParseQuantity("10", fpmath.TokenConfig)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// MemoryToken is an in-process ERC-20 style token used by demo deployments
// and tests. Safe for concurrent use.
type MemoryToken struct {
	mu         sync.Mutex
	symbol     string
	balances   map[common.Address]fpmath.Quantity
	allowances map[allowanceKey]fpmath.Quantity
	supply     fpmath.Quantity
}

func NewMemoryToken(symbol string) *MemoryToken {
	return &MemoryToken{
		symbol:     symbol,
		balances:   make(map[common.Address]fpmath.Quantity),
		allowances: make(map[allowanceKey]fpmath.Quantity),
	}
}

func (t *MemoryToken) Symbol() string {
	return t.symbol
}

func (t *MemoryToken) TransferFrom(ctx context.Context, spender, from, to common.Address, amount fpmath.Quantity) error {
	if amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := allowanceKey{owner: from, spender: spender}
	allowed := t.allowances[key]
	if allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: allowed=%s, need=%s", ErrInsufficientAllowance, allowed, amount)
	}
	if err := t.move(from, to, amount); err != nil {
		return err
	}
	t.allowances[key] = allowed.Sub(amount)
	return nil
}

func (t *MemoryToken) Transfer(ctx context.Context, from, to common.Address, amount fpmath.Quantity) error {
	if amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

// move requires t.mu held.
func (t *MemoryToken) move(from, to common.Address, amount fpmath.Quantity) error {
	have := t.balances[from]
	if have.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientFunds, have, amount)
	}
	t.balances[from] = have.Sub(amount)
	t.balances[to] = t.balances[to].Add(amount)
	return nil
}

func (t *MemoryToken) BalanceOf(ctx context.Context, account common.Address) (fpmath.Quantity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[account], nil
}

func (t *MemoryToken) Allowance(ctx context.Context, owner, spender common.Address) (fpmath.Quantity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allowances[allowanceKey{owner: owner, spender: spender}], nil
}

func (t *MemoryToken) Approve(ctx context.Context, owner, spender common.Address, amount fpmath.Quantity) error {
	if amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.allowances[allowanceKey{owner: owner, spender: spender}] = amount
	return nil
}

func (t *MemoryToken) Mint(ctx context.Context, account common.Address, amount fpmath.Quantity) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[account] = t.balances[account].Add(amount)
	t.supply = t.supply.Add(amount)
	return nil
}

// TotalSupply returns everything minted so far.
func (t *MemoryToken) TotalSupply() fpmath.Quantity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.supply
}
