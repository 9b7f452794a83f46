package token

import (
	"context"
	"errors"

	fpmath "LubaLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrInsufficientFunds     = errors.New("token: transfer amount exceeds balance")
	ErrInvalidAmount         = errors.New("token: amount must be positive")
)

// Token is the fungible-token collaborator holding escrowed funds.
// Every method acts on behalf of an explicit account; the engine passes its
// own address where it is the spender or sender.
type Token interface {
	// TransferFrom moves amount from -> to using spender's allowance.
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount fpmath.Quantity) error

	// Transfer moves amount from -> to.
	Transfer(ctx context.Context, from, to common.Address, amount fpmath.Quantity) error

	BalanceOf(ctx context.Context, account common.Address) (fpmath.Quantity, error)

	Allowance(ctx context.Context, owner, spender common.Address) (fpmath.Quantity, error)

	Approve(ctx context.Context, owner, spender common.Address, amount fpmath.Quantity) error

	// Mint credits amount to account (faucet; demo deployments only).
	Mint(ctx context.Context, account common.Address, amount fpmath.Quantity) error
}
