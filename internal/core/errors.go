package core

import (
	"errors"

	"LubaLedger/internal/credential"
	"LubaLedger/internal/state"
	"LubaLedger/internal/token"
)

// Validation errors.
var (
	ErrInvalidSchedule    = errors.New("invalid schedule: end time must be in the future")
	ErrInvalidUnit        = errors.New("invalid bidding unit: must be positive and on the bid grid")
	ErrPrecisionViolation = errors.New("precision violation: amount is not an exact multiple of the bidding unit on the bid grid")
	ErrInvalidAmount      = errors.New("invalid amount")
)

// State errors.
var (
	ErrAuctionClosedOrMissing = errors.New("auction closed or missing")
	ErrAuctionNotFound        = errors.New("auction not found")
	ErrAuctionNotEnded        = errors.New("auction not ended")
	ErrNotEnded               = errors.New("auction has not reached its end time")
	ErrAlreadyWithdrawn       = errors.New("bid pool already withdrawn")
	ErrNoBids                 = state.ErrNoBids
	ErrDuplicate              = errors.New("duplicate command")
)

// Authorization and resource errors.
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientBalance = errors.New("insufficient escrow balance")
)

// Kind groups errors for transport status mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindState
	KindAuthentication
	KindAuthorization
	KindResource
	KindDuplicate
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "state"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindResource:
		return "resource"
	case KindDuplicate:
		return "duplicate"
	default:
		return "internal"
	}
}

// ErrorKind classifies err. Unknown errors are internal.
func ErrorKind(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrDuplicate):
		return KindDuplicate
	case errors.Is(err, ErrInvalidSchedule),
		errors.Is(err, ErrInvalidUnit),
		errors.Is(err, ErrPrecisionViolation),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, credential.ErrMalformed):
		return KindValidation
	case errors.Is(err, ErrAuctionNotFound):
		return KindNotFound
	case errors.Is(err, ErrAuctionClosedOrMissing),
		errors.Is(err, ErrAuctionNotEnded),
		errors.Is(err, ErrNotEnded),
		errors.Is(err, ErrAlreadyWithdrawn),
		errors.Is(err, ErrNoBids):
		return KindState
	case errors.Is(err, credential.ErrInvalidSignature),
		errors.Is(err, credential.ErrExpired):
		return KindAuthentication
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, credential.ErrSubjectMismatch):
		return KindAuthorization
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, token.ErrInsufficientAllowance),
		errors.Is(err, token.ErrInsufficientFunds),
		errors.Is(err, token.ErrInvalidAmount):
		return KindResource
	default:
		return KindInternal
	}
}

// reason is the metrics label for a rejected command.
func reason(err error) string {
	return ErrorKind(err).String()
}
