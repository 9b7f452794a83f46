package credential

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	// SignInName is both the EIP-712 domain name and the "name" message field.
	SignInName    = "LUBA.SignIn"
	SignInVersion = "1"

	// DefaultValidity is how long a freshly issued credential stays valid.
	DefaultValidity = 24 * time.Hour
)

var (
	ErrInvalidSignature = errors.New("credential: invalid signature")
	ErrExpired          = errors.New("credential: expired")
	ErrSubjectMismatch  = errors.New("credential: subject mismatch")
	ErrMalformed        = errors.New("credential: malformed")
)

// Domain binds a credential to one engine deployment.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

// NewDomain returns the sign-in domain for an engine at address on chainID.
func NewDomain(chainID int64, engine common.Address) Domain {
	return Domain{
		Name:              SignInName,
		Version:           SignInVersion,
		ChainID:           chainID,
		VerifyingContract: engine,
	}
}

// Credential asserts "I am Subject, valid until ValidUntil".
type Credential struct {
	Subject    common.Address
	ValidUntil time.Time
	Signature  []byte // 65 bytes, R || S || V
}

// Parse builds a Credential from its wire form: hex subject, unix-seconds
// expiry and 0x-prefixed hex signature.
func Parse(subject, validUntil, signature string) (Credential, error) {
	if !common.IsHexAddress(subject) {
		return Credential{}, fmt.Errorf("%w: subject %q", ErrMalformed, subject)
	}
	secs, err := strconv.ParseUint(validUntil, 10, 32)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: valid_until %q", ErrMalformed, validUntil)
	}
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != 65 {
		return Credential{}, fmt.Errorf("%w: signature", ErrMalformed)
	}

	return Credential{
		Subject:    common.HexToAddress(subject),
		ValidUntil: time.Unix(int64(secs), 0).UTC(),
		Signature:  sig,
	}, nil
}

// TypedData returns the EIP-712 payload a wallet signs for this subject and expiry.
func (d Domain) TypedData(subject common.Address, validUntil time.Time) (apitypes.TypedData, error) {
	secs := validUntil.Unix()
	if secs < 0 || secs > math.MaxUint32 {
		return apitypes.TypedData{}, fmt.Errorf("%w: valid_until out of uint32 range", ErrMalformed)
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"SignIn": {
				{Name: "name", Type: "string"},
				{Name: "user", Type: "address"},
				{Name: "time", Type: "uint32"},
			},
		},
		PrimaryType: "SignIn",
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*gethmath.HexOrDecimal256)(big.NewInt(d.ChainID)),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"name": SignInName,
			"user": subject.Hex(),
			"time": strconv.FormatInt(secs, 10),
		},
	}, nil
}

// Digest returns the 32-byte EIP-712 hash to be signed.
func (d Domain) Digest(subject common.Address, validUntil time.Time) ([]byte, error) {
	td, err := d.TypedData(subject, validUntil)
	if err != nil {
		return nil, err
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return hash, nil
}
