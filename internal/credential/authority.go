package credential

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"LubaLedger/internal/clock"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Authority verifies sign-in credentials for one domain.
type Authority struct {
	domain Domain
	clock  clock.Clock
}

func NewAuthority(domain Domain, clk clock.Clock) *Authority {
	return &Authority{domain: domain, clock: clk}
}

func (a *Authority) Domain() Domain {
	return a.domain
}

// Verify checks the credential and returns its subject.
// If expected is non-nil the subject must equal it.
func (a *Authority) Verify(cred Credential, expected *common.Address) (common.Address, error) {
	if a.clock.Now().After(cred.ValidUntil) {
		return common.Address{}, fmt.Errorf("%w: valid until %s", ErrExpired, cred.ValidUntil.Format(time.RFC3339))
	}

	signer, err := a.recover(cred)
	if err != nil {
		return common.Address{}, err
	}
	if signer != cred.Subject {
		return common.Address{}, fmt.Errorf("%w: signed by %s, claims %s", ErrInvalidSignature, signer.Hex(), cred.Subject.Hex())
	}

	if expected != nil && *expected != cred.Subject {
		return common.Address{}, ErrSubjectMismatch
	}

	return cred.Subject, nil
}

func (a *Authority) recover(cred Credential) (common.Address, error) {
	if len(cred.Signature) != 65 {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(cred.Signature))
	}

	digest, err := a.domain.Digest(cred.Subject, cred.ValidUntil)
	if err != nil {
		return common.Address{}, err
	}

	sig := make([]byte, 65)
	copy(sig, cred.Signature)
	// Wallets emit V as 27/28
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Issue signs a credential for key's address valid until validUntil.
// Clients and tests use this; the engine only verifies.
func Issue(domain Domain, key *ecdsa.PrivateKey, validUntil time.Time) (Credential, error) {
	subject := crypto.PubkeyToAddress(key.PublicKey)

	// EIP-712 time is whole seconds
	validUntil = time.Unix(validUntil.Unix(), 0).UTC()

	digest, err := domain.Digest(subject, validUntil)
	if err != nil {
		return Credential{}, err
	}

	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return Credential{}, fmt.Errorf("sign credential: %w", err)
	}
	sig[64] += 27

	return Credential{
		Subject:    subject,
		ValidUntil: validUntil,
		Signature:  sig,
	}, nil
}

// SignatureHex encodes the signature for the wire.
func (c Credential) SignatureHex() string {
	return hexutil.Encode(c.Signature)
}
