package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/veilgrid/veilgrid/pkg/fhe"
	"github.com/veilgrid/veilgrid/pkg/identity"
)

var (
	// ErrMissingContext indicates a prerequisite (relayer, ledger
	// reader, signer, or handles) is absent; the caller must complete
	// setup before retrying.
	ErrMissingContext = errors.New("decryption context incomplete")

	// ErrSignerUnavailable indicates the signing key could not be
	// obtained or refused to sign.
	ErrSignerUnavailable = errors.New("signer unavailable")

	// ErrDecryptionFailed is the opaque surface of every relayer-side
	// rejection. Retry the whole protocol with a fresh keypair.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Decrypter is the relayer round-trip. The concrete HTTP client lives
// in pkg/relayer.
type Decrypter interface {
	UserDecrypt(
		ctx context.Context,
		pairs []HandlePair,
		privateKey, publicKey [32]byte,
		signature string,
		contracts []identity.Address,
		requester identity.Address,
		start time.Time,
		duration time.Duration,
	) (map[fhe.Handle]uint8, error)
}

// LedgerReader fetches ciphertext handles for an identity.
type LedgerReader interface {
	GetPosition(ctx context.Context, addr identity.Address) (x, y fhe.Handle, err error)
}

// Session holds everything one identity needs to run the decryption
// protocol. Grants are built fresh per request and never reused.
type Session struct {
	Relayer Decrypter
	Reader  LedgerReader
	Signer  *identity.Signer
	ChainID uint64
}

// DecryptPosition runs the full protocol for the session identity's
// position on a ledger: read handles, generate an ephemeral keypair,
// build and sign the authorization message, exchange with the relayer,
// reconstruct the coordinate pair. Each step's failure short-circuits
// the rest; no partial authorization state is retained.
func (s *Session) DecryptPosition(ctx context.Context, contract identity.Address) (x, y uint8, err error) {
	if s == nil || s.Relayer == nil || s.Reader == nil {
		return 0, 0, fmt.Errorf("%w: relayer or ledger reader not configured", ErrMissingContext)
	}
	if s.Signer == nil {
		return 0, 0, fmt.Errorf("%w: no signer", ErrMissingContext)
	}
	requester := s.Signer.Address()

	xh, yh, err := s.Reader.GetPosition(ctx, requester)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: read handles: %v", ErrMissingContext, err)
	}

	kp, err := GenerateKeypair()
	if err != nil {
		return 0, 0, err
	}

	start := time.Now()
	contracts := []identity.Address{contract}
	message := CreateAuthorizationMessage(kp.Public, contracts, start, GrantValidity, s.ChainID)

	signature, err := s.Signer.SignTypedData(message)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	// The relayer expects the signature without its 0x prefix.
	signature = strings.TrimPrefix(signature, "0x")

	pairs := []HandlePair{
		{Handle: xh, Contract: contract},
		{Handle: yh, Contract: contract},
	}
	plaintexts, err := s.Relayer.UserDecrypt(ctx, pairs, kp.Private, kp.Public,
		signature, contracts, requester, start, GrantValidity)
	if err != nil {
		// Relayer error subtypes are deliberately not distinguished.
		return 0, 0, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	xv, ok := plaintexts[xh]
	if !ok {
		return 0, 0, fmt.Errorf("%w: missing result for x handle", ErrDecryptionFailed)
	}
	yv, ok := plaintexts[yh]
	if !ok {
		return 0, 0, fmt.Errorf("%w: missing result for y handle", ErrDecryptionFailed)
	}
	return xv, yv, nil
}
