// Package fhe defines the encrypted-integer primitive surface the
// ledger computes over: opaque ciphertext handles, homomorphic
// arithmetic and comparison, conditional select, and per-handle access
// grants. The package does not implement the cryptography; backends
// live behind the Ops interface.
package fhe

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"

	"github.com/veilgrid/veilgrid/pkg/identity"
)

// Handle is an opaque reference to an encrypted value. Its string form
// is a CIDv1 of the sealed ciphertext envelope; holding a handle grants
// nothing without an access grant and the decryption protocol.
type Handle string

// Validate checks that the handle parses as a CID.
func (h Handle) Validate() error {
	if h == "" {
		return ErrUnknownHandle
	}
	if _, err := cid.Decode(string(h)); err != nil {
		return errors.Join(ErrUnknownHandle, err)
	}
	return nil
}

var (
	// ErrInvalidProof indicates an encrypted input whose binding proof
	// does not verify for the claimed contract and identity.
	ErrInvalidProof = errors.New("invalid input proof")

	// ErrUnknownHandle indicates a handle with no ciphertext behind it.
	ErrUnknownHandle = errors.New("unknown ciphertext handle")

	// ErrNotAllowed indicates a decryption attempt by an identity that
	// is not on the handle's access-control list.
	ErrNotAllowed = errors.New("identity not allowed to decrypt handle")

	// ErrTypeMismatch indicates an operand of the wrong encrypted type,
	// such as an integer where an encrypted boolean is required.
	ErrTypeMismatch = errors.New("encrypted type mismatch")
)

// EncryptedInput carries externally produced ciphertexts into a ledger.
// Envelopes are sealed to the backend's input key; Tag binds them to
// the target contract and the submitting identity so they cannot be
// replayed elsewhere.
type EncryptedInput struct {
	Contract  identity.Address `json:"contract" cbor:"contract"`
	Identity  identity.Address `json:"identity" cbor:"identity"`
	Envelopes [][]byte         `json:"envelopes" cbor:"envelopes"`
	Tag       []byte           `json:"tag" cbor:"tag"`
}

// Ops is the homomorphic operation set consumed by the ledger. Every
// return is a fresh handle; inputs are never mutated. Comparison ops
// return encrypted booleans usable only as the condition of Select.
type Ops interface {
	// AsEuint8 trivially encrypts a plaintext constant.
	AsEuint8(ctx context.Context, v uint8) (Handle, error)

	// RandEuint8 draws an encrypted uniform random byte.
	RandEuint8(ctx context.Context) (Handle, error)

	// Add returns a + b (mod 256).
	Add(ctx context.Context, a, b Handle) (Handle, error)

	// Mod returns a mod b. b must be a nonzero encrypted constant.
	Mod(ctx context.Context, a, b Handle) (Handle, error)

	// Lt returns the encrypted boolean a < b.
	Lt(ctx context.Context, a, b Handle) (Handle, error)

	// Gt returns the encrypted boolean a > b.
	Gt(ctx context.Context, a, b Handle) (Handle, error)

	// Select returns ifTrue when cond holds, otherwise ifFalse, without
	// revealing cond.
	Select(ctx context.Context, cond, ifTrue, ifFalse Handle) (Handle, error)

	// Allow grants grantee the right to request decryption of h.
	// Grants accumulate; there is no revocation.
	Allow(ctx context.Context, h Handle, grantee identity.Address) error

	// VerifyInput checks an external input's binding proof and imports
	// its ciphertexts into local space, returning one handle per
	// envelope in submission order. Fails with ErrInvalidProof when the
	// proof does not validate.
	VerifyInput(ctx context.Context, in EncryptedInput) ([]Handle, error)
}
