package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Signature layout: 32-byte Ed25519 public key followed by the 64-byte
// signature. Ed25519 has no public-key recovery, so the key travels
// with the signature and the verifier checks it derives the claimed
// address.
const sigEnvelopeLen = ed25519.PublicKeySize + ed25519.SignatureSize

var (
	// ErrBadSignature is returned when a signature fails verification
	// or is malformed.
	ErrBadSignature = errors.New("bad signature")
)

// Signer holds an identity's long-term Ed25519 signing key.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	addr Address
}

// NewSigner wraps an existing Ed25519 private key.
func NewSigner(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length %d", len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{priv: priv, pub: pub, addr: AddressFromPublicKey(pub)}, nil
}

// GenerateSigner creates a fresh identity.
func GenerateSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Signer{priv: priv, pub: pub, addr: AddressFromPublicKey(pub)}, nil
}

// Address returns the identity address derived from the public key.
func (s *Signer) Address() Address {
	return s.addr
}

// PublicKey returns the long-term public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

// SignTypedData signs a typed message and returns the 0x-hex signature
// envelope.
func (s *Signer) SignTypedData(td TypedData) (string, error) {
	digest, err := td.Digest()
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(s.priv, digest[:])
	env := make([]byte, 0, sigEnvelopeLen)
	env = append(env, s.pub...)
	env = append(env, sig...)
	return "0x" + hex.EncodeToString(env), nil
}

// VerifyTypedData checks that sig is a valid signature by addr over td.
// The signature may carry a 0x prefix or not.
func VerifyTypedData(addr Address, td TypedData, sig string) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(raw) != sigEnvelopeLen {
		return fmt.Errorf("%w: envelope length %d", ErrBadSignature, len(raw))
	}
	pub := ed25519.PublicKey(raw[:ed25519.PublicKeySize])
	if AddressFromPublicKey(pub) != addr {
		return fmt.Errorf("%w: key does not match address %s", ErrBadSignature, addr)
	}
	digest, err := td.Digest()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, digest[:], raw[ed25519.PublicKeySize:]) {
		return ErrBadSignature
	}
	return nil
}
