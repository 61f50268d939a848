package identity

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// typedDataDomainSep separates typed-data digests from every other use
// of BLAKE3 in the system.
const typedDataDomainSep = "veilgrid/typed-data/v1"

// Domain scopes a typed message to a deployment, preventing replay of a
// signature against a different chain or contract.
type Domain struct {
	Name              string `json:"name" cbor:"name"`
	Version           string `json:"version" cbor:"version"`
	ChainID           uint64 `json:"chainId" cbor:"chainId"`
	VerifyingContract string `json:"verifyingContract,omitempty" cbor:"verifyingContract,omitempty"`
}

// Field describes one member of a typed message.
type Field struct {
	Name string `json:"name" cbor:"name"`
	Type string `json:"type" cbor:"type"`
}

// TypedData is a structured message with a domain separator, in the
// shape wallets expect from signTypedData.
type TypedData struct {
	Domain      Domain             `json:"domain" cbor:"domain"`
	Types       map[string][]Field `json:"types" cbor:"types"`
	PrimaryType string             `json:"primaryType" cbor:"primaryType"`
	Message     map[string]any     `json:"message" cbor:"message"`
}

// canonicalEnc produces deterministic CBOR so that signer and verifier
// arrive at the same digest for the same message.
var canonicalEnc cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor canonical encode mode: %v", err))
	}
	canonicalEnc = em
}

// Digest computes the 32-byte signing digest of the typed data.
func (td TypedData) Digest() ([32]byte, error) {
	var digest [32]byte
	enc, err := canonicalEnc.Marshal(td)
	if err != nil {
		return digest, fmt.Errorf("encode typed data: %w", err)
	}
	h := blake3.New()
	h.Write([]byte(typedDataDomainSep))
	h.Write([]byte{0})
	h.Write(enc)
	sum := h.Sum(nil)
	copy(digest[:], sum)
	return digest, nil
}
