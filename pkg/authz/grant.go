// Package authz implements the client side of the decryption
// authorization protocol: ephemeral keypairs, signed time-bounded
// authorization messages, and the relayer exchange that recovers
// plaintext for ciphertext handles the identity may read.
package authz

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/veilgrid/veilgrid/pkg/fhe"
	"github.com/veilgrid/veilgrid/pkg/identity"
)

// GrantValidity is the fixed validity window of an authorization grant.
const GrantValidity = 10 * 24 * time.Hour

// PrimaryType of the authorization message. Relayers verify signatures
// over exactly this shape; changing it breaks interoperability.
const PrimaryType = "UserDecryptRequestVerification"

// DomainName and DomainVersion scope grant signatures.
const (
	DomainName    = "VeilGrid"
	DomainVersion = "1"
)

// Keypair is a single-use X25519 keypair protecting the in-transit
// re-encrypted plaintext. Never reuse one across requests or retries.
type Keypair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeypair draws a fresh ephemeral keypair.
func GenerateKeypair() (Keypair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate ephemeral keypair: %w", err)
	}
	return Keypair{Public: *pub, Private: *priv}, nil
}

// HandlePair names one ciphertext handle and the contract that owns it.
type HandlePair struct {
	Handle   fhe.Handle       `json:"handle"`
	Contract identity.Address `json:"contract"`
}

// CreateAuthorizationMessage builds the typed message an identity signs
// to authorize decryption: the ephemeral public key, the contract
// scope, a start timestamp, and the validity duration. The relayer
// rebuilds the identical message from the request fields, so the
// submitted ephemeral key must be the signed one.
func CreateAuthorizationMessage(pub [32]byte, contracts []identity.Address, start time.Time, duration time.Duration, chainID uint64) identity.TypedData {
	contractStrs := make([]string, len(contracts))
	for i, c := range contracts {
		contractStrs[i] = c.String()
	}
	return identity.TypedData{
		Domain: identity.Domain{
			Name:    DomainName,
			Version: DomainVersion,
			ChainID: chainID,
		},
		Types: map[string][]identity.Field{
			PrimaryType: {
				{Name: "publicKey", Type: "bytes"},
				{Name: "contractAddresses", Type: "address[]"},
				{Name: "startTimestamp", Type: "uint256"},
				{Name: "durationSeconds", Type: "uint256"},
			},
		},
		PrimaryType: PrimaryType,
		Message: map[string]any{
			"publicKey":         hex.EncodeToString(pub[:]),
			"contractAddresses": contractStrs,
			"startTimestamp":    uint64(start.Unix()),
			"durationSeconds":   uint64(duration / time.Second),
		},
	}
}
