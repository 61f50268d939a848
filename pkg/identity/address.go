// Package identity provides identity addresses, long-term signing keys,
// and the typed-data signing scheme used by authorization grants.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// AddressLen is the length of an identity address in bytes.
const AddressLen = 20

// Address identifies a participant or a deployed ledger instance.
// It is the trailing 20 bytes of the BLAKE3-256 digest of the
// identity's Ed25519 public key.
type Address [AddressLen]byte

// AddressFromPublicKey derives the address for an Ed25519 public key.
func AddressFromPublicKey(pub ed25519.PublicKey) Address {
	sum := blake3.Sum256(pub)
	var a Address
	copy(a[:], sum[32-AddressLen:])
	return a
}

// ParseAddress parses a 0x-prefixed hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	hexPart := strings.TrimPrefix(s, "0x")
	if len(hexPart) != AddressLen*2 {
		return a, fmt.Errorf("invalid address length: %q", s)
	}
	b, err := hex.DecodeString(hexPart)
	if err != nil {
		return a, fmt.Errorf("invalid address %q: %w", s, err)
	}
	copy(a[:], b)
	return a, nil
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether the address is the zero value.
func (a Address) IsZero() bool {
	return a == Address{}
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
