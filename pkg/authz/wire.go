package authz

import (
	"github.com/veilgrid/veilgrid/pkg/fhe"
	"github.com/veilgrid/veilgrid/pkg/identity"
)

// UserDecryptRequest is the relayer wire format. The signature travels
// without its 0x prefix. The ephemeral private key never travels at
// all; it stays with the requester to open the sealed results.
type UserDecryptRequest struct {
	HandlePairs     []HandlePair       `json:"handleContractPairs"`
	PublicKey       string             `json:"publicKey"` // hex ephemeral public key
	Signature       string             `json:"signature"` // hex, no 0x prefix
	Contracts       []identity.Address `json:"contractAddresses"`
	Requester       identity.Address   `json:"userAddress"`
	StartTimestamp  uint64             `json:"startTimestamp"`
	DurationSeconds uint64             `json:"durationSeconds"`
}

// UserDecryptResponse maps each handle to its plaintext, sealed to the
// request's ephemeral public key and base64-encoded.
type UserDecryptResponse struct {
	Results map[fhe.Handle]string `json:"results"`
}
