// Package encryptor is the client-side component that turns plaintext
// coordinates into ciphertext envelopes plus a binding proof usable by
// the ledger. Plaintext never leaves the process unencrypted.
package encryptor

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/nacl/box"

	"github.com/veilgrid/veilgrid/pkg/fhe"
	"github.com/veilgrid/veilgrid/pkg/identity"
)

// ErrEncryptionUnavailable is returned when the encryption session has
// not finished initializing (no coprocessor input key yet).
var ErrEncryptionUnavailable = errors.New("encryption session not initialized")

// Client encrypts inputs to a coprocessor's public input key.
type Client struct {
	mu       sync.RWMutex
	inputKey *[32]byte
}

// NewClient creates a ready client for a known input key.
func NewClient(inputKey [32]byte) *Client {
	k := inputKey
	return &Client{inputKey: &k}
}

// NewPendingClient creates a client whose session is still
// initializing; operations fail with ErrEncryptionUnavailable until
// SetInputKey is called.
func NewPendingClient() *Client {
	return &Client{}
}

// SetInputKey completes session initialization.
func (c *Client) SetInputKey(inputKey [32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := inputKey
	c.inputKey = &k
}

// Ready reports whether the session is initialized.
func (c *Client) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inputKey != nil
}

// InputBuilder accumulates values for one encrypted input.
type InputBuilder struct {
	client   *Client
	contract identity.Address
	identity identity.Address
	values   []uint8
}

// CreateEncryptedInput starts an input bound to a ledger instance and
// submitting identity.
func (c *Client) CreateEncryptedInput(contract, submitter identity.Address) *InputBuilder {
	return &InputBuilder{client: c, contract: contract, identity: submitter}
}

// Add8 appends an 8-bit value. The value need not be in grid range;
// clamping is the ledger's responsibility.
func (b *InputBuilder) Add8(v uint8) *InputBuilder {
	b.values = append(b.values, v)
	return b
}

// Encrypt seals every value to the coprocessor's input key and computes
// the binding proof over (contract, identity, envelopes).
func (b *InputBuilder) Encrypt() (fhe.EncryptedInput, error) {
	b.client.mu.RLock()
	key := b.client.inputKey
	b.client.mu.RUnlock()
	if key == nil {
		return fhe.EncryptedInput{}, ErrEncryptionUnavailable
	}
	if len(b.values) == 0 {
		return fhe.EncryptedInput{}, errors.New("no values added")
	}

	envelopes := make([][]byte, 0, len(b.values))
	for i, v := range b.values {
		env, err := box.SealAnonymous(nil, []byte{v}, key, rand.Reader)
		if err != nil {
			return fhe.EncryptedInput{}, fmt.Errorf("seal value %d: %w", i, err)
		}
		envelopes = append(envelopes, env)
	}

	return fhe.EncryptedInput{
		Contract:  b.contract,
		Identity:  b.identity,
		Envelopes: envelopes,
		Tag:       fhe.BindingTag(b.contract, b.identity, envelopes),
	}, nil
}

// EncryptPair encrypts an (x, y) coordinate pair for a move submission.
func (c *Client) EncryptPair(contract, submitter identity.Address, x, y uint8) (fhe.EncryptedInput, error) {
	return c.CreateEncryptedInput(contract, submitter).Add8(x).Add8(y).Encrypt()
}
