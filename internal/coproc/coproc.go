// Package coproc is the in-process coprocessor backing the fhe.Ops
// surface. It is the only component that ever sees plaintext: values
// live sealed in ciphertext envelopes keyed by content-derived handles,
// and leave only through the ACL-gated DecryptFor path used by the
// relayer.
package coproc

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/veilgrid/veilgrid/pkg/fhe"
	"github.com/veilgrid/veilgrid/pkg/identity"
)

// Encrypted value kinds carried inside envelopes.
const (
	kindEuint8 = uint8(0)
	kindEbool  = uint8(1)
)

var ciphertextPrefix = datastore.NewKey("/ciphertexts")

// AccessStore persists per-handle access-control lists. Grants are
// monotonic: once granted, never revoked.
type AccessStore interface {
	Grant(ctx context.Context, h fhe.Handle, grantee identity.Address) error
	Allowed(ctx context.Context, h fhe.Handle, grantee identity.Address) (bool, error)
	Grantees(ctx context.Context, h fhe.Handle) ([]identity.Address, error)
}

// envelope is the sealed at-rest form of an encrypted value.
type envelope struct {
	Kind   uint8    `cbor:"kind"`
	Nonce  [24]byte `cbor:"nonce"`
	Sealed []byte   `cbor:"sealed"`
}

// Config configures a Coprocessor.
type Config struct {
	// RootKey seals all locally held ciphertexts. Required.
	RootKey [32]byte

	// Ciphertexts stores sealed envelopes by handle. Required.
	Ciphertexts datastore.Datastore

	// Access persists access-control lists. Required.
	Access AccessStore

	Logger *slog.Logger
}

// Coprocessor implements fhe.Ops over envelopes held in a datastore.
type Coprocessor struct {
	rootKey   [32]byte
	inputPub  *[32]byte
	inputPriv *[32]byte
	store     datastore.Datastore
	access    AccessStore
	logger    *slog.Logger
}

// New creates a Coprocessor with a fresh X25519 input keypair. Clients
// seal external inputs to InputPublicKey.
func New(cfg Config) (*Coprocessor, error) {
	if cfg.Ciphertexts == nil {
		return nil, errors.New("ciphertext datastore is required")
	}
	if cfg.Access == nil {
		return nil, errors.New("access store is required")
	}
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate input keypair: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coprocessor{
		rootKey:   cfg.RootKey,
		inputPub:  pub,
		inputPriv: priv,
		store:     cfg.Ciphertexts,
		access:    cfg.Access,
		logger:    logger,
	}, nil
}

// InputPublicKey returns the key clients seal external inputs to.
func (c *Coprocessor) InputPublicKey() [32]byte {
	return *c.inputPub
}

// seal encrypts a value under the root key, stores the envelope, and
// returns its content-derived handle.
func (c *Coprocessor) seal(ctx context.Context, kind, value uint8) (fhe.Handle, error) {
	var env envelope
	env.Kind = kind
	if _, err := rand.Read(env.Nonce[:]); err != nil {
		return "", fmt.Errorf("envelope nonce: %w", err)
	}
	env.Sealed = secretbox.Seal(nil, []byte{value}, &env.Nonce, &c.rootKey)

	raw, err := cbor.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	h, err := deriveHandle(raw)
	if err != nil {
		return "", err
	}
	if err := c.store.Put(ctx, handleKey(h), raw); err != nil {
		return "", fmt.Errorf("store envelope: %w", err)
	}
	return h, nil
}

// open fetches and decrypts the envelope behind a handle.
func (c *Coprocessor) open(ctx context.Context, h fhe.Handle) (uint8, uint8, error) {
	raw, err := c.store.Get(ctx, handleKey(h))
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return 0, 0, fmt.Errorf("%w: %s", fhe.ErrUnknownHandle, h)
		}
		return 0, 0, fmt.Errorf("fetch envelope %s: %w", h, err)
	}
	var env envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return 0, 0, fmt.Errorf("decode envelope %s: %w", h, err)
	}
	plain, ok := secretbox.Open(nil, env.Sealed, &env.Nonce, &c.rootKey)
	if !ok || len(plain) != 1 {
		return 0, 0, fmt.Errorf("open envelope %s: ciphertext does not authenticate", h)
	}
	return env.Kind, plain[0], nil
}

// openKind opens a handle and enforces its encrypted type.
func (c *Coprocessor) openKind(ctx context.Context, h fhe.Handle, kind uint8) (uint8, error) {
	gotKind, v, err := c.open(ctx, h)
	if err != nil {
		return 0, err
	}
	if gotKind != kind {
		return 0, fmt.Errorf("%w: handle %s", fhe.ErrTypeMismatch, h)
	}
	return v, nil
}

// deriveHandle computes the CIDv1 (raw codec, BLAKE3 multihash) of an
// envelope's bytes.
func deriveHandle(raw []byte) (fhe.Handle, error) {
	hash, err := mh.Sum(raw, mh.BLAKE3, 32)
	if err != nil {
		return "", fmt.Errorf("hash envelope: %w", err)
	}
	return fhe.Handle(cid.NewCidV1(uint64(multicodec.Raw), hash).String()), nil
}

func handleKey(h fhe.Handle) datastore.Key {
	return ciphertextPrefix.ChildString(string(h))
}
