package coproc

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"github.com/veilgrid/veilgrid/pkg/fhe"
	"github.com/veilgrid/veilgrid/pkg/identity"
)

// AsEuint8 implements fhe.Ops.
func (c *Coprocessor) AsEuint8(ctx context.Context, v uint8) (fhe.Handle, error) {
	return c.seal(ctx, kindEuint8, v)
}

// RandEuint8 implements fhe.Ops.
func (c *Coprocessor) RandEuint8(ctx context.Context) (fhe.Handle, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("random draw: %w", err)
	}
	return c.seal(ctx, kindEuint8, b[0])
}

// Add implements fhe.Ops.
func (c *Coprocessor) Add(ctx context.Context, a, b fhe.Handle) (fhe.Handle, error) {
	av, err := c.openKind(ctx, a, kindEuint8)
	if err != nil {
		return "", err
	}
	bv, err := c.openKind(ctx, b, kindEuint8)
	if err != nil {
		return "", err
	}
	return c.seal(ctx, kindEuint8, av+bv)
}

// Mod implements fhe.Ops.
func (c *Coprocessor) Mod(ctx context.Context, a, b fhe.Handle) (fhe.Handle, error) {
	av, err := c.openKind(ctx, a, kindEuint8)
	if err != nil {
		return "", err
	}
	bv, err := c.openKind(ctx, b, kindEuint8)
	if err != nil {
		return "", err
	}
	if bv == 0 {
		return "", errors.New("mod: zero modulus")
	}
	return c.seal(ctx, kindEuint8, av%bv)
}

// Lt implements fhe.Ops.
func (c *Coprocessor) Lt(ctx context.Context, a, b fhe.Handle) (fhe.Handle, error) {
	return c.compare(ctx, a, b, func(x, y uint8) bool { return x < y })
}

// Gt implements fhe.Ops.
func (c *Coprocessor) Gt(ctx context.Context, a, b fhe.Handle) (fhe.Handle, error) {
	return c.compare(ctx, a, b, func(x, y uint8) bool { return x > y })
}

func (c *Coprocessor) compare(ctx context.Context, a, b fhe.Handle, cmp func(x, y uint8) bool) (fhe.Handle, error) {
	av, err := c.openKind(ctx, a, kindEuint8)
	if err != nil {
		return "", err
	}
	bv, err := c.openKind(ctx, b, kindEuint8)
	if err != nil {
		return "", err
	}
	var r uint8
	if cmp(av, bv) {
		r = 1
	}
	return c.seal(ctx, kindEbool, r)
}

// Select implements fhe.Ops. cond must be an encrypted boolean.
func (c *Coprocessor) Select(ctx context.Context, cond, ifTrue, ifFalse fhe.Handle) (fhe.Handle, error) {
	cv, err := c.openKind(ctx, cond, kindEbool)
	if err != nil {
		return "", err
	}
	tv, err := c.openKind(ctx, ifTrue, kindEuint8)
	if err != nil {
		return "", err
	}
	fv, err := c.openKind(ctx, ifFalse, kindEuint8)
	if err != nil {
		return "", err
	}
	r := fv
	if cv != 0 {
		r = tv
	}
	return c.seal(ctx, kindEuint8, r)
}

// Allow implements fhe.Ops.
func (c *Coprocessor) Allow(ctx context.Context, h fhe.Handle, grantee identity.Address) error {
	if err := h.Validate(); err != nil {
		return err
	}
	return c.access.Grant(ctx, h, grantee)
}

// VerifyInput implements fhe.Ops. The binding tag is checked before any
// envelope is opened; a mismatch rejects the whole input.
func (c *Coprocessor) VerifyInput(ctx context.Context, in fhe.EncryptedInput) ([]fhe.Handle, error) {
	if len(in.Envelopes) == 0 {
		return nil, fmt.Errorf("%w: empty input", fhe.ErrInvalidProof)
	}
	if !fhe.VerifyBindingTag(in.Contract, in.Identity, in.Envelopes, in.Tag) {
		c.logger.Warn("input binding tag mismatch",
			"contract", in.Contract.String(),
			"identity", in.Identity.String())
		return nil, fhe.ErrInvalidProof
	}

	handles := make([]fhe.Handle, 0, len(in.Envelopes))
	for i, env := range in.Envelopes {
		plain, ok := box.OpenAnonymous(nil, env, c.inputPub, c.inputPriv)
		if !ok || len(plain) != 1 {
			return nil, fmt.Errorf("%w: envelope %d does not open", fhe.ErrInvalidProof, i)
		}
		h, err := c.seal(ctx, kindEuint8, plain[0])
		if err != nil {
			return nil, fmt.Errorf("import envelope %d: %w", i, err)
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Allowed reports whether grantee is on the handle's access list.
func (c *Coprocessor) Allowed(ctx context.Context, h fhe.Handle, grantee identity.Address) (bool, error) {
	return c.access.Allowed(ctx, h, grantee)
}

// DecryptFor recovers the plaintext behind a handle for an authorized
// requester. This is the relayer's path; nothing else decrypts.
func (c *Coprocessor) DecryptFor(ctx context.Context, h fhe.Handle, requester identity.Address) (uint8, error) {
	ok, err := c.access.Allowed(ctx, h, requester)
	if err != nil {
		return 0, fmt.Errorf("check access for %s: %w", h, err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s by %s", fhe.ErrNotAllowed, h, requester)
	}
	_, v, err := c.open(ctx, h)
	return v, err
}

var _ fhe.Ops = (*Coprocessor)(nil)
