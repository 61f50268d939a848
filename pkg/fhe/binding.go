package fhe

import (
	"crypto/subtle"
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/veilgrid/veilgrid/pkg/identity"
)

const bindingDomainSep = "veilgrid/input-binding/v1"

// BindingTag computes the proof tag binding a set of input envelopes to
// a target contract and submitting identity. The encryptor produces it;
// the backend recomputes it during VerifyInput. Envelope boundaries are
// length-prefixed so the tag is unambiguous under concatenation.
func BindingTag(contract, submitter identity.Address, envelopes [][]byte) []byte {
	h := blake3.New()
	h.Write([]byte(bindingDomainSep))
	h.Write([]byte{0})
	h.Write(contract[:])
	h.Write(submitter[:])
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(envelopes)))
	h.Write(lenBuf[:])
	for _, env := range envelopes {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(env)))
		h.Write(lenBuf[:])
		h.Write(env)
	}
	return h.Sum(nil)
}

// VerifyBindingTag reports whether tag matches the expected binding in
// constant time.
func VerifyBindingTag(contract, submitter identity.Address, envelopes [][]byte, tag []byte) bool {
	want := BindingTag(contract, submitter, envelopes)
	return subtle.ConstantTimeCompare(want, tag) == 1
}
