package encryptor_test

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilgrid/veilgrid/internal/coproc"
	"github.com/veilgrid/veilgrid/pkg/encryptor"
	"github.com/veilgrid/veilgrid/pkg/fhe"
	"github.com/veilgrid/veilgrid/pkg/identity"
)

func newBackend(t *testing.T) *coproc.Coprocessor {
	t.Helper()
	var rootKey [32]byte
	_, err := rand.Read(rootKey[:])
	require.NoError(t, err)

	cp, err := coproc.New(coproc.Config{
		RootKey:     rootKey,
		Ciphertexts: dssync.MutexWrap(datastore.NewMapDatastore()),
		Access:      coproc.NewMemoryAccessStore(),
	})
	require.NoError(t, err)
	return cp
}

func newAddress(t *testing.T) identity.Address {
	t.Helper()
	signer, err := identity.GenerateSigner()
	require.NoError(t, err)
	return signer.Address()
}

func TestClient_PendingSessionFails(t *testing.T) {
	client := encryptor.NewPendingClient()
	assert.False(t, client.Ready())

	_, err := client.EncryptPair(newAddress(t), newAddress(t), 3, 4)
	assert.ErrorIs(t, err, encryptor.ErrEncryptionUnavailable)

	client.SetInputKey([32]byte{1})
	assert.True(t, client.Ready())
}

func TestClient_EncryptPairRoundTrip(t *testing.T) {
	cp := newBackend(t)
	client := encryptor.NewClient(cp.InputPublicKey())
	ctx := context.Background()
	contract := newAddress(t)
	submitter := newAddress(t)

	in, err := client.EncryptPair(contract, submitter, 7, 8)
	require.NoError(t, err)
	assert.Equal(t, contract, in.Contract)
	assert.Equal(t, submitter, in.Identity)
	require.Len(t, in.Envelopes, 2)

	handles, err := cp.VerifyInput(ctx, in)
	require.NoError(t, err)
	require.Len(t, handles, 2)

	for i, want := range []uint8{7, 8} {
		require.NoError(t, cp.Allow(ctx, handles[i], submitter))
		v, err := cp.DecryptFor(ctx, handles[i], submitter)
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
}

func TestClient_ProofBindsContractAndIdentity(t *testing.T) {
	cp := newBackend(t)
	client := encryptor.NewClient(cp.InputPublicKey())
	contract := newAddress(t)
	submitter := newAddress(t)

	in, err := client.EncryptPair(contract, submitter, 5, 5)
	require.NoError(t, err)

	// Replaying the same envelopes against another contract fails.
	replayed := in
	replayed.Contract = newAddress(t)
	_, err = cp.VerifyInput(context.Background(), replayed)
	assert.ErrorIs(t, err, fhe.ErrInvalidProof)
}

func TestClient_EmptyInputRejected(t *testing.T) {
	client := encryptor.NewClient([32]byte{1})

	_, err := client.CreateEncryptedInput(newAddress(t), newAddress(t)).Encrypt()
	assert.Error(t, err)
}

func TestClient_OutOfRangeValuesAreAccepted(t *testing.T) {
	// The encryptor does confidentiality, not validation; 0 and 42 are
	// encrypted as-is and left for the ledger to clamp.
	cp := newBackend(t)
	client := encryptor.NewClient(cp.InputPublicKey())

	_, err := client.EncryptPair(newAddress(t), newAddress(t), 0, 42)
	assert.NoError(t, err)
}
