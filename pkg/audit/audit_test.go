package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transparency-dev/merkle/proof"
	"github.com/transparency-dev/merkle/rfc6962"

	"github.com/veilgrid/veilgrid/internal/storage/sqlite"
	"github.com/veilgrid/veilgrid/pkg/audit"
	"github.com/veilgrid/veilgrid/pkg/identity"
)

func newLog(t *testing.T) (*audit.Log, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log, err := audit.NewLog(context.Background(), store, nil)
	require.NoError(t, err)
	return log, store
}

func newAddress(t *testing.T) identity.Address {
	t.Helper()
	signer, err := identity.GenerateSigner()
	require.NoError(t, err)
	return signer.Address()
}

func TestLog_EmptyCheckpoint(t *testing.T) {
	log, _ := newLog(t)

	cp, err := log.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cp.Size)
	assert.Equal(t, rfc6962.DefaultHasher.EmptyRoot(), cp.Root)
}

func TestLog_AppendAssignsDenseIndices(t *testing.T) {
	log, _ := newLog(t)
	ctx := context.Background()
	addr := newAddress(t)

	for i := uint64(0); i < 5; i++ {
		idx, err := log.Append(ctx, audit.Event{
			Kind: audit.KindMoved, Address: addr, At: time.Now(),
		})
		require.NoError(t, err)
		assert.Equal(t, i, idx)
	}
	assert.Equal(t, uint64(5), log.Size())
}

func TestLog_InclusionProofsVerify(t *testing.T) {
	log, _ := newLog(t)
	ctx := context.Background()

	const n = 9 // not a power of two, exercises uneven subtrees
	for i := 0; i < n; i++ {
		_, err := log.Append(ctx, audit.Event{
			Kind: audit.KindJoined, Address: newAddress(t), At: time.Now(),
		})
		require.NoError(t, err)
	}

	cp, err := log.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, uint64(n), cp.Size)

	for i := uint64(0); i < n; i++ {
		leafHash, path, err := log.InclusionProof(i)
		require.NoError(t, err)

		err = proof.VerifyInclusion(rfc6962.DefaultHasher, i, cp.Size, leafHash, path, cp.Root)
		assert.NoError(t, err, "inclusion proof for leaf %d", i)
	}
}

func TestLog_InclusionProofOutOfRange(t *testing.T) {
	log, _ := newLog(t)

	_, _, err := log.InclusionProof(0)
	assert.Error(t, err)
}

func TestLog_RestoresFromStore(t *testing.T) {
	store, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	log1, err := audit.NewLog(ctx, store, nil)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := log1.Append(ctx, audit.Event{
			Kind: audit.KindMoved, Address: newAddress(t), At: time.Now(),
		})
		require.NoError(t, err)
	}
	cp1, err := log1.Checkpoint()
	require.NoError(t, err)

	// A fresh Log over the same store must see the same tree.
	log2, err := audit.NewLog(ctx, store, nil)
	require.NoError(t, err)
	cp2, err := log2.Checkpoint()
	require.NoError(t, err)

	assert.Equal(t, cp1, cp2)
}

func TestLog_RootChangesWithEachEvent(t *testing.T) {
	log, _ := newLog(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		_, err := log.Append(ctx, audit.Event{
			Kind: audit.KindMoved, Address: newAddress(t), At: time.Now(),
		})
		require.NoError(t, err)

		cp, err := log.Checkpoint()
		require.NoError(t, err)
		assert.False(t, seen[string(cp.Root)], "root must change on append")
		seen[string(cp.Root)] = true
	}
}

func TestLog_AppendWithFailedCommitRecordsNothing(t *testing.T) {
	log, store := newLog(t)
	ctx := context.Background()
	ev := audit.Event{Kind: audit.KindJoined, Address: newAddress(t), At: time.Now().UTC()}

	before, err := log.Checkpoint()
	require.NoError(t, err)

	_, err = log.AppendWith(ctx, ev, func(ctx context.Context, stored *sqlite.StoredEvent) error {
		return errors.New("disk full")
	})
	require.Error(t, err)

	after, err := log.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), log.Size())
	assert.Equal(t, before.Root, after.Root)

	// The index is reassigned once a commit succeeds.
	index, err := log.AppendWith(ctx, ev, store.AppendEvent)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), index)
	assert.Equal(t, uint64(1), log.Size())
}
