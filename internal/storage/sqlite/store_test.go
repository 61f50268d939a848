package sqlite_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilgrid/veilgrid/internal/storage/sqlite"
	"github.com/veilgrid/veilgrid/pkg/fhe"
	"github.com/veilgrid/veilgrid/pkg/identity"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newAddress(t *testing.T) identity.Address {
	t.Helper()
	signer, err := identity.GenerateSigner()
	require.NoError(t, err)
	return signer.Address()
}

func TestStore_OpenCreatesDatabase(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := sqlite.Open(tmpDir)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(filepath.Join(tmpDir, "ledger.db"))
	assert.NoError(t, err, "database file should exist")
}

func TestStore_Position_MissingIsNotFound(t *testing.T) {
	store := openStore(t)

	_, err := store.GetPosition(context.Background(), newAddress(t))
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
}

func TestStore_Position_PutGet(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	addr := newAddress(t)

	rec := &sqlite.PositionRecord{
		Address: addr,
		X:       fhe.Handle("bafyx"),
		Y:       fhe.Handle("bafyy"),
		Active:  true,
	}
	require.NoError(t, store.PutPosition(ctx, rec))

	got, err := store.GetPosition(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, rec.X, got.X)
	assert.Equal(t, rec.Y, got.Y)
	assert.True(t, got.Active)
	assert.WithinDuration(t, time.Now(), got.UpdatedAt, time.Minute)
}

func TestStore_Position_ReplaceWholesale(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	addr := newAddress(t)

	require.NoError(t, store.PutPosition(ctx, &sqlite.PositionRecord{
		Address: addr, X: "a", Y: "b", Active: true,
	}))
	require.NoError(t, store.PutPosition(ctx, &sqlite.PositionRecord{
		Address: addr, X: "c", Y: "d", Active: true,
	}))

	got, err := store.GetPosition(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, fhe.Handle("c"), got.X)
	assert.Equal(t, fhe.Handle("d"), got.Y)
}

func TestStore_Events_AppendAndGet(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	addr := newAddress(t)

	for i := uint64(0); i < 3; i++ {
		err := store.AppendEvent(ctx, &sqlite.StoredEvent{
			Index:     i,
			Kind:      "joined",
			Address:   addr,
			LeafHash:  []byte{byte(i), 1, 2},
			CreatedAt: time.Now(),
		})
		require.NoError(t, err)
	}

	ev, err := store.GetEvent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "joined", ev.Kind)
	assert.Equal(t, addr, ev.Address)
	assert.Equal(t, []byte{1, 1, 2}, ev.LeafHash)

	_, err = store.GetEvent(ctx, 99)
	assert.ErrorIs(t, err, sqlite.ErrNotFound)

	hashes, err := store.ListLeafHashes(ctx)
	require.NoError(t, err)
	require.Len(t, hashes, 3)
	assert.Equal(t, []byte{0, 1, 2}, hashes[0])
}

func TestStore_Events_DuplicateIndexRejected(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	ev := &sqlite.StoredEvent{
		Index: 0, Kind: "joined", Address: newAddress(t),
		LeafHash: []byte{1}, CreatedAt: time.Now(),
	}
	require.NoError(t, store.AppendEvent(ctx, ev))
	assert.Error(t, store.AppendEvent(ctx, ev))
}

func TestStore_ACL_GrantIsMonotonicAndIdempotent(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	a := newAddress(t)
	b := newAddress(t)
	h := fhe.Handle("bafyhandle")

	ok, err := store.Allowed(ctx, h, a)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Grant(ctx, h, a))
	require.NoError(t, store.Grant(ctx, h, a)) // repeat grant is fine
	require.NoError(t, store.Grant(ctx, h, b))

	ok, err = store.Allowed(ctx, h, a)
	require.NoError(t, err)
	assert.True(t, ok)

	grantees, err := store.Grantees(ctx, h)
	require.NoError(t, err)
	assert.Len(t, grantees, 2)
}

func TestStore_Meta(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	_, err := store.GetMeta(ctx, "contract")
	assert.ErrorIs(t, err, sqlite.ErrNotFound)

	require.NoError(t, store.SetMeta(ctx, "contract", "0xabc"))
	require.NoError(t, store.SetMeta(ctx, "contract", "0xdef"))

	v, err := store.GetMeta(ctx, "contract")
	require.NoError(t, err)
	assert.Equal(t, "0xdef", v)
}

func TestCiphertextStore_PutGetDelete(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	cts := store.Ciphertexts()
	key := datastore.NewKey("/ciphertexts/bafytest")

	_, err := cts.Get(ctx, key)
	assert.ErrorIs(t, err, datastore.ErrNotFound)

	require.NoError(t, cts.Put(ctx, key, []byte("sealed")))
	got, err := cts.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), got)

	ok, err := cts.Has(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	size, err := cts.GetSize(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, len("sealed"), size)

	// Overwrite replaces the value.
	require.NoError(t, cts.Put(ctx, key, []byte("resealed")))
	got, err = cts.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("resealed"), got)

	require.NoError(t, cts.Delete(ctx, key))
	ok, err = cts.Has(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCiphertextStore_Query(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	cts := store.Ciphertexts()

	for _, k := range []string{"/ciphertexts/a", "/ciphertexts/b", "/other/c"} {
		require.NoError(t, cts.Put(ctx, datastore.NewKey(k), []byte(k)))
	}

	res, err := cts.Query(ctx, dsq.Query{Prefix: "/ciphertexts"})
	require.NoError(t, err)
	entries, err := res.Rest()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestStore_CommitPositionIsAtomic(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	addr := newAddress(t)

	require.NoError(t, store.CommitPosition(ctx,
		&sqlite.PositionRecord{Address: addr, X: "bafyx1", Y: "bafyy1", Active: true},
		&sqlite.StoredEvent{Index: 0, Kind: "joined", Address: addr, LeafHash: []byte{1}, CreatedAt: time.Now()}))

	// A duplicate event index aborts the transaction; the position
	// overwrite must roll back with it.
	err := store.CommitPosition(ctx,
		&sqlite.PositionRecord{Address: addr, X: "bafyx2", Y: "bafyy2", Active: true},
		&sqlite.StoredEvent{Index: 0, Kind: "moved", Address: addr, LeafHash: []byte{2}, CreatedAt: time.Now()})
	require.Error(t, err)

	got, err := store.GetPosition(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, fhe.Handle("bafyx1"), got.X)
	assert.Equal(t, fhe.Handle("bafyy1"), got.Y)

	hashes, err := store.ListLeafHashes(ctx)
	require.NoError(t, err)
	assert.Len(t, hashes, 1)
}
