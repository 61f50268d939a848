// Package audit maintains the ledger's append-only Merkle log of
// join/move events. Leaves carry only identity addresses, never
// coordinate data; the log lets any observer verify that a position
// exists or changed without learning it.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/transparency-dev/merkle/compact"
	"github.com/transparency-dev/merkle/rfc6962"

	"github.com/veilgrid/veilgrid/internal/storage/sqlite"
	"github.com/veilgrid/veilgrid/pkg/identity"
)

// Kind classifies an event.
type Kind string

const (
	KindJoined Kind = "joined"
	KindMoved  Kind = "moved"
)

// Event is one auditable ledger notification.
type Event struct {
	Kind    Kind             `cbor:"kind" json:"kind"`
	Address identity.Address `cbor:"address" json:"address"`
	At      time.Time        `cbor:"at" json:"at"`
}

// Checkpoint is the log's signed-tree-head equivalent: size and root.
type Checkpoint struct {
	Size uint64 `json:"size"`
	Root []byte `json:"root"`
}

// EventStore persists leaves; *sqlite.Store satisfies it.
type EventStore interface {
	AppendEvent(ctx context.Context, ev *sqlite.StoredEvent) error
	ListLeafHashes(ctx context.Context) ([][]byte, error)
}

var leafEnc cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor leaf encode mode: %v", err))
	}
	leafEnc = em
}

// Log is the in-process view of the event log. The compact range keeps
// root recomputation O(log n) per append; leaf hashes are cached in
// memory for proof generation and reloaded from the store on startup.
type Log struct {
	store  EventStore
	logger *slog.Logger

	mu         sync.Mutex
	leafHashes [][]byte
	rf         *compact.RangeFactory
	cr         *compact.Range
}

// NewLog opens the event log, replaying persisted leaf hashes to
// rebuild the Merkle state.
func NewLog(ctx context.Context, store EventStore, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	hashes, err := store.ListLeafHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load event leaves: %w", err)
	}

	rf := &compact.RangeFactory{Hash: rfc6962.DefaultHasher.HashChildren}
	cr := rf.NewEmptyRange(0)
	for i, h := range hashes {
		if err := cr.Append(h, nil); err != nil {
			return nil, fmt.Errorf("replay leaf %d: %w", i, err)
		}
	}
	logger.Debug("audit log restored", "size", len(hashes))

	return &Log{
		store:      store,
		logger:     logger,
		leafHashes: hashes,
		rf:         rf,
		cr:         cr,
	}, nil
}

// Append adds an event and returns its assigned index.
func (l *Log) Append(ctx context.Context, ev Event) (uint64, error) {
	return l.AppendWith(ctx, ev, l.store.AppendEvent)
}

// AppendWith adds an event, persisting the prepared row through commit
// instead of the log's own store. Callers that must write the event
// atomically with their own state pass a commit that folds the row into
// their transaction. The Merkle state advances only if commit returns
// nil; on error nothing is recorded.
func (l *Log) AppendWith(ctx context.Context, ev Event, commit func(ctx context.Context, stored *sqlite.StoredEvent) error) (uint64, error) {
	leaf, err := leafEnc.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	leafHash := rfc6962.DefaultHasher.HashLeaf(leaf)

	l.mu.Lock()
	defer l.mu.Unlock()

	index := uint64(len(l.leafHashes))
	if err := commit(ctx, &sqlite.StoredEvent{
		Index:     index,
		Kind:      string(ev.Kind),
		Address:   ev.Address,
		LeafHash:  leafHash,
		CreatedAt: ev.At,
	}); err != nil {
		return 0, err
	}

	if err := l.cr.Append(leafHash, nil); err != nil {
		return 0, fmt.Errorf("append leaf %d: %w", index, err)
	}
	l.leafHashes = append(l.leafHashes, leafHash)
	return index, nil
}

// Checkpoint returns the current tree size and root hash.
func (l *Log) Checkpoint() (Checkpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.leafHashes) == 0 {
		return Checkpoint{Size: 0, Root: rfc6962.DefaultHasher.EmptyRoot()}, nil
	}
	root, err := l.cr.GetRootHash(nil)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("compute root: %w", err)
	}
	return Checkpoint{Size: uint64(len(l.leafHashes)), Root: root}, nil
}

// InclusionProof returns the leaf hash and audit path proving that the
// event at index is in the current tree.
func (l *Log) InclusionProof(index uint64) (leafHash []byte, proof [][]byte, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := uint64(len(l.leafHashes))
	if index >= size {
		return nil, nil, fmt.Errorf("index %d out of range (size %d)", index, size)
	}
	return l.leafHashes[index], inclusionPath(l.leafHashes, index, 0, size), nil
}

// Size returns the current number of leaves.
func (l *Log) Size() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.leafHashes))
}

// inclusionPath computes the RFC 6962 audit path for leaf index within
// the subtree [lo, hi) of leaf hashes.
func inclusionPath(hashes [][]byte, index, lo, hi uint64) [][]byte {
	n := hi - lo
	if n <= 1 {
		return nil
	}
	k := largestPowerOfTwoBelow(n)
	if index < lo+k {
		path := inclusionPath(hashes, index, lo, lo+k)
		return append(path, subtreeRoot(hashes, lo+k, hi))
	}
	path := inclusionPath(hashes, index, lo+k, hi)
	return append(path, subtreeRoot(hashes, lo, lo+k))
}

// subtreeRoot computes the RFC 6962 root of leaf hashes [lo, hi).
func subtreeRoot(hashes [][]byte, lo, hi uint64) []byte {
	n := hi - lo
	if n == 1 {
		return hashes[lo]
	}
	k := largestPowerOfTwoBelow(n)
	return rfc6962.DefaultHasher.HashChildren(
		subtreeRoot(hashes, lo, lo+k),
		subtreeRoot(hashes, lo+k, hi),
	)
}

// largestPowerOfTwoBelow returns the largest power of two strictly less
// than n, for n >= 2.
func largestPowerOfTwoBelow(n uint64) uint64 {
	k := uint64(1)
	for k<<1 < n {
		k <<= 1
	}
	return k
}
