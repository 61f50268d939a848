// Package ledger implements the confidential position ledger: one
// encrypted 2D position per identity, stored, updated, and clamped
// entirely as ciphertext handles. The ledger never observes plaintext
// coordinates.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veilgrid/veilgrid/internal/storage/sqlite"
	"github.com/veilgrid/veilgrid/pkg/audit"
	"github.com/veilgrid/veilgrid/pkg/fhe"
	"github.com/veilgrid/veilgrid/pkg/identity"
)

// Grid bounds. Coordinates of every active position decrypt to
// [MinCoord, MaxCoord], enforced by construction under encryption.
const (
	MinCoord = uint8(1)
	MaxCoord = uint8(10)
)

var (
	// ErrAlreadyJoined is returned when an identity joins twice.
	ErrAlreadyJoined = errors.New("player already joined")

	// ErrNotRegistered is returned for move/read on an identity that
	// never joined.
	ErrNotRegistered = errors.New("player not registered")
)

// PositionStore persists position records; *sqlite.Store satisfies it.
// CommitPosition must write the record and the event atomically.
type PositionStore interface {
	GetPosition(ctx context.Context, addr identity.Address) (*sqlite.PositionRecord, error)
	CommitPosition(ctx context.Context, rec *sqlite.PositionRecord, ev *sqlite.StoredEvent) error
}

// Notifier receives committed events for fan-out to subscribers. The
// audit log is always written; a Notifier is optional on top.
type Notifier interface {
	Notify(ev audit.Event, index uint64)
}

const lockStripes = 64

// PositionLedger owns all position records for one ledger instance.
type PositionLedger struct {
	contract identity.Address
	ops      fhe.Ops
	store    PositionStore
	audit    *audit.Log
	notifier Notifier
	logger   *slog.Logger

	// Per-identity write serialization. Different identities may
	// interleave freely; reads never take these locks.
	locks [lockStripes]sync.Mutex
}

// Config configures a PositionLedger.
type Config struct {
	// Contract is this ledger instance's address. Inputs and grants
	// are bound to it. Required.
	Contract identity.Address

	Ops      fhe.Ops        // required
	Store    PositionStore  // required
	Audit    *audit.Log     // required
	Notifier Notifier       // optional
	Logger   *slog.Logger   // optional
}

// New creates a PositionLedger.
func New(cfg Config) (*PositionLedger, error) {
	if cfg.Contract.IsZero() {
		return nil, errors.New("contract address is required")
	}
	if cfg.Ops == nil {
		return nil, errors.New("fhe ops backend is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("position store is required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("audit log is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PositionLedger{
		contract: cfg.Contract,
		ops:      cfg.Ops,
		store:    cfg.Store,
		audit:    cfg.Audit,
		notifier: cfg.Notifier,
		logger:   logger,
	}, nil
}

// ContractAddress returns the ledger instance's address.
func (l *PositionLedger) ContractAddress() identity.Address {
	return l.contract
}

// GridBounds returns the inclusive coordinate range.
func (l *PositionLedger) GridBounds() (min, max uint8) {
	return MinCoord, MaxCoord
}

// HasJoined reports whether the identity holds an active position.
func (l *PositionLedger) HasJoined(ctx context.Context, addr identity.Address) (bool, error) {
	rec, err := l.store.GetPosition(ctx, addr)
	if errors.Is(err, sqlite.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Active, nil
}

// Join registers an identity at an encrypted random in-range position.
// Fails with ErrAlreadyJoined if the identity is already active; state
// is untouched on failure.
func (l *PositionLedger) Join(ctx context.Context, caller identity.Address) error {
	lock := l.lockFor(caller)
	lock.Lock()
	defer lock.Unlock()

	joined, err := l.HasJoined(ctx, caller)
	if err != nil {
		return err
	}
	if joined {
		return fmt.Errorf("%w: %s", ErrAlreadyJoined, caller)
	}

	x, err := l.randomCoordinate(ctx)
	if err != nil {
		return fmt.Errorf("draw x: %w", err)
	}
	y, err := l.randomCoordinate(ctx)
	if err != nil {
		return fmt.Errorf("draw y: %w", err)
	}

	return l.commit(ctx, audit.KindJoined, caller, x, y)
}

// Move overwrites the caller's position with externally encrypted
// coordinates, clamping each axis to the grid under encryption. Fails
// with ErrNotRegistered before join and fhe.ErrInvalidProof when the
// input does not verify for this ledger and caller.
func (l *PositionLedger) Move(ctx context.Context, caller identity.Address, input fhe.EncryptedInput) error {
	lock := l.lockFor(caller)
	lock.Lock()
	defer lock.Unlock()

	joined, err := l.HasJoined(ctx, caller)
	if err != nil {
		return err
	}
	if !joined {
		return fmt.Errorf("%w: %s", ErrNotRegistered, caller)
	}

	// The binding proof covers contract and identity; a claim for a
	// different ledger or submitter is rejected before import.
	if input.Contract != l.contract || input.Identity != caller {
		return fmt.Errorf("%w: input bound to contract %s identity %s",
			fhe.ErrInvalidProof, input.Contract, input.Identity)
	}

	handles, err := l.ops.VerifyInput(ctx, input)
	if err != nil {
		return err
	}
	if len(handles) != 2 {
		return fmt.Errorf("%w: expected 2 ciphertexts, got %d", fhe.ErrInvalidProof, len(handles))
	}

	x, err := l.clamp(ctx, handles[0])
	if err != nil {
		return fmt.Errorf("clamp x: %w", err)
	}
	y, err := l.clamp(ctx, handles[1])
	if err != nil {
		return fmt.Errorf("clamp y: %w", err)
	}

	return l.commit(ctx, audit.KindMoved, caller, x, y)
}

// GetPosition returns the stored ciphertext handles for an identity.
// The read is deliberately permissionless: handles alone are useless
// without a decryption grant, and serving them lets any observer audit
// that a position exists without learning it.
func (l *PositionLedger) GetPosition(ctx context.Context, addr identity.Address) (x, y fhe.Handle, err error) {
	rec, err := l.store.GetPosition(ctx, addr)
	if errors.Is(err, sqlite.ErrNotFound) {
		return "", "", fmt.Errorf("%w: %s", ErrNotRegistered, addr)
	}
	if err != nil {
		return "", "", err
	}
	if !rec.Active {
		return "", "", fmt.Errorf("%w: %s", ErrNotRegistered, addr)
	}
	return rec.X, rec.Y, nil
}

// randomCoordinate draws (random mod MaxCoord) + MinCoord and clamps.
// The draw already lands in range; the clamp runs anyway so both the
// join and move paths share one bounds guarantee.
func (l *PositionLedger) randomCoordinate(ctx context.Context) (fhe.Handle, error) {
	r, err := l.ops.RandEuint8(ctx)
	if err != nil {
		return "", err
	}
	max, err := l.ops.AsEuint8(ctx, MaxCoord)
	if err != nil {
		return "", err
	}
	v, err := l.ops.Mod(ctx, r, max)
	if err != nil {
		return "", err
	}
	min, err := l.ops.AsEuint8(ctx, MinCoord)
	if err != nil {
		return "", err
	}
	v, err = l.ops.Add(ctx, v, min)
	if err != nil {
		return "", err
	}
	return l.clamp(ctx, v)
}

// clamp forces v into [MinCoord, MaxCoord] with two homomorphic
// selects. Comparison and branch both stay ciphertext; no plaintext is
// ever observed.
func (l *PositionLedger) clamp(ctx context.Context, v fhe.Handle) (fhe.Handle, error) {
	min, err := l.ops.AsEuint8(ctx, MinCoord)
	if err != nil {
		return "", err
	}
	max, err := l.ops.AsEuint8(ctx, MaxCoord)
	if err != nil {
		return "", err
	}

	below, err := l.ops.Lt(ctx, v, min)
	if err != nil {
		return "", err
	}
	low, err := l.ops.Select(ctx, below, min, v)
	if err != nil {
		return "", err
	}

	above, err := l.ops.Gt(ctx, low, max)
	if err != nil {
		return "", err
	}
	return l.ops.Select(ctx, above, max, low)
}

// commit grants decrypt access on the new handles, then writes the
// position record and its audit event in one storage transaction. On
// failure no record, event, or Merkle state is retained; grants on the
// orphaned handles are inert since nothing references them. Events
// carry the identity only, never coordinate data.
func (l *PositionLedger) commit(ctx context.Context, kind audit.Kind, caller identity.Address, x, y fhe.Handle) error {
	for _, h := range []fhe.Handle{x, y} {
		for _, grantee := range []identity.Address{l.contract, caller} {
			if err := l.ops.Allow(ctx, h, grantee); err != nil {
				return fmt.Errorf("grant %s on %s: %w", grantee, h, err)
			}
		}
	}

	rec := &sqlite.PositionRecord{
		Address: caller,
		X:       x,
		Y:       y,
		Active:  true,
	}
	ev := audit.Event{Kind: kind, Address: caller, At: time.Now().UTC()}
	index, err := l.audit.AppendWith(ctx, ev, func(ctx context.Context, stored *sqlite.StoredEvent) error {
		return l.store.CommitPosition(ctx, rec, stored)
	})
	if err != nil {
		return fmt.Errorf("commit %s: %w", kind, err)
	}

	l.logger.Info("ledger event", "kind", kind, "address", caller.String(), "index", index)
	if l.notifier != nil {
		l.notifier.Notify(ev, index)
	}
	return nil
}

func (l *PositionLedger) lockFor(addr identity.Address) *sync.Mutex {
	return &l.locks[int(addr[0])%lockStripes]
}
