// Package sqlite persists ledger state: position records, the audit
// event log, and per-handle access-control lists.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veilgrid/veilgrid/pkg/fhe"
	"github.com/veilgrid/veilgrid/pkg/identity"
)

//go:embed schema.sql
var schemaSQL string

var ErrNotFound = errors.New("not found")

// Store is the ledger's state database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (creating if needed) the ledger database under basePath.
func Open(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(basePath, "ledger.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // Wait up to 5s on lock instead of returning SQLITE_BUSY immediately
		"&_pragma=synchronous(NORMAL)"+
		"&_pragma=wal_autocheckpoint(1000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connection pool - SQLite handles concurrent writes poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DBPath() string {
	return s.dbPath
}

// PositionRecord is the stored per-identity state. Handles are
// undefined while Active is false.
type PositionRecord struct {
	Address   identity.Address
	X         fhe.Handle
	Y         fhe.Handle
	Active    bool
	UpdatedAt time.Time
}

// GetPosition fetches the record for an address, ErrNotFound if none.
func (s *Store) GetPosition(ctx context.Context, addr identity.Address) (*PositionRecord, error) {
	var (
		x, y, updatedAt string
		active          int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT x_handle, y_handle, active, updated_at FROM positions WHERE address = ?`,
		addr.String()).Scan(&x, &y, &active, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", addr, err)
	}

	ts, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at for %s: %w", addr, err)
	}
	return &PositionRecord{
		Address:   addr,
		X:         fhe.Handle(x),
		Y:         fhe.Handle(y),
		Active:    active != 0,
		UpdatedAt: ts,
	}, nil
}

// PutPosition inserts or wholesale-replaces the record for an address.
func (s *Store) PutPosition(ctx context.Context, rec *PositionRecord) error {
	active := 0
	if rec.Active {
		active = 1
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (address, x_handle, y_handle, active, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET
		   x_handle = excluded.x_handle,
		   y_handle = excluded.y_handle,
		   active = excluded.active,
		   updated_at = excluded.updated_at`,
		rec.Address.String(), string(rec.X), string(rec.Y), active, now)
	if err != nil {
		return fmt.Errorf("put position %s: %w", rec.Address, err)
	}
	return nil
}

// CommitPosition writes the position record and its audit event in one
// transaction. Either both rows land or neither does; a failure on the
// event insert rolls back the position upsert.
func (s *Store) CommitPosition(ctx context.Context, rec *PositionRecord, ev *StoredEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit for %s: %w", rec.Address, err)
	}
	defer tx.Rollback()

	active := 0
	if rec.Active {
		active = 1
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO positions (address, x_handle, y_handle, active, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET
		   x_handle = excluded.x_handle,
		   y_handle = excluded.y_handle,
		   active = excluded.active,
		   updated_at = excluded.updated_at`,
		rec.Address.String(), string(rec.X), string(rec.Y), active, now); err != nil {
		return fmt.Errorf("put position %s: %w", rec.Address, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (idx, kind, address, leaf_hash, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.Index, ev.Kind, ev.Address.String(), ev.LeafHash,
		ev.CreatedAt.UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("append event %d: %w", ev.Index, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit position %s: %w", rec.Address, err)
	}
	return nil
}

// StoredEvent is one audit-log entry as persisted.
type StoredEvent struct {
	Index     uint64
	Kind      string
	Address   identity.Address
	LeafHash  []byte
	CreatedAt time.Time
}

// AppendEvent persists an event at the given index. Indices must be
// assigned densely by the caller; a duplicate index is an error.
func (s *Store) AppendEvent(ctx context.Context, ev *StoredEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (idx, kind, address, leaf_hash, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.Index, ev.Kind, ev.Address.String(), ev.LeafHash,
		ev.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("append event %d: %w", ev.Index, err)
	}
	return nil
}

// GetEvent fetches the event at index, ErrNotFound if absent.
func (s *Store) GetEvent(ctx context.Context, index uint64) (*StoredEvent, error) {
	var (
		kind, addrStr, createdAt string
		leafHash                 []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, address, leaf_hash, created_at FROM events WHERE idx = ?`,
		index).Scan(&kind, &addrStr, &leafHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", index, err)
	}

	addr, err := identity.ParseAddress(addrStr)
	if err != nil {
		return nil, fmt.Errorf("parse event address: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse event timestamp: %w", err)
	}
	return &StoredEvent{
		Index:     index,
		Kind:      kind,
		Address:   addr,
		LeafHash:  leafHash,
		CreatedAt: ts,
	}, nil
}

// ListLeafHashes returns all event leaf hashes in index order, used to
// rebuild the Merkle state on startup.
func (s *Store) ListLeafHashes(ctx context.Context) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT leaf_hash FROM events ORDER BY idx ASC`)
	if err != nil {
		return nil, fmt.Errorf("list leaf hashes: %w", err)
	}
	defer rows.Close()

	var hashes [][]byte
	for rows.Next() {
		var h []byte
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan leaf hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// Grant adds grantee to the handle's access list. Idempotent.
func (s *Store) Grant(ctx context.Context, h fhe.Handle, grantee identity.Address) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO acl (handle, grantee) VALUES (?, ?)
		 ON CONFLICT(handle, grantee) DO NOTHING`,
		string(h), grantee.String())
	if err != nil {
		return fmt.Errorf("grant %s on %s: %w", grantee, h, err)
	}
	return nil
}

// Allowed reports whether grantee may request decryption of handle.
func (s *Store) Allowed(ctx context.Context, h fhe.Handle, grantee identity.Address) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM acl WHERE handle = ? AND grantee = ?`,
		string(h), grantee.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check acl %s: %w", h, err)
	}
	return true, nil
}

// Grantees lists the access list for a handle.
func (s *Store) Grantees(ctx context.Context, h fhe.Handle) ([]identity.Address, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT grantee FROM acl WHERE handle = ? ORDER BY grantee`,
		string(h))
	if err != nil {
		return nil, fmt.Errorf("list grantees for %s: %w", h, err)
	}
	defer rows.Close()

	var out []identity.Address
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("scan grantee: %w", err)
		}
		addr, err := identity.ParseAddress(g)
		if err != nil {
			return nil, fmt.Errorf("parse grantee: %w", err)
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// GetMeta fetches a metadata value, ErrNotFound if absent.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get meta %q: %w", key, err)
	}
	return value, nil
}

// SetMeta stores a metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set meta %q: %w", key, err)
	}
	return nil
}
