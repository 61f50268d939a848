package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
)

// CiphertextStore exposes the ciphertexts table as a
// datastore.Datastore so sealed envelopes persist with the rest of
// the ledger state.
type CiphertextStore struct {
	store *Store
}

var _ datastore.Datastore = (*CiphertextStore)(nil)

// Ciphertexts returns a datastore view over the store's ciphertexts
// table. The view shares the store's connection pool; closing it is a
// no-op.
func (s *Store) Ciphertexts() *CiphertextStore {
	return &CiphertextStore{store: s}
}

func (c *CiphertextStore) Get(ctx context.Context, key datastore.Key) ([]byte, error) {
	var value []byte
	err := c.store.db.QueryRowContext(ctx,
		`SELECT value FROM ciphertexts WHERE key = ?`, key.String()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, datastore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ciphertext %s: %w", key, err)
	}
	return value, nil
}

func (c *CiphertextStore) Has(ctx context.Context, key datastore.Key) (bool, error) {
	var one int
	err := c.store.db.QueryRowContext(ctx,
		`SELECT 1 FROM ciphertexts WHERE key = ?`, key.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check ciphertext %s: %w", key, err)
	}
	return true, nil
}

func (c *CiphertextStore) GetSize(ctx context.Context, key datastore.Key) (int, error) {
	var size int
	err := c.store.db.QueryRowContext(ctx,
		`SELECT length(value) FROM ciphertexts WHERE key = ?`, key.String()).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, datastore.ErrNotFound
	}
	if err != nil {
		return -1, fmt.Errorf("size ciphertext %s: %w", key, err)
	}
	return size, nil
}

func (c *CiphertextStore) Put(ctx context.Context, key datastore.Key, value []byte) error {
	_, err := c.store.db.ExecContext(ctx,
		`INSERT INTO ciphertexts (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key.String(), value)
	if err != nil {
		return fmt.Errorf("put ciphertext %s: %w", key, err)
	}
	return nil
}

func (c *CiphertextStore) Delete(ctx context.Context, key datastore.Key) error {
	_, err := c.store.db.ExecContext(ctx,
		`DELETE FROM ciphertexts WHERE key = ?`, key.String())
	if err != nil {
		return fmt.Errorf("delete ciphertext %s: %w", key, err)
	}
	return nil
}

func (c *CiphertextStore) Query(ctx context.Context, q dsq.Query) (dsq.Results, error) {
	rows, err := c.store.db.QueryContext(ctx,
		`SELECT key, value FROM ciphertexts ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query ciphertexts: %w", err)
	}
	defer rows.Close()

	var entries []dsq.Entry
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan ciphertext: %w", err)
		}
		e := dsq.Entry{Key: key, Size: len(value)}
		if !q.KeysOnly {
			e.Value = value
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return dsq.NaiveQueryApply(q, dsq.ResultsWithEntries(q, entries)), nil
}

func (c *CiphertextStore) Sync(ctx context.Context, prefix datastore.Key) error {
	return nil
}

// Close is a no-op; the underlying pool belongs to the parent Store.
func (c *CiphertextStore) Close() error {
	return nil
}
