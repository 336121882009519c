// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"sync"
)

var (
	// ErrUnsupportedDatabase is returned when a DatabaseConfig
	// implementation outside this package is encountered.
	ErrUnsupportedDatabase = errors.New("unsupported database config type")

	// ErrMissingDatabasePath is returned when a file-backed database
	// config is created without a path.
	ErrMissingDatabasePath = errors.New("database path cannot be empty")
)

// LedgerSnapshot is the persisted state a store hands back on open: the
// tracked outputs, the relevant transactions, and the per-keychain
// derivation cursors.
type LedgerSnapshot struct {
	// Utxos are the tracked outputs, spent and unspent.
	Utxos []LocalUtxo

	// Txs are the recorded transactions.
	Txs []TxRecord

	// Cursors are the next-derivation indices, indexed by Keychain.
	Cursors [2]uint32
}

// LedgerStore is the persistence collaborator behind the ledger. The engine
// is agnostic to which backend is active; each write method is called with
// the ledger already updated in memory, so a store only needs to make the
// mutation durable.
type LedgerStore interface {
	// Load returns the persisted snapshot. A fresh store returns an
	// empty snapshot and no error.
	Load() (*LedgerSnapshot, error)

	// PutUtxo makes an output record durable, replacing any previous
	// record for the same outpoint.
	PutUtxo(utxo *LocalUtxo) error

	// PutTx makes a transaction record durable, replacing any previous
	// record for the same txid.
	PutTx(rec *TxRecord) error

	// PutCursor makes a keychain's derivation cursor durable.
	PutCursor(keychain Keychain, next uint32) error

	// Close releases the store's resources.
	Close() error
}

// DatabaseConfig is a sealed interface over the supported ledger
// persistence backends. A value is one of DatabaseMemory, DatabaseBolt or
// DatabaseSqlite, matched exhaustively where a store is opened.
type DatabaseConfig interface {
	// isDatabaseConfig is the sealed-interface marker.
	isDatabaseConfig()

	// OpenStore opens the backing store described by this config.
	OpenStore() (LedgerStore, error)
}

// DatabaseMemory keeps the ledger in memory only. State does not survive
// the process.
type DatabaseMemory struct{}

// DatabaseBolt persists the ledger in a bolt-backed walletdb file. Bucket
// names a top-level namespace inside the file so multiple wallets can share
// one database.
type DatabaseBolt struct {
	// Path is the database file path.
	Path string

	// Bucket is the top-level namespace. Empty selects "descwallet".
	Bucket string
}

// DatabaseSqlite persists the ledger in a SQLite database file.
type DatabaseSqlite struct {
	// Path is the database file path.
	Path string
}

func (*DatabaseMemory) isDatabaseConfig() {}
func (*DatabaseBolt) isDatabaseConfig()   {}
func (*DatabaseSqlite) isDatabaseConfig() {}

// OpenStore returns a fresh in-memory store.
func (*DatabaseMemory) OpenStore() (LedgerStore, error) {
	return newMemoryStore(), nil
}

// Compile-time assertions that every config satisfies DatabaseConfig.
var _ DatabaseConfig = (*DatabaseMemory)(nil)
var _ DatabaseConfig = (*DatabaseBolt)(nil)
var _ DatabaseConfig = (*DatabaseSqlite)(nil)

// memoryStore is the no-durability LedgerStore. It still records writes so
// that reopening the same store instance (as tests do) observes them.
type memoryStore struct {
	mu sync.Mutex

	utxos   map[string]LocalUtxo
	txs     map[string]TxRecord
	cursors [2]uint32
}

// newMemoryStore creates an empty in-memory store.
func newMemoryStore() *memoryStore {
	return &memoryStore{
		utxos: make(map[string]LocalUtxo),
		txs:   make(map[string]TxRecord),
	}
}

// Load returns the snapshot accumulated so far.
func (m *memoryStore) Load() (*LedgerSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := &LedgerSnapshot{Cursors: m.cursors}
	for _, utxo := range m.utxos {
		snapshot.Utxos = append(snapshot.Utxos, utxo)
	}
	for _, rec := range m.txs {
		snapshot.Txs = append(snapshot.Txs, rec)
	}

	return snapshot, nil
}

// PutUtxo records an output.
func (m *memoryStore) PutUtxo(utxo *LocalUtxo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.utxos[utxo.OutPoint.String()] = *utxo

	return nil
}

// PutTx records a transaction.
func (m *memoryStore) PutTx(rec *TxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txs[rec.TxID().String()] = *rec

	return nil
}

// PutCursor records a derivation cursor.
func (m *memoryStore) PutCursor(keychain Keychain, next uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cursors[keychain] = next

	return nil
}

// Close is a no-op for the in-memory store.
func (m *memoryStore) Close() error {
	return nil
}

var _ LedgerStore = (*memoryStore)(nil)
