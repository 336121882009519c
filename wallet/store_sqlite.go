// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Register the sqlite driver.
)

// sqliteSchema creates the ledger tables. The utxo primary key enforces the
// one-entry-per-outpoint invariant at the storage layer as well.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS utxos (
	txid     BLOB NOT NULL,
	vout     INTEGER NOT NULL,
	value    INTEGER NOT NULL,
	script   BLOB NOT NULL,
	keychain INTEGER NOT NULL,
	spent    INTEGER NOT NULL,
	PRIMARY KEY (txid, vout)
);
CREATE TABLE IF NOT EXISTS transactions (
	txid       BLOB PRIMARY KEY,
	height     INTEGER NOT NULL,
	block_time INTEGER NOT NULL,
	raw_tx     BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS cursors (
	keychain   INTEGER PRIMARY KEY,
	next_index INTEGER NOT NULL
);
`

// sqliteStore persists the ledger in a SQLite database.
type sqliteStore struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) the SQLite database and ensures
// the ledger schema exists.
func (c *DatabaseSqlite) OpenStore() (LedgerStore, error) {
	if c.Path == "" {
		return nil, ErrMissingDatabasePath
	}

	db, err := sql.Open("sqlite", c.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db %q: %w", c.Path, err)
	}

	// The ledger serializes writes itself; a single connection avoids
	// SQLITE_BUSY churn from the driver's connection pool.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(sqliteSchema)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

// Load reads the persisted snapshot.
func (s *sqliteStore) Load() (*LedgerSnapshot, error) {
	snapshot := &LedgerSnapshot{}

	rows, err := s.db.Query(
		"SELECT txid, vout, value, script, keychain, spent FROM utxos",
	)
	if err != nil {
		return nil, fmt.Errorf("load utxos: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			utxo  LocalUtxo
			txid  []byte
			spent int
		)
		err := rows.Scan(
			&txid, &utxo.OutPoint.Index, &utxo.Output.Value,
			&utxo.Output.PkScript, &utxo.Keychain, &spent,
		)
		if err != nil {
			return nil, fmt.Errorf("scan utxo row: %w", err)
		}

		copy(utxo.OutPoint.Hash[:], txid)
		utxo.Spent = spent != 0

		snapshot.Utxos = append(snapshot.Utxos, utxo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load utxos: %w", err)
	}

	txRows, err := s.db.Query(
		"SELECT height, block_time, raw_tx FROM transactions",
	)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	defer txRows.Close()

	for txRows.Next() {
		var (
			rec       TxRecord
			blockTime int64
			rawTx     []byte
		)
		err := txRows.Scan(&rec.Height, &blockTime, &rawTx)
		if err != nil {
			return nil, fmt.Errorf("scan tx row: %w", err)
		}

		if blockTime != 0 {
			rec.Time = time.Unix(blockTime, 0).UTC()
		}

		err = rec.MsgTx.Deserialize(bytes.NewReader(rawTx))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}

		snapshot.Txs = append(snapshot.Txs, rec)
	}
	if err := txRows.Err(); err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}

	cursorRows, err := s.db.Query(
		"SELECT keychain, next_index FROM cursors",
	)
	if err != nil {
		return nil, fmt.Errorf("load cursors: %w", err)
	}
	defer cursorRows.Close()

	for cursorRows.Next() {
		var keychain, next uint32
		err := cursorRows.Scan(&keychain, &next)
		if err != nil {
			return nil, fmt.Errorf("scan cursor row: %w", err)
		}

		if keychain < uint32(len(snapshot.Cursors)) {
			snapshot.Cursors[keychain] = next
		}
	}
	if err := cursorRows.Err(); err != nil {
		return nil, fmt.Errorf("load cursors: %w", err)
	}

	return snapshot, nil
}

// PutUtxo persists an output record.
func (s *sqliteStore) PutUtxo(utxo *LocalUtxo) error {
	spent := 0
	if utxo.Spent {
		spent = 1
	}

	_, err := s.db.Exec(
		`INSERT INTO utxos (txid, vout, value, script, keychain, spent)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (txid, vout) DO UPDATE SET
		 value = excluded.value, script = excluded.script,
		 keychain = excluded.keychain, spent = excluded.spent`,
		utxo.OutPoint.Hash[:], utxo.OutPoint.Index,
		utxo.Output.Value, utxo.Output.PkScript,
		uint8(utxo.Keychain), spent,
	)
	if err != nil {
		return fmt.Errorf("put utxo %v: %w", utxo.OutPoint, err)
	}

	return nil
}

// PutTx persists a transaction record.
func (s *sqliteStore) PutTx(rec *TxRecord) error {
	var buf bytes.Buffer
	buf.Grow(rec.MsgTx.SerializeSize())

	err := rec.MsgTx.Serialize(&buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	var blockTime int64
	if !rec.Time.IsZero() {
		blockTime = rec.Time.Unix()
	}

	txid := rec.TxID()

	_, err = s.db.Exec(
		`INSERT INTO transactions (txid, height, block_time, raw_tx)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (txid) DO UPDATE SET
		 height = excluded.height, block_time = excluded.block_time`,
		txid[:], rec.Height, blockTime, buf.Bytes(),
	)
	if err != nil {
		return fmt.Errorf("put tx %v: %w", txid, err)
	}

	return nil
}

// PutCursor persists a keychain's derivation cursor.
func (s *sqliteStore) PutCursor(keychain Keychain, next uint32) error {
	_, err := s.db.Exec(
		`INSERT INTO cursors (keychain, next_index) VALUES (?, ?)
		 ON CONFLICT (keychain) DO UPDATE SET
		 next_index = excluded.next_index`,
		uint8(keychain), next,
	)
	if err != nil {
		return fmt.Errorf("put cursor %v: %w", keychain, err)
	}

	return nil
}

// Close closes the underlying database.
func (s *sqliteStore) Close() error {
	return s.db.Close()
}

var _ LedgerStore = (*sqliteStore)(nil)
