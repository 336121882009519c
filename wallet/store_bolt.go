// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // Register bdb driver.
)

// Bucket layout inside the wallet's top-level namespace.
var (
	bucketUtxos   = []byte("utxos")
	bucketTxs     = []byte("txs")
	bucketCursors = []byte("cursors")
)

const (
	// defaultBoltBucket is the top-level namespace used when the config
	// does not name one.
	defaultBoltBucket = "descwallet"

	// boltOpenTimeout bounds the wait for the database file lock.
	boltOpenTimeout = 10 * time.Second
)

// boltStore persists the ledger in a bolt-backed walletdb namespace.
type boltStore struct {
	db        walletdb.DB
	namespace []byte
}

// OpenStore opens (creating if necessary) the bolt database and the
// wallet's top-level namespace.
func (c *DatabaseBolt) OpenStore() (LedgerStore, error) {
	if c.Path == "" {
		return nil, ErrMissingDatabasePath
	}

	bucket := c.Bucket
	if bucket == "" {
		bucket = defaultBoltBucket
	}

	db, err := walletdb.Create("bdb", c.Path, true, boltOpenTimeout, false)
	if err != nil {
		return nil, fmt.Errorf("open bolt db %q: %w", c.Path, err)
	}

	store := &boltStore{db: db, namespace: []byte(bucket)}

	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket(store.namespace)
		if err != nil {
			return err
		}

		for _, key := range [][]byte{
			bucketUtxos, bucketTxs, bucketCursors,
		} {
			_, err := ns.CreateBucketIfNotExists(key)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger buckets: %w", err)
	}

	return store, nil
}

// Load reads the persisted snapshot out of the namespace.
func (b *boltStore) Load() (*LedgerSnapshot, error) {
	snapshot := &LedgerSnapshot{}

	err := walletdb.View(b.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(b.namespace)
		if ns == nil {
			return nil
		}

		err := ns.NestedReadBucket(bucketUtxos).ForEach(
			func(k, v []byte) error {
				utxo, err := deserializeUtxo(k, v)
				if err != nil {
					return err
				}

				snapshot.Utxos = append(snapshot.Utxos, *utxo)

				return nil
			},
		)
		if err != nil {
			return err
		}

		err = ns.NestedReadBucket(bucketTxs).ForEach(
			func(_, v []byte) error {
				rec, err := deserializeTxRecord(v)
				if err != nil {
					return err
				}

				snapshot.Txs = append(snapshot.Txs, *rec)

				return nil
			},
		)
		if err != nil {
			return err
		}

		cursors := ns.NestedReadBucket(bucketCursors)
		for _, keychain := range []Keychain{
			KeychainExternal, KeychainInternal,
		} {
			v := cursors.Get([]byte{byte(keychain)})
			if len(v) == 4 {
				snapshot.Cursors[keychain] =
					binary.BigEndian.Uint32(v)
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load ledger snapshot: %w", err)
	}

	return snapshot, nil
}

// PutUtxo persists an output record.
func (b *boltStore) PutUtxo(utxo *LocalUtxo) error {
	return walletdb.Update(b.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(b.namespace).
			NestedReadWriteBucket(bucketUtxos)

		return bucket.Put(
			canonicalOutPoint(&utxo.OutPoint),
			serializeUtxo(utxo),
		)
	})
}

// PutTx persists a transaction record.
func (b *boltStore) PutTx(rec *TxRecord) error {
	value, err := serializeTxRecord(rec)
	if err != nil {
		return err
	}

	txid := rec.TxID()

	return walletdb.Update(b.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(b.namespace).
			NestedReadWriteBucket(bucketTxs)

		return bucket.Put(txid[:], value)
	})
}

// PutCursor persists a keychain's derivation cursor.
func (b *boltStore) PutCursor(keychain Keychain, next uint32) error {
	return walletdb.Update(b.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(b.namespace).
			NestedReadWriteBucket(bucketCursors)

		var v [4]byte
		binary.BigEndian.PutUint32(v[:], next)

		return bucket.Put([]byte{byte(keychain)}, v[:])
	})
}

// Close closes the underlying database.
func (b *boltStore) Close() error {
	return b.db.Close()
}

var _ LedgerStore = (*boltStore)(nil)

// canonicalOutPoint serializes an outpoint as a fixed 36-byte key: the txid
// followed by the big-endian output index, so keys sort in outpoint order.
func canonicalOutPoint(op *wire.OutPoint) []byte {
	k := make([]byte, 36)
	copy(k, op.Hash[:])
	binary.BigEndian.PutUint32(k[32:], op.Index)

	return k
}

// serializeUtxo encodes a LocalUtxo value as:
//
//	[0:8]  output value (big endian)
//	[8]    keychain
//	[9]    spent flag
//	[10:]  pkScript
func serializeUtxo(utxo *LocalUtxo) []byte {
	v := make([]byte, 10+len(utxo.Output.PkScript))
	binary.BigEndian.PutUint64(v, uint64(utxo.Output.Value))
	v[8] = byte(utxo.Keychain)
	if utxo.Spent {
		v[9] = 1
	}
	copy(v[10:], utxo.Output.PkScript)

	return v
}

// deserializeUtxo decodes the key/value pair written by serializeUtxo.
func deserializeUtxo(k, v []byte) (*LocalUtxo, error) {
	if len(k) != 36 || len(v) < 10 {
		return nil, fmt.Errorf("%w: malformed utxo record",
			ErrSerialization)
	}

	utxo := &LocalUtxo{
		Keychain: Keychain(v[8]),
		Spent:    v[9] == 1,
	}
	copy(utxo.OutPoint.Hash[:], k[:32])
	utxo.OutPoint.Index = binary.BigEndian.Uint32(k[32:])
	utxo.Output.Value = int64(binary.BigEndian.Uint64(v[:8]))
	utxo.Output.PkScript = append([]byte(nil), v[10:]...)

	return utxo, nil
}

// serializeTxRecord encodes a TxRecord value as:
//
//	[0:4]  confirmation height (big endian, zero if unconfirmed)
//	[4:12] block timestamp (unix seconds, big endian)
//	[12:]  serialized transaction
func serializeTxRecord(rec *TxRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(12 + rec.MsgTx.SerializeSize())

	var header [12]byte
	binary.BigEndian.PutUint32(header[:4], uint32(rec.Height))
	if !rec.Time.IsZero() {
		binary.BigEndian.PutUint64(header[4:], uint64(rec.Time.Unix()))
	}
	buf.Write(header[:])

	err := rec.MsgTx.Serialize(&buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	return buf.Bytes(), nil
}

// deserializeTxRecord decodes the value written by serializeTxRecord.
func deserializeTxRecord(v []byte) (*TxRecord, error) {
	if len(v) < 12 {
		return nil, fmt.Errorf("%w: malformed tx record",
			ErrSerialization)
	}

	rec := &TxRecord{
		Height: int32(binary.BigEndian.Uint32(v[:4])),
	}
	if ts := binary.BigEndian.Uint64(v[4:12]); ts != 0 {
		rec.Time = time.Unix(int64(ts), 0).UTC()
	}

	err := rec.MsgTx.Deserialize(bytes.NewReader(v[12:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	return rec, nil
}
