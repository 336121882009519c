// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// storeBackends enumerates the persistent database configurations under
// test. Memory is covered implicitly by the ledger tests.
func storeBackends(t *testing.T) map[string]DatabaseConfig {
	t.Helper()

	dir := t.TempDir()

	return map[string]DatabaseConfig{
		"bolt": &DatabaseBolt{
			Path: filepath.Join(dir, "wallet.db"),
		},
		"sqlite": &DatabaseSqlite{
			Path: filepath.Join(dir, "wallet.sqlite"),
		},
	}
}

// TestStoreRoundTrip checks that utxos, transactions, and cursors written
// through a store come back identical after a close and reopen.
func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	for name, db := range storeBackends(t) {
		db := db
		t.Run(name, func(t *testing.T) {
			store, err := db.OpenStore()
			require.NoError(t, err)

			spentUtxo := testUtxo(1, 40_000, KeychainExternal)
			spentUtxo.Spent = true
			liveUtxo := testUtxo(2, 60_000, KeychainInternal)

			require.NoError(t, store.PutUtxo(&spentUtxo))
			require.NoError(t, store.PutUtxo(&liveUtxo))

			tx := wire.NewMsgTx(txVersion)
			tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
			tx.AddTxOut(wire.NewTxOut(
				40_000, spentUtxo.Output.PkScript,
			))
			rec := TxRecord{
				MsgTx:  *tx,
				Height: 123,
				Time:   time.Unix(1700000000, 0).UTC(),
			}
			require.NoError(t, store.PutTx(&rec))

			require.NoError(t, store.PutCursor(KeychainExternal, 5))
			require.NoError(t, store.PutCursor(KeychainInternal, 2))
			require.NoError(t, store.Close())

			reopened, err := db.OpenStore()
			require.NoError(t, err)
			defer reopened.Close()

			snapshot, err := reopened.Load()
			require.NoError(t, err)

			require.Len(t, snapshot.Utxos, 2)
			byOp := make(map[wire.OutPoint]LocalUtxo)
			for _, utxo := range snapshot.Utxos {
				byOp[utxo.OutPoint] = utxo
			}
			require.Equal(t, spentUtxo, byOp[spentUtxo.OutPoint])
			require.Equal(t, liveUtxo, byOp[liveUtxo.OutPoint])

			require.Len(t, snapshot.Txs, 1)
			require.Equal(t, rec.TxID(), snapshot.Txs[0].TxID())
			require.EqualValues(t, 123, snapshot.Txs[0].Height)
			require.Equal(t, rec.Time.Unix(),
				snapshot.Txs[0].Time.Unix())

			require.Equal(t, [2]uint32{5, 2}, snapshot.Cursors)
		})
	}
}

// TestStoreUpdatesInPlace checks that re-putting a utxo or transaction
// overwrites rather than duplicates.
func TestStoreUpdatesInPlace(t *testing.T) {
	t.Parallel()

	for name, db := range storeBackends(t) {
		db := db
		t.Run(name, func(t *testing.T) {
			store, err := db.OpenStore()
			require.NoError(t, err)
			defer store.Close()

			utxo := testUtxo(1, 40_000, KeychainExternal)
			require.NoError(t, store.PutUtxo(&utxo))

			utxo.Spent = true
			require.NoError(t, store.PutUtxo(&utxo))

			tx := wire.NewMsgTx(txVersion)
			tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
			tx.AddTxOut(wire.NewTxOut(1_000, []byte{0x51}))

			unconfirmed := TxRecord{MsgTx: *tx}
			require.NoError(t, store.PutTx(&unconfirmed))

			confirmed := TxRecord{
				MsgTx:  *tx,
				Height: 77,
				Time:   time.Unix(1700000000, 0).UTC(),
			}
			require.NoError(t, store.PutTx(&confirmed))

			snapshot, err := store.Load()
			require.NoError(t, err)

			require.Len(t, snapshot.Utxos, 1)
			require.True(t, snapshot.Utxos[0].Spent)

			require.Len(t, snapshot.Txs, 1)
			require.EqualValues(t, 77, snapshot.Txs[0].Height)
		})
	}
}

// TestDatabaseConfigValidation checks the config failure modes.
func TestDatabaseConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := (&DatabaseBolt{}).OpenStore()
	require.ErrorIs(t, err, ErrMissingDatabasePath)

	_, err = (&DatabaseSqlite{}).OpenStore()
	require.ErrorIs(t, err, ErrMissingDatabasePath)
}
