// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/chain"
	"github.com/stretchr/testify/require"
)

var testParams = &chaincfg.RegressionNetParams

// testMasterKey derives a deterministic master key so every test sees the
// same descriptor expansions.
func testMasterKey(t *testing.T) *hdkeychain.ExtendedKey {
	t.Helper()

	seed := bytes.Repeat([]byte{0x2a}, 32)
	master, err := hdkeychain.NewMaster(seed, testParams)
	require.NoError(t, err)

	return master
}

// testDescriptors returns a private external/internal descriptor pair over
// the deterministic master key.
func testDescriptors(t *testing.T) (string, string) {
	t.Helper()

	master := testMasterKey(t)

	return fmt.Sprintf("wpkh(%s/0/*)", master.String()),
		fmt.Sprintf("wpkh(%s/1/*)", master.String())
}

// testWallet opens an in-memory wallet over the deterministic descriptor
// pair.
func testWallet(t *testing.T) *Wallet {
	t.Helper()

	external, internal := testDescriptors(t)

	w, err := New(Config{
		ExternalDescriptor: external,
		InternalDescriptor: internal,
		ChainParams:        testParams,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, w.Close())
	})

	return w
}

// testOutPoint builds a distinct outpoint from a seed byte.
func testOutPoint(seed byte, index uint32) wire.OutPoint {
	var hash chainhash.Hash
	for i := range hash {
		hash[i] = seed
	}

	return wire.OutPoint{Hash: hash, Index: index}
}

// fundWallet credits the wallet with one utxo per amount, paid to fresh
// external addresses, and returns the created utxos in insertion order.
func fundWallet(t *testing.T, w *Wallet,
	amounts ...btcutil.Amount) []LocalUtxo {

	t.Helper()

	utxos := make([]LocalUtxo, 0, len(amounts))
	for i, amount := range amounts {
		info, err := w.NewAddress(KeychainExternal, AddressNew)
		require.NoError(t, err)

		_, script, err := w.resolver.deriveAddress(
			KeychainExternal, info.Index,
		)
		require.NoError(t, err)

		utxo := LocalUtxo{
			OutPoint: testOutPoint(byte(i+1), 0),
			Output: wire.TxOut{
				Value:    int64(amount),
				PkScript: script,
			},
			Keychain: KeychainExternal,
		}
		require.NoError(t, w.ledger.InsertUtxo(utxo))

		utxos = append(utxos, utxo)
	}

	return utxos
}

// externalAddress reveals a fresh receive address for use as a recipient.
func externalAddress(t *testing.T, w *Wallet) btcutil.Address {
	t.Helper()

	info, err := w.NewAddress(KeychainExternal, AddressNew)
	require.NoError(t, err)

	return info.Address
}

// mockSource is an in-memory chain.Source. Histories are keyed by address
// string; transactions by txid.
type mockSource struct {
	mu sync.Mutex

	histories map[string][]chain.HistoryItem
	txs       map[chainhash.Hash]*wire.MsgTx

	broadcasts []*wire.MsgTx

	historyCalls int

	// failHistory makes every AddressHistory call fail, for retry and
	// partial-progress tests.
	failHistory bool

	// failFirst makes the next n AddressHistory calls fail before
	// recovering, exercising the retry path.
	failFirst int
}

func newMockSource() *mockSource {
	return &mockSource{
		histories: make(map[string][]chain.HistoryItem),
		txs:       make(map[chainhash.Hash]*wire.MsgTx),
	}
}

// addTx registers a transaction and records it in the history of every
// address it pays or spends from, mirroring how Electrum-style backends
// index address activity.
func (m *mockSource) addTx(tx *wire.MsgTx, height int32,
	addrs ...btcutil.Address) {

	m.mu.Lock()
	defer m.mu.Unlock()

	item := chain.HistoryItem{
		TxID:   tx.TxHash(),
		Height: height,
		Time:   time.Unix(1700000000, 0),
	}

	m.txs[item.TxID] = tx
	for _, addr := range addrs {
		key := addr.String()
		m.histories[key] = append(m.histories[key], item)
	}
}

func (m *mockSource) AddressHistory(_ context.Context,
	addr btcutil.Address) ([]chain.HistoryItem, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.historyCalls++
	if m.failHistory {
		return nil, fmt.Errorf("backend unavailable")
	}
	if m.failFirst > 0 {
		m.failFirst--
		return nil, fmt.Errorf("transient backend failure")
	}

	return m.histories[addr.String()], nil
}

func (m *mockSource) Transaction(_ context.Context,
	txid *chainhash.Hash) (*wire.MsgTx, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[*txid]
	if !ok {
		return nil, fmt.Errorf("unknown transaction %v", txid)
	}

	return tx, nil
}

func (m *mockSource) Broadcast(_ context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.broadcasts = append(m.broadcasts, tx)
	hash := tx.TxHash()

	return &hash, nil
}

var _ chain.Source = (*mockSource)(nil)
