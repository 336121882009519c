// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Keychain identifies one of the two derivation branches under a wallet's
// descriptor pair.
type Keychain uint8

const (
	// KeychainExternal is the receiving branch.
	KeychainExternal Keychain = iota

	// KeychainInternal is the change branch.
	KeychainInternal
)

// String returns the string representation of a Keychain.
func (k Keychain) String() string {
	switch k {
	case KeychainExternal:
		return "external"

	case KeychainInternal:
		return "internal"

	default:
		return "unknown keychain"
	}
}

// LocalUtxo is an output owned by the wallet together with its spent state
// and the keychain it was derived under. The ledger owns these records
// exclusively; they are mutated only during sync reconciliation.
type LocalUtxo struct {
	// OutPoint is the immutable identity of the output.
	OutPoint wire.OutPoint

	// Output carries the output's value and script.
	Output wire.TxOut

	// Keychain records which derivation branch the paying script belongs
	// to.
	Keychain Keychain

	// Spent is true once a transaction spending this output has been
	// observed.
	Spent bool
}

// TxRecord is a transaction relevant to the wallet as discovered during
// sync, along with its confirmation state.
type TxRecord struct {
	// MsgTx is the full transaction.
	MsgTx wire.MsgTx

	// Height is the height of the confirming block, or zero while the
	// transaction is unconfirmed.
	Height int32

	// Time is the confirming block's timestamp. It is the zero value
	// while the transaction is unconfirmed.
	Time time.Time
}

// TxID returns the hash of the recorded transaction.
func (r *TxRecord) TxID() chainhash.Hash {
	return r.MsgTx.TxHash()
}

// Confirmed reports whether the transaction has been mined.
func (r *TxRecord) Confirmed() bool {
	return r.Height > 0
}

// Ledger is the wallet's record of owned outputs and the transactions that
// created or spent them. All mutation happens under the ledger's lock and
// is write-through to the configured store; readers operate on snapshots.
type Ledger struct {
	mu sync.RWMutex

	utxos map[wire.OutPoint]*LocalUtxo
	txs   map[chainhash.Hash]*TxRecord

	store LedgerStore
}

// NewLedger creates a ledger populated from the given store's snapshot.
func NewLedger(store LedgerStore) (*Ledger, error) {
	snapshot, err := store.Load()
	if err != nil {
		return nil, err
	}

	return newLedgerFromSnapshot(store, snapshot), nil
}

// newLedgerFromSnapshot builds a ledger from an already loaded snapshot,
// letting the wallet share one store read between ledger and resolver.
func newLedgerFromSnapshot(store LedgerStore,
	snapshot *LedgerSnapshot) *Ledger {

	l := &Ledger{
		utxos: make(map[wire.OutPoint]*LocalUtxo),
		txs:   make(map[chainhash.Hash]*TxRecord),
		store: store,
	}

	for i := range snapshot.Utxos {
		utxo := snapshot.Utxos[i]
		l.utxos[utxo.OutPoint] = &utxo
	}
	for i := range snapshot.Txs {
		rec := snapshot.Txs[i]
		l.txs[rec.TxID()] = &rec
	}

	return l
}

// InsertUtxo records an output as owned by the wallet. Re-inserting an
// already tracked outpoint updates its metadata in place, keeping the
// outpoint-uniqueness invariant and making sync reconciliation idempotent.
// A previously recorded spent flag is never cleared by re-insertion.
func (l *Ledger) InsertUtxo(utxo LocalUtxo) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.utxos[utxo.OutPoint]; ok {
		utxo.Spent = utxo.Spent || existing.Spent
	}

	l.utxos[utxo.OutPoint] = &utxo

	return l.store.PutUtxo(&utxo)
}

// MarkSpent marks the output at the given outpoint as spent. Marking an
// outpoint the ledger does not track is a recoverable miss: it returns
// false and mutates nothing.
func (l *Ledger) MarkSpent(op wire.OutPoint) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	utxo, ok := l.utxos[op]
	if !ok {
		log.Debugf("MarkSpent: outpoint %v not tracked, ignoring", op)
		return false, nil
	}

	if utxo.Spent {
		return true, nil
	}

	utxo.Spent = true

	return true, l.store.PutUtxo(utxo)
}

// InsertTx records a transaction relevant to the wallet. Re-inserting a
// known transaction updates its confirmation state, which is how an
// unconfirmed record becomes confirmed on a later sync.
func (l *Ledger) InsertTx(rec TxRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.txs[rec.TxID()] = &rec

	return l.store.PutTx(&rec)
}

// Tx returns the recorded transaction for the given hash, or false when the
// wallet does not track it.
func (l *Ledger) Tx(txid chainhash.Hash) (TxRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.txs[txid]
	if !ok {
		return TxRecord{}, false
	}

	return *rec, true
}

// Txs returns a snapshot of every recorded transaction, ordered by
// confirmation height with unconfirmed transactions last.
func (l *Ledger) Txs() []TxRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	recs := make([]TxRecord, 0, len(l.txs))
	for _, rec := range l.txs {
		recs = append(recs, *rec)
	}

	sort.Slice(recs, func(i, j int) bool {
		hi, hj := recs[i].Height, recs[j].Height
		switch {
		case hi > 0 && hj > 0:
			return hi < hj

		case hi > 0:
			return true

		case hj > 0:
			return false

		default:
			ti := recs[i].TxID()
			tj := recs[j].TxID()
			return ti.String() < tj.String()
		}
	})

	return recs
}

// List returns a snapshot of every tracked output, spent and unspent, in a
// deterministic outpoint order.
func (l *Ledger) List() []LocalUtxo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.collect(true)
}

// Unspent returns a snapshot of the outputs that are still spendable.
func (l *Ledger) Unspent() []LocalUtxo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.collect(false)
}

// collect gathers tracked outputs in deterministic order. The caller must
// hold at least a read lock.
func (l *Ledger) collect(includeSpent bool) []LocalUtxo {
	utxos := make([]LocalUtxo, 0, len(l.utxos))
	for _, utxo := range l.utxos {
		if !includeSpent && utxo.Spent {
			continue
		}

		utxos = append(utxos, *utxo)
	}

	sort.Slice(utxos, func(i, j int) bool {
		return outPointLess(utxos[i].OutPoint, utxos[j].OutPoint)
	})

	return utxos
}

// Balance returns the sum of values of the unspent outputs across both
// keychains. The result reflects only locally synced state: callers that
// need chain-accurate figures must run a sync first.
func (l *Ledger) Balance() btcutil.Amount {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total btcutil.Amount
	for _, utxo := range l.utxos {
		if utxo.Spent {
			continue
		}

		total += btcutil.Amount(utxo.Output.Value)
	}

	return total
}

// Utxo returns the tracked output at the given outpoint, or false when the
// ledger does not track it.
func (l *Ledger) Utxo(op wire.OutPoint) (LocalUtxo, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	utxo, ok := l.utxos[op]
	if !ok {
		return LocalUtxo{}, false
	}

	return *utxo, true
}

// ScriptUsed reports whether the ledger has ever recorded funds received
// at the given output script, spent or not.
func (l *Ledger) ScriptUsed(pkScript []byte) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, utxo := range l.utxos {
		if bytes.Equal(utxo.Output.PkScript, pkScript) {
			return true
		}
	}

	return false
}

// outPointLess imposes a total order on outpoints: lexicographic on txid,
// then by output index.
func outPointLess(a, b wire.OutPoint) bool {
	for i := range a.Hash {
		if a.Hash[i] != b.Hash[i] {
			return a.Hash[i] < b.Hash[i]
		}
	}

	return a.Index < b.Index
}
