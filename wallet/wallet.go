// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/chain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Config describes everything needed to open a wallet. The descriptors
// and network are required; the rest have working defaults.
type Config struct {
	// ExternalDescriptor is the receiving keychain's descriptor.
	ExternalDescriptor string

	// InternalDescriptor is the change keychain's descriptor. When
	// empty, the external descriptor serves both keychains.
	InternalDescriptor string

	// ChainParams identifies the network every address and key must
	// belong to.
	ChainParams *chaincfg.Params

	// Database selects the ledger's persistence backend. Nil means
	// in-memory only.
	Database DatabaseConfig

	// ChainConfig supplies the sync engine's retry, timeout, gap-limit
	// and concurrency parameters. Nil falls back to defaults.
	ChainConfig chain.Config

	// ChainSource is the chain-data collaborator used for syncing and
	// broadcasting. A wallet without one can still build and sign.
	ChainSource chain.Source

	// Signer overrides the default signer. When nil and the descriptors
	// carry private keys, a descriptor signer is used; otherwise the
	// wallet is watch-only.
	Signer Signer
}

// BlockTime is the confirmation point of a transaction.
type BlockTime struct {
	Height    uint32
	Timestamp uint64
}

// TransactionDetails is a wallet-relative view of one transaction.
type TransactionDetails struct {
	// TxID is the transaction hash.
	TxID chainhash.Hash

	// Sent is the total value of wallet-owned outputs this transaction
	// spends.
	Sent btcutil.Amount

	// Received is the total value this transaction pays to wallet
	// scripts.
	Received btcutil.Amount

	// Fee is the transaction fee, present only when the ledger can
	// resolve every input's previous output.
	Fee fn.Option[btcutil.Amount]

	// Confirmation is the block this transaction was mined in, absent
	// while unconfirmed.
	Confirmation fn.Option[BlockTime]
}

// AddressInfo is a revealed address together with its derivation
// coordinates.
type AddressInfo struct {
	Address  btcutil.Address
	Keychain Keychain
	Index    uint32
}

// Wallet is the aggregate root of one coin-tracking domain: a descriptor
// pair, a ledger of owned outputs, and per-keychain derivation cursors.
// Two wallets must never share a ledger store. All methods are safe for
// concurrent use; at most one sync runs at a time.
type Wallet struct {
	chainParams *chaincfg.Params

	store    LedgerStore
	ledger   *Ledger
	resolver *resolver

	source     chain.Source
	syncParams chain.SyncParams

	signer Signer

	syncState atomic.Uint32
	syncing   atomic.Bool
}

// New opens a wallet: parses the descriptor pair, opens the configured
// store and restores ledger state and derivation cursors from it.
func New(cfg Config) (*Wallet, error) {
	if cfg.ChainParams == nil {
		return nil, errors.New("chain params are required")
	}

	external, err := ParseDescriptor(
		cfg.ExternalDescriptor, cfg.ChainParams,
	)
	if err != nil {
		return nil, fmt.Errorf("external descriptor: %w", err)
	}

	internal := external
	if cfg.InternalDescriptor != "" {
		internal, err = ParseDescriptor(
			cfg.InternalDescriptor, cfg.ChainParams,
		)
		if err != nil {
			return nil, fmt.Errorf("internal descriptor: %w", err)
		}
	}

	for _, desc := range []*Descriptor{external, internal} {
		if desc.key != nil && !desc.key.IsForNet(cfg.ChainParams) {
			return nil, fmt.Errorf("%w: descriptor key does not "+
				"belong to %s", ErrWrongNetwork,
				cfg.ChainParams.Name)
		}
	}

	db := cfg.Database
	if db == nil {
		db = &DatabaseMemory{}
	}

	store, err := db.OpenStore()
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	snapshot, err := store.Load()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var syncParams chain.SyncParams
	if cfg.ChainConfig != nil {
		if err := cfg.ChainConfig.Validate(); err != nil {
			store.Close()
			return nil, err
		}
		syncParams = cfg.ChainConfig.SyncParams()
	} else {
		syncParams = chain.SyncParams{}.Normalize()
	}

	w := &Wallet{
		chainParams: cfg.ChainParams,
		store:       store,
		ledger:      newLedgerFromSnapshot(store, snapshot),
		resolver: newResolver(
			external, internal, snapshot.Cursors, store,
		),
		source:     cfg.ChainSource,
		syncParams: syncParams,
		signer:     cfg.Signer,
	}

	if w.signer == nil {
		if ds := newDescriptorSigner(w.resolver); ds != nil {
			w.signer = ds
		}
	}

	log.Infof("Opened wallet on %s: %d utxos, %d transactions",
		cfg.ChainParams.Name, len(snapshot.Utxos), len(snapshot.Txs))

	return w, nil
}

// Close releases the wallet's store.
func (w *Wallet) Close() error {
	return w.store.Close()
}

// Balance returns the sum of all unspent output values across both
// keychains. It reflects locally synced state only; call Sync first for a
// chain-accurate figure.
func (w *Wallet) Balance() btcutil.Amount {
	return w.ledger.Balance()
}

// ListUnspent returns every unspent output the wallet tracks.
func (w *Wallet) ListUnspent() []LocalUtxo {
	return w.ledger.Unspent()
}

// NewAddress reveals an address on the given keychain per the strategy.
func (w *Wallet) NewAddress(keychain Keychain,
	strategy AddressStrategy) (AddressInfo, error) {

	index, err := w.resolver.nextIndex(keychain, strategy, w.scriptUsed)
	if err != nil {
		return AddressInfo{}, err
	}

	addr, _, err := w.resolver.deriveAddress(keychain, index)
	if err != nil {
		return AddressInfo{}, err
	}

	return AddressInfo{
		Address:  addr,
		Keychain: keychain,
		Index:    index,
	}, nil
}

// scriptUsed backs the LastUnused address strategy.
func (w *Wallet) scriptUsed(pkScript []byte) bool {
	return w.ledger.ScriptUsed(pkScript)
}

// ListTransactions returns wallet-relative details for every known
// transaction, confirmed first in height order.
func (w *Wallet) ListTransactions() []TransactionDetails {
	recs := w.ledger.Txs()

	details := make([]TransactionDetails, 0, len(recs))
	for i := range recs {
		details = append(details, w.describeTx(&recs[i]))
	}

	return details
}

// GetTx returns wallet-relative details for one transaction.
func (w *Wallet) GetTx(txid chainhash.Hash) (TransactionDetails, bool) {
	rec, ok := w.ledger.Tx(txid)
	if !ok {
		return TransactionDetails{}, false
	}

	return w.describeTx(&rec), true
}

// describeTx recomputes sent/received/fee from the ledger. Fee stays
// absent unless every input's previous output value is resolvable.
func (w *Wallet) describeTx(rec *TxRecord) TransactionDetails {
	txid := rec.TxID()

	details := TransactionDetails{
		TxID: txid,
		Fee:  fn.None[btcutil.Amount](),
	}

	if rec.Confirmed() {
		details.Confirmation = fn.Some(BlockTime{
			Height:    uint32(rec.Height),
			Timestamp: uint64(rec.Time.Unix()),
		})
	}

	var totalOut btcutil.Amount
	for vout, out := range rec.MsgTx.TxOut {
		totalOut += btcutil.Amount(out.Value)

		op := wire.OutPoint{Hash: txid, Index: uint32(vout)}
		if _, ok := w.ledger.Utxo(op); ok {
			details.Received += btcutil.Amount(out.Value)
		}
	}

	var totalIn btcutil.Amount
	allInputsKnown := true
	for _, txIn := range rec.MsgTx.TxIn {
		utxo, ok := w.ledger.Utxo(txIn.PreviousOutPoint)
		if !ok {
			allInputsKnown = false
			continue
		}

		value := btcutil.Amount(utxo.Output.Value)
		details.Sent += value
		totalIn += value
	}

	if allInputsKnown && len(rec.MsgTx.TxIn) > 0 {
		details.Fee = fn.Some(totalIn - totalOut)
	}

	return details
}

// SyncState returns what the sync engine is currently doing.
func (w *Wallet) SyncState() SyncState {
	return SyncState(w.syncState.Load())
}

// Sync scans both keychains against the chain source and folds every
// discovered transaction into the ledger. At most one sync runs at a
// time; a second concurrent call fails with ErrSyncInProgress. On error,
// progress made before the failure is retained, so a retry resumes
// cheaply. The progress callback may be nil.
func (w *Wallet) Sync(ctx context.Context, progress ProgressFunc) error {
	if w.source == nil {
		return errors.New("no chain source configured")
	}

	if !w.syncing.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer w.syncing.Store(false)

	log.Debugf("Sync starting: stop gap %d, concurrency %d",
		w.syncParams.StopGap, w.syncParams.Concurrency)

	s := &syncer{
		source:   w.source,
		retrier:  chain.NewRetrier(w.syncParams),
		params:   w.syncParams,
		ledger:   w.ledger,
		resolver: w.resolver,
		state:    &w.syncState,
		progress: progress,
	}

	return s.run(ctx)
}

// Broadcast extracts the finalized transaction from a fully signed packet
// and hands it to the chain source. The returned txid is the one reported
// by the source.
func (w *Wallet) Broadcast(ctx context.Context,
	packet *psbt.Packet) (*chainhash.Hash, error) {

	if w.source == nil {
		return nil, errors.New("no chain source configured")
	}

	if !packet.IsComplete() {
		return nil, fmt.Errorf("%w: packet is not fully signed",
			ErrSerialization)
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	retrier := chain.NewRetrier(w.syncParams)

	var txid *chainhash.Hash
	err = retrier.Do(ctx, "broadcast", func(ctx context.Context) error {
		sent, err := w.source.Broadcast(ctx, tx)
		if err != nil {
			return err
		}

		txid = sent

		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Broadcast transaction %v", txid)

	return txid, nil
}
