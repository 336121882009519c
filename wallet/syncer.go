// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/chain"
	"golang.org/x/sync/errgroup"
)

// SyncState describes what a sync run is currently doing.
type SyncState uint32

const (
	// SyncIdle means no sync is running.
	SyncIdle SyncState = iota

	// SyncScanning means addresses are being checked against the chain
	// source.
	SyncScanning

	// SyncReconciling means discovered transactions are being folded
	// into the ledger.
	SyncReconciling

	// SyncFailed means the last sync run ended with an error. Progress
	// made before the failure is retained.
	SyncFailed
)

// String returns a human readable sync state.
func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncScanning:
		return "scanning"
	case SyncReconciling:
		return "reconciling"
	case SyncFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// Progress is one sync progress report.
type Progress struct {
	// State is the phase the sync is in.
	State SyncState

	// Keychain is the keychain being worked on. Meaningful while
	// scanning.
	Keychain Keychain

	// Index is the highest derivation index inspected so far on
	// Keychain.
	Index uint32

	// Percent is a monotonic overall completion estimate in [0, 100].
	Percent float64
}

// ProgressFunc receives push-style progress reports during a sync. It is
// called from the syncing goroutine; implementations must not block for
// long and must not call back into the wallet.
type ProgressFunc func(Progress)

// scriptOrigin remembers which descriptor expansion produced a script.
type scriptOrigin struct {
	keychain Keychain
	index    uint32
}

// syncer runs the scan/reconcile cycle: derive addresses per keychain up
// to the gap limit, query the chain source for their history, then fold
// every discovered transaction into the ledger. A syncer runs one cycle
// and is then discarded; the state counter lives on the wallet so readers
// can observe it across runs.
type syncer struct {
	source  chain.Source
	retrier *chain.Retrier
	params  chain.SyncParams

	ledger   *Ledger
	resolver *resolver

	state    *atomic.Uint32
	progress ProgressFunc

	// scripts maps pkScript bytes (as string keys) discovered during the
	// scan to their descriptor origin.
	scripts map[string]scriptOrigin

	// discovered maps each transaction seen in any address history to
	// its best known confirmation.
	discovered map[chainhash.Hash]chain.HistoryItem

	lastPercent float64
}

// run executes one full sync cycle.
func (s *syncer) run(ctx context.Context) error {
	s.state.Store(uint32(SyncScanning))

	s.scripts = make(map[string]scriptOrigin)
	s.discovered = make(map[chainhash.Hash]chain.HistoryItem)

	for _, keychain := range []Keychain{
		KeychainExternal, KeychainInternal,
	} {
		err := s.scanKeychain(ctx, keychain)
		if err != nil {
			s.state.Store(uint32(SyncFailed))
			return fmt.Errorf("scan %v keychain: %w", keychain,
				err)
		}
	}

	s.state.Store(uint32(SyncReconciling))
	s.report(Progress{State: SyncReconciling, Percent: 90})

	err := s.reconcile(ctx)
	if err != nil {
		s.state.Store(uint32(SyncFailed))
		return fmt.Errorf("reconcile: %w", err)
	}

	s.state.Store(uint32(SyncIdle))
	s.lastPercent = 100
	s.report(Progress{State: SyncIdle, Percent: 100})

	return nil
}

// scanKeychain walks a keychain's derivation indices in batches, querying
// each address's history, until the gap limit of consecutive unused
// addresses is reached. A non-derivable descriptor is a single address;
// the gap limit degenerates to a single query.
func (s *syncer) scanKeychain(ctx context.Context,
	keychain Keychain) error {

	desc := s.resolver.descriptor(keychain)

	stopGap := s.params.StopGap
	if !desc.Derivable() {
		stopGap = 1
	}

	batchSize := uint32(s.params.Concurrency)
	if batchSize == 0 {
		batchSize = 1
	}

	var (
		index     uint32
		unusedRun uint32
		lastUsed  = int64(-1)
	)

	for unusedRun < stopGap {
		// Cancellation is honored between batches regardless of
		// whether the chain source checks its context.
		if err := ctx.Err(); err != nil {
			return err
		}

		// Never query past the gap limit: the batch is capped at the
		// number of consecutive unused addresses still needed to
		// terminate the scan.
		n := batchSize
		if remaining := stopGap - unusedRun; n > remaining {
			n = remaining
		}
		if !desc.Derivable() {
			n = 1
		}

		items, err := s.queryBatch(ctx, desc, index, n)
		if err != nil {
			return err
		}

		// Results are folded in strictly by index so the gap count
		// is deterministic regardless of query completion order.
		for off := uint32(0); off < n; off++ {
			batchIndex := index + off
			history := items[off]

			if len(history) == 0 {
				unusedRun++
				if unusedRun >= stopGap {
					break
				}
				continue
			}

			unusedRun = 0
			lastUsed = int64(batchIndex)

			_, script, err := desc.DeriveAddress(batchIndex)
			if err != nil {
				return err
			}
			s.scripts[string(script)] = scriptOrigin{
				keychain: keychain,
				index:    batchIndex,
			}

			for _, item := range history {
				s.note(item)
			}
		}

		index += n

		s.report(Progress{
			State:    SyncScanning,
			Keychain: keychain,
			Index:    index,
			Percent:  s.scanPercent(keychain, unusedRun, stopGap),
		})

		if !desc.Derivable() {
			break
		}
	}

	// Chain activity at indices the cursor had not revealed yet moves
	// the cursor so the next revealed address is past all used ones.
	if lastUsed >= 0 {
		err := s.resolver.advanceCursor(
			keychain, uint32(lastUsed)+1,
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// queryBatch fetches the history for n consecutive indices starting at
// start, with at most Concurrency requests in flight, each under the
// retrier's timeout and retry policy.
func (s *syncer) queryBatch(ctx context.Context, desc *Descriptor,
	start, n uint32) ([][]chain.HistoryItem, error) {

	items := make([][]chain.HistoryItem, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(int(s.params.Concurrency))

	for off := uint32(0); off < n; off++ {
		off := off
		index := start + off

		addr, _, err := desc.DeriveAddress(index)
		if err != nil {
			return nil, err
		}

		g.Go(func() error {
			return s.retrier.Do(
				gctx, "address history",
				func(ctx context.Context) error {
					history, err := s.source.AddressHistory(
						ctx, addr,
					)
					if err != nil {
						return err
					}

					items[off] = history

					return nil
				},
			)
		})
	}

	err := g.Wait()
	if err != nil {
		return nil, err
	}

	return items, nil
}

// note records a transaction sighting, preferring confirmed over
// unconfirmed and deeper over shallower confirmations.
func (s *syncer) note(item chain.HistoryItem) {
	prev, ok := s.discovered[item.TxID]
	if !ok {
		s.discovered[item.TxID] = item
		return
	}

	if !prev.Confirmed() && item.Confirmed() {
		s.discovered[item.TxID] = item
	}
}

// reconcile folds every discovered transaction into the ledger in two
// passes: first every output paying a wallet script becomes a utxo, then
// every input spending a known utxo marks it spent. Splitting the passes
// makes the result independent of discovery order, so an unconfirmed
// spend is applied correctly even when its unconfirmed funding
// transaction lands after it.
func (s *syncer) reconcile(ctx context.Context) error {
	order := make([]chain.HistoryItem, 0, len(s.discovered))
	for _, item := range s.discovered {
		order = append(order, item)
	}

	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.Confirmed() != b.Confirmed() {
			return a.Confirmed()
		}
		if a.Height != b.Height {
			return a.Height < b.Height
		}
		return a.TxID.String() < b.TxID.String()
	})

	txs := make([]*wire.MsgTx, len(order))
	for i, item := range order {
		if err := ctx.Err(); err != nil {
			return err
		}

		tx, err := s.fetchTx(ctx, item)
		if err != nil {
			return err
		}
		txs[i] = tx

		err = s.applyOutputs(tx, item)
		if err != nil {
			return err
		}
	}

	for _, tx := range txs {
		err := s.applySpends(tx)
		if err != nil {
			return err
		}
	}

	return nil
}

// fetchTx returns the full transaction for a history item, reusing the
// ledger's copy when the confirmation state is unchanged.
func (s *syncer) fetchTx(ctx context.Context,
	item chain.HistoryItem) (*wire.MsgTx, error) {

	if rec, ok := s.ledger.Tx(item.TxID); ok {
		if rec.Height == item.Height {
			tx := rec.MsgTx
			return &tx, nil
		}
	}

	var tx *wire.MsgTx
	err := s.retrier.Do(
		ctx, "fetch transaction",
		func(ctx context.Context) error {
			fetched, err := s.source.Transaction(ctx, &item.TxID)
			if err != nil {
				return err
			}

			tx = fetched

			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	return tx, nil
}

// applyOutputs records one transaction and its wallet-owned outputs.
// Inserts are idempotent, so replaying history on a later sync leaves the
// ledger unchanged.
func (s *syncer) applyOutputs(tx *wire.MsgTx, item chain.HistoryItem) error {
	txid := tx.TxHash()

	for vout, out := range tx.TxOut {
		origin, ok := s.scripts[string(out.PkScript)]
		if !ok {
			continue
		}

		err := s.ledger.InsertUtxo(LocalUtxo{
			OutPoint: wire.OutPoint{
				Hash:  txid,
				Index: uint32(vout),
			},
			Output:   *out,
			Keychain: origin.keychain,
		})
		if err != nil {
			return err
		}
	}

	return s.ledger.InsertTx(TxRecord{
		MsgTx:  *tx,
		Height: item.Height,
		Time:   item.Time,
	})
}

// applySpends marks every utxo consumed by the transaction as spent. Runs
// after all discovered outputs are inserted.
func (s *syncer) applySpends(tx *wire.MsgTx) error {
	for _, txIn := range tx.TxIn {
		// A miss means the input spends a foreign output.
		_, err := s.ledger.MarkSpent(txIn.PreviousOutPoint)
		if err != nil {
			return err
		}
	}

	return nil
}

// scanPercent estimates overall completion: each keychain owns 45% of the
// run, apportioned by how close its unused run is to the gap limit, with
// the final 10% reserved for reconciliation. Reports never move backwards.
func (s *syncer) scanPercent(keychain Keychain, unusedRun,
	stopGap uint32) float64 {

	base := float64(keychain) * 45

	frac := float64(unusedRun) / float64(stopGap)
	if frac > 1 {
		frac = 1
	}

	pct := base + frac*45
	if pct < s.lastPercent {
		return s.lastPercent
	}
	s.lastPercent = pct

	return pct
}

// report pushes a progress update if a callback is registered.
func (s *syncer) report(p Progress) {
	if s.progress != nil {
		s.progress(p)
	}
}
