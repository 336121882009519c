// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// FeeBumpBuilder accumulates the policy for one BIP125 replacement build.
// The replacement preserves the original transaction's inputs and
// recipient outputs; the fee increase is absorbed by shrinking exactly one
// nominated output. Like TxBuilder, Finish consumes the builder once.
type FeeBumpBuilder struct {
	wallet *Wallet
	txid   chainhash.Hash

	feeRate *FeeRate
	feeAbs  *btcutil.Amount

	// shrinkScript nominates the output that absorbs the fee increase.
	// When nil, the original transaction's change output (the one paying
	// an internal keychain script) is shrunk.
	shrinkScript []byte

	finished bool
	err      error
}

// BuildFeeBump starts a replacement build for a previously broadcast,
// still unconfirmed transaction known to the ledger.
func (w *Wallet) BuildFeeBump(txid chainhash.Hash) *FeeBumpBuilder {
	return &FeeBumpBuilder{wallet: w, txid: txid}
}

func (b *FeeBumpBuilder) fail(err error) *FeeBumpBuilder {
	if b.err == nil {
		b.err = err
	}

	return b
}

// FeeRate sets a rate-based fee policy in sat/vB for the replacement.
// Mutually exclusive with FeeAbsolute.
func (b *FeeBumpBuilder) FeeRate(rate FeeRate) *FeeBumpBuilder {
	b.feeRate = &rate
	return b
}

// FeeAbsolute sets a fixed fee for the replacement. Mutually exclusive
// with FeeRate.
func (b *FeeBumpBuilder) FeeAbsolute(fee btcutil.Amount) *FeeBumpBuilder {
	b.feeAbs = &fee
	return b
}

// AllowShrinking nominates the output paying addr as the one whose value
// absorbs the fee increase. Without a nomination, the original change
// output is shrunk.
func (b *FeeBumpBuilder) AllowShrinking(
	addr btcutil.Address) *FeeBumpBuilder {

	if !addr.IsForNet(b.wallet.chainParams) {
		return b.fail(fmt.Errorf("%w: %s", ErrWrongNetwork,
			addr.String()))
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return b.fail(err)
	}

	b.shrinkScript = script

	return b
}

// Finish consumes the builder and produces the unsigned replacement as a
// PSBT. It may be called exactly once.
func (b *FeeBumpBuilder) Finish() (*BuildResult, error) {
	if b.finished {
		return nil, ErrBuilderConsumed
	}
	b.finished = true

	if b.err != nil {
		return nil, b.err
	}
	if b.feeRate != nil && b.feeAbs != nil {
		return nil, ErrConflictingFeePolicy
	}

	rec, ok := b.wallet.ledger.Tx(b.txid)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrTxNotFound, b.txid)
	}
	if rec.Confirmed() {
		return nil, fmt.Errorf("%w: %v confirmed at height %d",
			ErrTxConfirmed, b.txid, rec.Height)
	}

	original := &rec.MsgTx

	// BIP125 rule 1: at least one input must carry a sequence that
	// signals replaceability.
	if !signalsRbf(original) {
		return nil, fmt.Errorf("%w: %v", ErrNotRBF, b.txid)
	}

	// Every original input must resolve through the ledger; the
	// replacement reuses them verbatim and the packet needs their
	// previous output data.
	inputs := make([]LocalUtxo, 0, len(original.TxIn))
	var totalIn btcutil.Amount
	for _, txIn := range original.TxIn {
		utxo, ok := b.wallet.ledger.Utxo(txIn.PreviousOutPoint)
		if !ok {
			return nil, &UnknownUtxoError{
				OutPoint: txIn.PreviousOutPoint,
			}
		}

		inputs = append(inputs, utxo)
		totalIn += btcutil.Amount(utxo.Output.Value)
	}

	var totalOut btcutil.Amount
	for _, out := range original.TxOut {
		totalOut += btcutil.Amount(out.Value)
	}
	originalFee := totalIn - totalOut

	shrinkIdx, err := b.shrinkIndex(original)
	if err != nil {
		return nil, err
	}

	// Size the replacement as the original shape: same inputs, the
	// non-shrunk outputs, plus the shrunk output modeled as the
	// remainder slot.
	kept := make([]*wire.TxOut, 0, len(original.TxOut)-1)
	for i, out := range original.TxOut {
		if i != shrinkIdx {
			kept = append(kept, out)
		}
	}
	shrinkOut := original.TxOut[shrinkIdx]

	newFee := b.bumpFee(inputs, kept, len(shrinkOut.PkScript))
	if newFee <= originalFee {
		return nil, fmt.Errorf("%w: replacement fee %v does not "+
			"exceed original fee %v", ErrFeeTooLow, newFee,
			originalFee)
	}

	increase := newFee - originalFee
	shrunk := btcutil.Amount(shrinkOut.Value) - increase

	tx := wire.NewMsgTx(original.Version)
	for _, txIn := range original.TxIn {
		replacement := wire.NewTxIn(&txIn.PreviousOutPoint, nil, nil)
		replacement.Sequence = txIn.Sequence
		tx.AddTxIn(replacement)
	}

	fee := newFee
	dropped := shrunk < dustThreshold(len(shrinkOut.PkScript))
	if dropped {
		// The shrunk output falls below dust: drop it, its entire
		// value goes to fee.
		if len(kept) == 0 {
			return nil, fmt.Errorf("%w: shrinking %v below dust "+
				"leaves no outputs", ErrDustOutput, b.txid)
		}

		fee = totalIn
		for _, out := range kept {
			tx.AddTxOut(out)
			fee -= btcutil.Amount(out.Value)
		}
	} else {
		for i, out := range original.TxOut {
			if i == shrinkIdx {
				tx.AddTxOut(&wire.TxOut{
					Value:    int64(shrunk),
					PkScript: shrinkOut.PkScript,
				})
				continue
			}
			tx.AddTxOut(out)
		}
	}

	packet, err := b.wallet.decoratePacket(tx, inputs)
	if err != nil {
		return nil, err
	}

	log.Debugf("Built replacement %v for %v: fee %v -> %v",
		tx.TxHash(), b.txid, originalFee, fee)

	return &BuildResult{Packet: packet, Fee: fee}, nil
}

// bumpFee evaluates the replacement's fee policy against the replacement's
// own size.
func (b *FeeBumpBuilder) bumpFee(inputs []LocalUtxo, kept []*wire.TxOut,
	shrinkScriptSize int) btcutil.Amount {

	if b.feeAbs != nil {
		return *b.feeAbs
	}

	rate := FeeRate(1)
	if b.feeRate != nil {
		rate = *b.feeRate
	}

	return rate.FeeFor(estimateVsize(inputs, kept, shrinkScriptSize))
}

// shrinkIndex locates the output that absorbs the fee increase: the
// nominated script if one was given, otherwise the original change output
// (the output paying an internal keychain script the ledger tracks).
func (b *FeeBumpBuilder) shrinkIndex(tx *wire.MsgTx) (int, error) {
	if b.shrinkScript != nil {
		for i, out := range tx.TxOut {
			if bytes.Equal(out.PkScript, b.shrinkScript) {
				return i, nil
			}
		}

		return 0, fmt.Errorf("%w: nominated script not among "+
			"outputs of %v", ErrShrinkOutputNotFound, b.txid)
	}

	txid := tx.TxHash()
	for i := range tx.TxOut {
		op := wire.OutPoint{Hash: txid, Index: uint32(i)}
		utxo, ok := b.wallet.ledger.Utxo(op)
		if ok && utxo.Keychain == KeychainInternal {
			return i, nil
		}
	}

	return 0, fmt.Errorf("%w: no change output on %v",
		ErrShrinkOutputNotFound, b.txid)
}

// signalsRbf reports whether at least one input signals BIP125
// replaceability.
func signalsRbf(tx *wire.MsgTx) bool {
	for _, txIn := range tx.TxIn {
		if txIn.Sequence <= MaxRbfSequence {
			return true
		}
	}

	return false
}
