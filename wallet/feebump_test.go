// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// broadcastState is the original transaction of a fee bump scenario as the
// ledger would see it after a post-broadcast sync.
type broadcastState struct {
	wallet    *Wallet
	txid      chainhash.Hash
	recipient btcutil.Address
	fee       btcutil.Amount
	change    btcutil.Amount
}

// setupBroadcastTx builds an RBF transaction spending the wallet's single
// 100k utxo to a 50k recipient and folds it into the ledger the way a sync
// observing the broadcast would: the transaction record unconfirmed, the
// funding input spent, the change output tracked on the internal keychain.
func setupBroadcastTx(t *testing.T, rbf bool) *broadcastState {
	t.Helper()

	w := testWallet(t)
	fundWallet(t, w, 100_000)
	recipient := externalAddress(t, w)

	builder := w.CreateTx().
		AddRecipient(recipient, 50_000).
		FeeRate(1)
	if rbf {
		builder = builder.EnableRBF()
	}

	result, err := builder.Finish()
	require.NoError(t, err)

	tx := result.Packet.UnsignedTx
	require.Len(t, tx.TxOut, 2)
	txid := tx.TxHash()

	require.NoError(t, w.ledger.InsertTx(TxRecord{MsgTx: *tx}))
	for _, txIn := range tx.TxIn {
		_, err := w.ledger.MarkSpent(txIn.PreviousOutPoint)
		require.NoError(t, err)
	}
	require.NoError(t, w.ledger.InsertUtxo(LocalUtxo{
		OutPoint: wire.OutPoint{Hash: txid, Index: 1},
		Output:   *tx.TxOut[1],
		Keychain: KeychainInternal,
	}))

	return &broadcastState{
		wallet:    w,
		txid:      txid,
		recipient: recipient,
		fee:       result.Fee,
		change:    btcutil.Amount(tx.TxOut[1].Value),
	}
}

// TestFeeBumpShrinksChange checks the default bump: the change output
// absorbs the fee increase and the recipient is preserved.
func TestFeeBumpShrinksChange(t *testing.T) {
	t.Parallel()

	state := setupBroadcastTx(t, true)

	result, err := state.wallet.BuildFeeBump(state.txid).
		FeeAbsolute(state.fee + 1_000).
		Finish()
	require.NoError(t, err)

	require.Greater(t, result.Fee, state.fee)
	require.Equal(t, state.fee+1_000, result.Fee)

	tx := result.Packet.UnsignedTx
	require.Len(t, tx.TxOut, 2)
	require.EqualValues(t, 50_000, tx.TxOut[0].Value)
	require.EqualValues(t, state.change-1_000, tx.TxOut[1].Value)

	// Inputs are preserved verbatim, still signaling RBF.
	require.Len(t, tx.TxIn, 1)
	require.LessOrEqual(t, tx.TxIn[0].Sequence, MaxRbfSequence)
}

// TestFeeBumpNominatedOutput checks shrinking an explicitly nominated
// output instead of the change.
func TestFeeBumpNominatedOutput(t *testing.T) {
	t.Parallel()

	state := setupBroadcastTx(t, true)

	result, err := state.wallet.BuildFeeBump(state.txid).
		FeeAbsolute(state.fee + 1_000).
		AllowShrinking(state.recipient).
		Finish()
	require.NoError(t, err)

	tx := result.Packet.UnsignedTx
	require.Len(t, tx.TxOut, 2)
	require.EqualValues(t, 50_000-1_000, tx.TxOut[0].Value)
	require.EqualValues(t, state.change, tx.TxOut[1].Value)
}

// TestFeeBumpDropsDustShrink checks that shrinking below dust drops the
// output entirely, folding its remainder into the fee.
func TestFeeBumpDropsDustShrink(t *testing.T) {
	t.Parallel()

	state := setupBroadcastTx(t, true)

	// Leave only 100 sats in the change output, well below dust.
	result, err := state.wallet.BuildFeeBump(state.txid).
		FeeAbsolute(state.fee + state.change - 100).
		Finish()
	require.NoError(t, err)

	tx := result.Packet.UnsignedTx
	require.Len(t, tx.TxOut, 1)
	require.EqualValues(t, 50_000, tx.TxOut[0].Value)

	// The dropped output's full value goes to fee.
	require.Equal(t, state.fee+state.change, result.Fee)
}

// TestFeeBumpFailures covers the rejection cases.
func TestFeeBumpFailures(t *testing.T) {
	t.Parallel()

	t.Run("unknown txid", func(t *testing.T) {
		t.Parallel()

		w := testWallet(t)

		var missing chainhash.Hash
		missing[0] = 0xde

		_, err := w.BuildFeeBump(missing).FeeRate(5).Finish()
		require.ErrorIs(t, err, ErrTxNotFound)
	})

	t.Run("confirmed tx", func(t *testing.T) {
		t.Parallel()

		state := setupBroadcastTx(t, true)

		rec, ok := state.wallet.ledger.Tx(state.txid)
		require.True(t, ok)
		rec.Height = 100
		require.NoError(t, state.wallet.ledger.InsertTx(rec))

		_, err := state.wallet.BuildFeeBump(state.txid).
			FeeRate(5).
			Finish()
		require.ErrorIs(t, err, ErrTxConfirmed)
	})

	t.Run("non-RBF tx", func(t *testing.T) {
		t.Parallel()

		state := setupBroadcastTx(t, false)

		_, err := state.wallet.BuildFeeBump(state.txid).
			FeeRate(5).
			Finish()
		require.ErrorIs(t, err, ErrNotRBF)
	})

	t.Run("nominated script absent", func(t *testing.T) {
		t.Parallel()

		state := setupBroadcastTx(t, true)

		unrelated := externalAddress(t, state.wallet)

		_, err := state.wallet.BuildFeeBump(state.txid).
			FeeAbsolute(state.fee + 1_000).
			AllowShrinking(unrelated).
			Finish()
		require.ErrorIs(t, err, ErrShrinkOutputNotFound)
	})

	t.Run("fee not higher", func(t *testing.T) {
		t.Parallel()

		state := setupBroadcastTx(t, true)

		_, err := state.wallet.BuildFeeBump(state.txid).
			FeeAbsolute(state.fee).
			Finish()
		require.ErrorIs(t, err, ErrFeeTooLow)
	})

	t.Run("consumed once", func(t *testing.T) {
		t.Parallel()

		state := setupBroadcastTx(t, true)

		builder := state.wallet.BuildFeeBump(state.txid).
			FeeAbsolute(state.fee + 1_000)

		_, err := builder.Finish()
		require.NoError(t, err)

		_, err = builder.Finish()
		require.ErrorIs(t, err, ErrBuilderConsumed)
	})
}
