// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// verifyInput runs the script engine over one input of an extracted
// transaction, proving the produced signature actually validates.
func verifyInput(t *testing.T, tx *wire.MsgTx, idx int,
	prevOut *wire.TxOut, fetcher txscript.PrevOutputFetcher) {

	t.Helper()

	vm, err := txscript.NewEngine(
		prevOut.PkScript, tx, idx, txscript.StandardVerifyFlags,
		nil, txscript.NewTxSigHashes(tx, fetcher), prevOut.Value,
		fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

// TestSignP2wpkh checks the full segwit v0 flow: build, sign, finalize,
// extract, and verify the witness against the script engine.
func TestSignP2wpkh(t *testing.T) {
	t.Parallel()

	w := testWallet(t)
	fundWallet(t, w, 100_000)
	recipient := externalAddress(t, w)

	result, err := w.CreateTx().
		AddRecipient(recipient, 50_000).
		FeeRate(1).
		Finish()
	require.NoError(t, err)

	complete, err := w.Sign(context.Background(), result.Packet)
	require.NoError(t, err)
	require.True(t, complete)
	require.True(t, result.Packet.IsComplete())

	final, err := psbt.Extract(result.Packet)
	require.NoError(t, err)

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, pIn := range result.Packet.Inputs {
		fetcher.AddPrevOut(
			final.TxIn[i].PreviousOutPoint, pIn.WitnessUtxo,
		)
	}
	for i, pIn := range result.Packet.Inputs {
		verifyInput(t, final, i, pIn.WitnessUtxo, fetcher)
	}
}

// TestSignP2tr checks taproot key-spend signing over a tr() descriptor
// pair.
func TestSignP2tr(t *testing.T) {
	t.Parallel()

	master := testMasterKey(t)
	w, err := New(Config{
		ExternalDescriptor: fmt.Sprintf("tr(%s/0/*)", master),
		InternalDescriptor: fmt.Sprintf("tr(%s/1/*)", master),
		ChainParams:        testParams,
	})
	require.NoError(t, err)
	defer w.Close()

	fundWallet(t, w, 100_000)
	recipient := externalAddress(t, w)

	result, err := w.CreateTx().
		AddRecipient(recipient, 50_000).
		FeeRate(1).
		Finish()
	require.NoError(t, err)

	complete, err := w.Sign(context.Background(), result.Packet)
	require.NoError(t, err)
	require.True(t, complete)

	final, err := psbt.Extract(result.Packet)
	require.NoError(t, err)

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, pIn := range result.Packet.Inputs {
		fetcher.AddPrevOut(
			final.TxIn[i].PreviousOutPoint, pIn.WitnessUtxo,
		)
	}
	for i, pIn := range result.Packet.Inputs {
		verifyInput(t, final, i, pIn.WitnessUtxo, fetcher)
	}
}

// TestSignWatchOnly checks that a wallet over neutered descriptors cannot
// sign.
func TestSignWatchOnly(t *testing.T) {
	t.Parallel()

	master := testMasterKey(t)
	xpub, err := master.Neuter()
	require.NoError(t, err)

	w, err := New(Config{
		ExternalDescriptor: fmt.Sprintf("wpkh(%s/0/*)", xpub),
		InternalDescriptor: fmt.Sprintf("wpkh(%s/1/*)", xpub),
		ChainParams:        testParams,
	})
	require.NoError(t, err)
	defer w.Close()

	fundWallet(t, w, 100_000)
	recipient := externalAddress(t, w)

	result, err := w.CreateTx().
		AddRecipient(recipient, 50_000).
		FeeRate(1).
		Finish()
	require.NoError(t, err)

	_, err = w.Sign(context.Background(), result.Packet)
	require.ErrorIs(t, err, ErrNoSigner)
}

// TestSignForeignInputIncomplete checks that inputs the wallet does not
// control are left for other parties: signing succeeds but the packet
// stays incomplete.
func TestSignForeignInputIncomplete(t *testing.T) {
	t.Parallel()

	w := testWallet(t)

	foreign := wire.NewMsgTx(txVersion)
	foreign.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	foreign.AddTxOut(wire.NewTxOut(40_000, []byte{0x00, 0x14, 0xbb}))

	packet, err := psbt.NewFromUnsignedTx(foreign)
	require.NoError(t, err)
	packet.Inputs[0].WitnessUtxo = &wire.TxOut{
		Value:    50_000,
		PkScript: []byte{0x00, 0x14, 0xcc},
	}

	complete, err := w.Sign(context.Background(), packet)
	require.NoError(t, err)
	require.False(t, complete)
	require.Empty(t, packet.Inputs[0].PartialSigs)
}

// TestCombinePackets checks merging signatures produced on separate copies
// of the same packet.
func TestCombinePackets(t *testing.T) {
	t.Parallel()

	w := testWallet(t)
	fundWallet(t, w, 100_000)
	recipient := externalAddress(t, w)

	result, err := w.CreateTx().
		AddRecipient(recipient, 50_000).
		FeeRate(1).
		Finish()
	require.NoError(t, err)

	// Clone the unsigned packet, sign only the clone.
	encoded, err := result.Packet.B64Encode()
	require.NoError(t, err)
	signedCopy, err := psbt.NewFromRawBytes(
		strings.NewReader(encoded), true,
	)
	require.NoError(t, err)

	err = w.signer.SignPsbt(context.Background(), signedCopy)
	require.NoError(t, err)
	require.NotEmpty(t, signedCopy.Inputs[0].PartialSigs)
	require.Empty(t, result.Packet.Inputs[0].PartialSigs)

	require.NoError(t, Combine(result.Packet, signedCopy))
	require.NotEmpty(t, result.Packet.Inputs[0].PartialSigs)

	// Combining is idempotent on signatures already present.
	require.NoError(t, Combine(result.Packet, signedCopy))
	require.Len(t, result.Packet.Inputs[0].PartialSigs, 1)

	// A packet for a different transaction is rejected.
	other := wire.NewMsgTx(txVersion)
	other.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	other.AddTxOut(wire.NewTxOut(1_000, []byte{0x00, 0x14, 0x01}))
	otherPacket, err := psbt.NewFromUnsignedTx(other)
	require.NoError(t, err)
	require.Error(t, Combine(result.Packet, otherPacket))
}
