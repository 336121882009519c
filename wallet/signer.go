// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Signer produces signatures for the inputs of a partially signed
// transaction, mutating the packet's per-input signature fields in place.
// Inputs the signer does not control are left untouched.
type Signer interface {
	SignPsbt(ctx context.Context, packet *psbt.Packet) error
}

// DescriptorSigner signs every input whose previous output script is
// derivable from one of the wallet's descriptors, provided the descriptor
// carries private key material.
type DescriptorSigner struct {
	resolver *resolver
}

// newDescriptorSigner returns a signer over the resolver's descriptors, or
// nil when neither descriptor can sign.
func newDescriptorSigner(r *resolver) *DescriptorSigner {
	if !r.descriptor(KeychainExternal).Private() &&
		!r.descriptor(KeychainInternal).Private() {

		return nil
	}

	return &DescriptorSigner{resolver: r}
}

// SignPsbt implements Signer. Segwit v0 and legacy inputs receive a
// partial signature; taproot inputs receive a key-spend signature. The
// packet is left unfinalized so further signers can contribute.
func (s *DescriptorSigner) SignPsbt(_ context.Context,
	packet *psbt.Packet) error {

	fetcher, err := prevOutFetcher(packet)
	if err != nil {
		return err
	}
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	for i := range packet.Inputs {
		op := packet.UnsignedTx.TxIn[i].PreviousOutPoint
		prevOut := fetcher.FetchPrevOutput(op)
		if prevOut == nil {
			return fmt.Errorf("%w: input %d has no previous "+
				"output data", ErrSerialization, i)
		}

		priv, kind, ok, err := s.lookupKey(prevOut.PkScript)
		if err != nil {
			return err
		}
		if !ok {
			// Not ours; another party signs this one.
			continue
		}

		err = signInput(
			packet, i, prevOut, sigHashes, priv, kind,
		)
		if err != nil {
			return fmt.Errorf("sign input %d: %w", i, err)
		}
	}

	return nil
}

// lookupKey scans both keychains' revealed indices for a descriptor
// expansion matching script and returns the private key behind it.
func (s *DescriptorSigner) lookupKey(script []byte) (*btcec.PrivateKey,
	scriptKind, bool, error) {

	for _, keychain := range []Keychain{
		KeychainExternal, KeychainInternal,
	} {
		desc := s.resolver.descriptor(keychain)
		if !desc.Private() {
			continue
		}

		limit := s.resolver.cursor(keychain)
		if !desc.Derivable() {
			limit = 0
		}

		for index := uint32(0); index <= limit; index++ {
			_, candidate, err := desc.DeriveAddress(index)
			if err != nil {
				return nil, 0, false, err
			}

			if !bytes.Equal(candidate, script) {
				continue
			}

			priv, err := desc.DerivePrivKey(index)
			if err != nil {
				return nil, 0, false, err
			}

			return priv, desc.kind, true, nil
		}
	}

	return nil, 0, false, nil
}

// signInput produces the signature material for one input according to its
// script class.
func signInput(packet *psbt.Packet, idx int, prevOut *wire.TxOut,
	sigHashes *txscript.TxSigHashes, priv *btcec.PrivateKey,
	kind scriptKind) error {

	pIn := &packet.Inputs[idx]
	tx := packet.UnsignedTx

	switch kind {
	case scriptP2WPKH:
		pIn.SighashType = txscript.SigHashAll

		// BIP143 commits to the implied p2pkh script of the witness
		// program.
		scriptCode, err := p2pkhScriptCode(priv.PubKey())
		if err != nil {
			return err
		}

		sig, err := txscript.RawTxInWitnessSignature(
			tx, sigHashes, idx, prevOut.Value, scriptCode,
			txscript.SigHashAll, priv,
		)
		if err != nil {
			return err
		}

		pIn.PartialSigs = append(pIn.PartialSigs, &psbt.PartialSig{
			PubKey:    priv.PubKey().SerializeCompressed(),
			Signature: sig,
		})

	case scriptP2PKH:
		pIn.SighashType = txscript.SigHashAll

		sig, err := txscript.RawTxInSignature(
			tx, idx, prevOut.PkScript, txscript.SigHashAll, priv,
		)
		if err != nil {
			return err
		}

		pIn.PartialSigs = append(pIn.PartialSigs, &psbt.PartialSig{
			PubKey:    priv.PubKey().SerializeCompressed(),
			Signature: sig,
		})

	case scriptP2TR:
		pIn.SighashType = txscript.SigHashDefault

		// Key-spend with the BIP86 tweak; no script tree.
		sig, err := txscript.RawTxInTaprootSignature(
			tx, sigHashes, idx, prevOut.Value, prevOut.PkScript,
			nil, txscript.SigHashDefault, priv,
		)
		if err != nil {
			return err
		}

		pIn.TaprootKeySpendSig = sig

	default:
		return fmt.Errorf("%w: cannot sign script kind %d",
			ErrInvalidDescriptor, kind)
	}

	return nil
}

// p2pkhScriptCode builds the p2pkh script used as the BIP143 script code
// for a p2wpkh input.
func p2pkhScriptCode(pub *btcec.PublicKey) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(btcutil.Hash160(pub.SerializeCompressed())).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// prevOutFetcher collects every input's previous output from the packet
// itself, preferring the witness utxo and falling back to the full
// previous transaction.
func prevOutFetcher(packet *psbt.Packet) (*txscript.MultiPrevOutFetcher,
	error) {

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, pIn := range packet.Inputs {
		op := packet.UnsignedTx.TxIn[i].PreviousOutPoint

		switch {
		case pIn.WitnessUtxo != nil:
			fetcher.AddPrevOut(op, pIn.WitnessUtxo)

		case pIn.NonWitnessUtxo != nil:
			if int(op.Index) >= len(pIn.NonWitnessUtxo.TxOut) {
				return nil, fmt.Errorf("%w: input %d prevout "+
					"index out of range",
					ErrSerialization, i)
			}
			fetcher.AddPrevOut(
				op, pIn.NonWitnessUtxo.TxOut[op.Index],
			)

		default:
			return nil, fmt.Errorf("%w: input %d carries no "+
				"utxo data", ErrSerialization, i)
		}
	}

	return fetcher, nil
}

// Sign hands the packet to the wallet's signer, then attempts to finalize
// every input. The returned bool reports whether the packet is fully
// signed; false means external signatures are still required, which is not
// an error.
func (w *Wallet) Sign(ctx context.Context, packet *psbt.Packet) (bool,
	error) {

	if w.signer == nil {
		return false, ErrNoSigner
	}

	err := w.signer.SignPsbt(ctx, packet)
	if err != nil {
		return false, err
	}

	complete := true
	for i := range packet.Inputs {
		ok, err := psbt.MaybeFinalize(packet, i)
		if err != nil || !ok {
			// Finalization failing means this input still waits
			// on another party, not that signing broke.
			log.Debugf("Input %d not finalized: %v", i, err)
			complete = false
		}
	}

	return complete && packet.IsComplete(), nil
}

// Combine merges signature data from other into base. Both packets must
// describe the same unsigned transaction. Existing signatures in base are
// kept; other's are added when absent.
func Combine(base, other *psbt.Packet) error {
	if base.UnsignedTx.TxHash() != other.UnsignedTx.TxHash() {
		return fmt.Errorf("%w: packets describe different "+
			"transactions", ErrSerialization)
	}

	for i := range base.Inputs {
		dst, src := &base.Inputs[i], &other.Inputs[i]

		for _, sig := range src.PartialSigs {
			if !hasPartialSig(dst.PartialSigs, sig.PubKey) {
				dst.PartialSigs = append(dst.PartialSigs, sig)
			}
		}

		if len(dst.TaprootKeySpendSig) == 0 {
			dst.TaprootKeySpendSig = src.TaprootKeySpendSig
		}
		if dst.WitnessUtxo == nil {
			dst.WitnessUtxo = src.WitnessUtxo
		}
		if dst.NonWitnessUtxo == nil {
			dst.NonWitnessUtxo = src.NonWitnessUtxo
		}
		if len(dst.FinalScriptSig) == 0 {
			dst.FinalScriptSig = src.FinalScriptSig
		}
		if len(dst.FinalScriptWitness) == 0 {
			dst.FinalScriptWitness = src.FinalScriptWitness
		}
	}

	return nil
}

func hasPartialSig(sigs []*psbt.PartialSig, pubKey []byte) bool {
	for _, sig := range sigs {
		if bytes.Equal(sig.PubKey, pubKey) {
			return true
		}
	}

	return false
}
