// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"math"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

// FeeRate is a fee rate in satoshis per virtual byte.
type FeeRate float64

// FeeFor returns the fee for a transaction of the given virtual size,
// rounding up so the effective rate never undershoots the requested one.
func (r FeeRate) FeeFor(vsize int) btcutil.Amount {
	return btcutil.Amount(math.Ceil(float64(r) * float64(vsize)))
}

// estimateVsize estimates the virtual size of a transaction spending the
// given inputs to the given outputs, optionally with one extra change
// output of changeScriptSize bytes. Input witness weights are derived from
// each previous output's script class; unknown classes are costed as legacy
// P2PKH, the largest of the supported templates, so the estimate errs high.
func estimateVsize(inputs []LocalUtxo, outputs []*wire.TxOut,
	changeScriptSize int) int {

	var p2pkh, p2tr, p2wpkh, nested int
	for i := range inputs {
		class := txscript.GetScriptClass(inputs[i].Output.PkScript)
		switch class {
		case txscript.WitnessV0PubKeyHashTy:
			p2wpkh++

		case txscript.WitnessV1TaprootTy:
			p2tr++

		case txscript.ScriptHashTy:
			nested++

		default:
			p2pkh++
		}
	}

	return txsizes.EstimateVirtualSize(
		p2pkh, p2tr, p2wpkh, nested, outputs, changeScriptSize,
	)
}

// coinSelection is the outcome of a selection pass: the chosen inputs in
// their final order and their total value.
type coinSelection struct {
	inputs []LocalUtxo
	total  btcutil.Amount
}

// coinSelector picks inputs for one transaction build. Must-spend
// outpoints are always included; the unspendable set removes candidates
// unless the same outpoint is also must-spend, which takes precedence.
type coinSelector struct {
	// ledger supplies the candidate set and resolves must-spend
	// outpoints.
	ledger *Ledger

	// mustSpend are outpoints included unconditionally.
	mustSpend []wire.OutPoint

	// unspendable are outpoints never auto-selected.
	unspendable map[wire.OutPoint]struct{}

	// manualOnly forbids adding candidates beyond the must-spend set.
	manualOnly bool

	// drainAll selects every eligible candidate regardless of target.
	drainAll bool
}

// selectCoins runs the selection. The need callback returns the value the
// growing input set has to cover (target plus the fee estimate for that
// set); it is re-evaluated as inputs are added since the fee depends on the
// input count and witness types.
func (cs *coinSelector) selectCoins(
	need func(inputs []LocalUtxo) btcutil.Amount) (*coinSelection, error) {

	sel := &coinSelection{}

	// Must-spend outpoints are resolved first and included
	// unconditionally, deduplicated and in deterministic order.
	seen := make(map[wire.OutPoint]struct{}, len(cs.mustSpend))
	for _, op := range cs.mustSpend {
		if _, ok := seen[op]; ok {
			continue
		}
		seen[op] = struct{}{}

		utxo, ok := cs.ledger.Utxo(op)
		if !ok || utxo.Spent {
			return nil, &UnknownUtxoError{OutPoint: op}
		}

		sel.inputs = append(sel.inputs, utxo)
		sel.total += btcutil.Amount(utxo.Output.Value)
	}

	sort.Slice(sel.inputs, func(i, j int) bool {
		return outPointLess(
			sel.inputs[i].OutPoint, sel.inputs[j].OutPoint,
		)
	})

	// Gather the remaining candidates: every unspent output that is
	// neither already selected nor excluded.
	var candidates []LocalUtxo
	for _, utxo := range cs.ledger.Unspent() {
		if _, ok := seen[utxo.OutPoint]; ok {
			continue
		}
		if _, ok := cs.unspendable[utxo.OutPoint]; ok {
			continue
		}

		candidates = append(candidates, utxo)
	}

	if cs.drainAll {
		// Drain mode spends everything eligible; the caller turns
		// the surplus into the drain output.
		sel.inputs = append(sel.inputs, candidates...)
		for i := range candidates {
			sel.total += btcutil.Amount(
				candidates[i].Output.Value,
			)
		}

		return sel, nil
	}

	// Largest first, with outpoint order as the tie-break so repeated
	// builds over the same snapshot are deterministic.
	sort.Slice(candidates, func(i, j int) bool {
		vi := candidates[i].Output.Value
		vj := candidates[j].Output.Value
		if vi != vj {
			return vi > vj
		}

		return outPointLess(
			candidates[i].OutPoint, candidates[j].OutPoint,
		)
	})

	for sel.total < need(sel.inputs) {
		if cs.manualOnly || len(candidates) == 0 {
			// Manual-only selections never silently add inputs;
			// both cases surface the exact shortfall instead.
			return nil, &InsufficientFundsError{
				Needed:    need(sel.inputs),
				Available: sel.total,
			}
		}

		next := candidates[0]
		candidates = candidates[1:]

		sel.inputs = append(sel.inputs, next)
		sel.total += btcutil.Amount(next.Output.Value)
	}

	return sel, nil
}
