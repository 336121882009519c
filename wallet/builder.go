// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

const (
	// MaxRbfSequence is the highest input sequence that still signals
	// replaceability per BIP125. Enabling RBF without an explicit value
	// uses this sequence.
	MaxRbfSequence uint32 = 0xfffffffd

	// txVersion is the transaction version used for all built
	// transactions. Version 2 is required for BIP68 relative locktime
	// semantics and is what current wallets emit.
	txVersion = 2
)

// changePolicy restricts which keychains contribute candidates to
// automatic selection.
type changePolicy uint8

const (
	// changeAllowed places no keychain restriction on candidates.
	changeAllowed changePolicy = iota

	// changeOnly restricts candidates to the internal (change)
	// keychain.
	changeOnly

	// changeForbidden excludes internal (change) outputs from
	// candidates.
	changeForbidden
)

// BuildResult is the outcome of a successful build: the unsigned
// transaction wrapped as a BIP174 packet, ready for signing, plus the fee
// it pays.
type BuildResult struct {
	// Packet is the partially signed transaction. Each input carries
	// its previous output's value and script so signers and fee
	// verifiers need no chain access.
	Packet *psbt.Packet

	// Fee is the exact fee the transaction pays:
	// sum(inputs) - sum(outputs).
	Fee btcutil.Amount
}

// TxID returns the hash of the unsigned transaction.
func (r *BuildResult) TxID() chainhash.Hash {
	return r.Packet.UnsignedTx.TxHash()
}

// TxBuilder accumulates the policy for one transaction build. Every option
// merges into the builder's state; Finish consumes the builder exactly
// once. A builder must not be shared across goroutines, but distinct
// builds on the same wallet may run concurrently: selection reads a ledger
// snapshot and never reserves coins, so overlapping selections are
// resolved at broadcast time.
type TxBuilder struct {
	wallet *Wallet

	recipients []*wire.TxOut
	data       []byte
	dataScript []byte

	mustSpend   []wire.OutPoint
	unspendable map[wire.OutPoint]struct{}
	manualOnly  bool

	feeRate *FeeRate
	feeAbs  *btcutil.Amount

	drainWallet bool
	drainScript []byte

	changePolicy changePolicy

	rbf      bool
	sequence uint32

	finished bool

	// err records the first option failure; Finish surfaces it before
	// doing any selection work.
	err error
}

// CreateTx starts a new transaction build against the wallet's current
// ledger state.
func (w *Wallet) CreateTx() *TxBuilder {
	return &TxBuilder{
		wallet:      w,
		unspendable: make(map[wire.OutPoint]struct{}),
		sequence:    wire.MaxTxInSequenceNum,
	}
}

// fail records the first option error.
func (b *TxBuilder) fail(err error) *TxBuilder {
	if b.err == nil {
		b.err = err
	}

	return b
}

// AddRecipient adds an output paying amount to addr.
func (b *TxBuilder) AddRecipient(addr btcutil.Address,
	amount btcutil.Amount) *TxBuilder {

	if !addr.IsForNet(b.wallet.chainParams) {
		return b.fail(fmt.Errorf("%w: %s", ErrWrongNetwork,
			addr.String()))
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return b.fail(err)
	}

	b.recipients = append(b.recipients, &wire.TxOut{
		Value:    int64(amount),
		PkScript: script,
	})

	return b
}

// AddData adds a zero-value OP_RETURN output carrying the given payload.
func (b *TxBuilder) AddData(data []byte) *TxBuilder {
	if len(b.data) != 0 {
		return b.fail(fmt.Errorf("op_return output already added"))
	}
	if len(data) == 0 {
		return b.fail(fmt.Errorf("op_return payload cannot be empty"))
	}

	b.data = append([]byte(nil), data...)

	return b
}

// AddUtxo pins an outpoint into the input set. Pinned outpoints are spent
// unconditionally, even if also listed as unspendable.
func (b *TxBuilder) AddUtxo(op wire.OutPoint) *TxBuilder {
	b.mustSpend = append(b.mustSpend, op)
	return b
}

// AddUtxos pins several outpoints into the input set.
func (b *TxBuilder) AddUtxos(ops []wire.OutPoint) *TxBuilder {
	b.mustSpend = append(b.mustSpend, ops...)
	return b
}

// AddUnspendable excludes an outpoint from automatic selection. An
// outpoint that is also pinned via AddUtxo is still spent: must-spend
// takes precedence over unspendable.
func (b *TxBuilder) AddUnspendable(op wire.OutPoint) *TxBuilder {
	b.unspendable[op] = struct{}{}
	return b
}

// Unspendable excludes several outpoints from automatic selection.
func (b *TxBuilder) Unspendable(ops []wire.OutPoint) *TxBuilder {
	for _, op := range ops {
		b.unspendable[op] = struct{}{}
	}

	return b
}

// ManuallySelectedOnly forbids automatic selection: only outpoints pinned
// via AddUtxo fund the transaction, and a shortfall fails the build rather
// than silently adding inputs.
func (b *TxBuilder) ManuallySelectedOnly() *TxBuilder {
	b.manualOnly = true
	return b
}

// FeeRate sets a rate-based fee policy in sat/vB. Mutually exclusive with
// FeeAbsolute.
func (b *TxBuilder) FeeRate(rate FeeRate) *TxBuilder {
	b.feeRate = &rate
	return b
}

// FeeAbsolute sets a fixed fee. Mutually exclusive with FeeRate.
func (b *TxBuilder) FeeAbsolute(fee btcutil.Amount) *TxBuilder {
	b.feeAbs = &fee
	return b
}

// DrainWallet spends every eligible output the wallet owns.
func (b *TxBuilder) DrainWallet() *TxBuilder {
	b.drainWallet = true
	return b
}

// DrainTo sends the remainder after recipients and fee to addr instead of
// a generated change address.
func (b *TxBuilder) DrainTo(addr btcutil.Address) *TxBuilder {
	if !addr.IsForNet(b.wallet.chainParams) {
		return b.fail(fmt.Errorf("%w: %s", ErrWrongNetwork,
			addr.String()))
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return b.fail(err)
	}

	b.drainScript = script

	return b
}

// OnlySpendChange restricts automatic selection to outputs on the internal
// (change) keychain.
func (b *TxBuilder) OnlySpendChange() *TxBuilder {
	b.changePolicy = changeOnly
	return b
}

// DoNotSpendChange excludes outputs on the internal (change) keychain from
// automatic selection.
func (b *TxBuilder) DoNotSpendChange() *TxBuilder {
	b.changePolicy = changeForbidden
	return b
}

// EnableRBF marks every input as replaceable using the default BIP125
// sequence.
func (b *TxBuilder) EnableRBF() *TxBuilder {
	b.rbf = true
	b.sequence = MaxRbfSequence

	return b
}

// EnableRBFWithSequence marks every input as replaceable using an explicit
// sequence. Sequences above MaxRbfSequence would not signal replaceability
// and are rejected.
func (b *TxBuilder) EnableRBFWithSequence(sequence uint32) *TxBuilder {
	if sequence > MaxRbfSequence {
		return b.fail(&InvalidRbfSequenceError{Sequence: sequence})
	}

	b.rbf = true
	b.sequence = sequence

	return b
}

// validate checks the merged build policy before any selection work, so a
// policy violation is never partially applied.
func (b *TxBuilder) validate() error {
	if b.err != nil {
		return b.err
	}

	if b.feeRate != nil && b.feeAbs != nil {
		return ErrConflictingFeePolicy
	}

	if len(b.recipients) == 0 && len(b.data) == 0 &&
		b.drainScript == nil {

		return ErrNoRecipients
	}

	// Recipient outputs must clear the dust threshold up front.
	for _, out := range b.recipients {
		err := txrules.CheckOutput(out, txrules.DefaultRelayFeePerKb)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDustOutput, err)
		}
	}

	// The OP_RETURN script is built here so an oversized payload fails
	// before any selection work; txscript owns the size limit.
	if len(b.data) != 0 {
		script, err := txscript.NullDataScript(b.data)
		if err != nil {
			return fmt.Errorf("op_return: %w", err)
		}
		b.dataScript = script
	}

	return nil
}

// Finish consumes the builder and produces the unsigned transaction as a
// PSBT. It may be called exactly once. The wallet's ledger is not touched:
// selected outputs are only observed spent once the broadcast transaction
// is seen by a later sync.
func (b *TxBuilder) Finish() (*BuildResult, error) {
	if b.finished {
		return nil, ErrBuilderConsumed
	}
	b.finished = true

	err := b.validate()
	if err != nil {
		return nil, err
	}

	// Encode the change policy as an unspendable-set expansion before
	// selection runs.
	b.applyChangePolicy()

	outputs := b.buildOutputs()

	var target btcutil.Amount
	for _, out := range outputs {
		target += btcutil.Amount(out.Value)
	}

	// The remainder destination: the drain target if nominated,
	// otherwise a change script on the internal keychain. Only its size
	// matters until we know a remainder output is actually created.
	remainderScript, remainderScriptSize, err := b.remainderScript()
	if err != nil {
		return nil, err
	}

	selector := &coinSelector{
		ledger:      b.wallet.ledger,
		mustSpend:   b.mustSpend,
		unspendable: b.unspendable,
		manualOnly:  b.manualOnly,
		drainAll:    b.drainWallet,
	}

	sel, err := selector.selectCoins(func(ins []LocalUtxo) btcutil.Amount {
		return target + b.feeFor(ins, outputs, remainderScriptSize)
	})
	if err != nil {
		return nil, err
	}

	tx, fee, err := b.assemble(
		sel, outputs, target, remainderScript, selector,
	)
	if err != nil {
		return nil, err
	}

	packet, err := b.wallet.decoratePacket(tx, sel.inputs)
	if err != nil {
		return nil, err
	}

	log.Debugf("Built tx %v: %d inputs, %d outputs, fee %v",
		tx.TxHash(), len(tx.TxIn), len(tx.TxOut), fee)

	return &BuildResult{Packet: packet, Fee: fee}, nil
}

// applyChangePolicy expands the change policy into unspendable entries.
func (b *TxBuilder) applyChangePolicy() {
	if b.changePolicy == changeAllowed {
		return
	}

	for _, utxo := range b.wallet.ledger.Unspent() {
		exclude := (b.changePolicy == changeOnly &&
			utxo.Keychain == KeychainExternal) ||
			(b.changePolicy == changeForbidden &&
				utxo.Keychain == KeychainInternal)

		if exclude {
			b.unspendable[utxo.OutPoint] = struct{}{}
		}
	}
}

// buildOutputs returns the fixed output list: recipients in the order they
// were added, then the OP_RETURN output if any. The remainder output, when
// one is created, is appended after these; order is fixed at creation and
// never changed afterwards since signature commitments depend on it.
func (b *TxBuilder) buildOutputs() []*wire.TxOut {
	outputs := make([]*wire.TxOut, 0, len(b.recipients)+1)
	outputs = append(outputs, b.recipients...)

	if b.dataScript != nil {
		outputs = append(outputs, &wire.TxOut{
			Value:    0,
			PkScript: b.dataScript,
		})
	}

	return outputs
}

// remainderScript resolves where a remainder output would go and how large
// its script is. The change address is derived lazily via LastUnused so an
// aborted build does not burn derivation indices.
func (b *TxBuilder) remainderScript() ([]byte, int, error) {
	if b.drainScript != nil {
		return b.drainScript, len(b.drainScript), nil
	}

	// The expected script size follows the internal descriptor's
	// template; the actual script is derived only if used.
	var size int
	switch b.wallet.resolver.descriptor(KeychainInternal).kind {
	case scriptP2WPKH:
		size = txsizes.P2WPKHPkScriptSize

	case scriptP2PKH:
		size = txsizes.P2PKHPkScriptSize

	case scriptP2TR:
		size = txsizes.P2TRPkScriptSize

	default:
		fixed := b.wallet.resolver.descriptor(KeychainInternal)
		size = len(fixed.fixedScript)
	}

	index, err := b.wallet.resolver.nextIndex(
		KeychainInternal, AddressLastUnused, b.wallet.scriptUsed,
	)
	if err != nil {
		return nil, 0, err
	}

	_, script, err := b.wallet.resolver.deriveAddress(
		KeychainInternal, index,
	)
	if err != nil {
		return nil, 0, err
	}

	return script, size, nil
}

// feeFor evaluates the fee policy for a given input set, assuming a
// remainder output of the given script size is present.
func (b *TxBuilder) feeFor(inputs []LocalUtxo, outputs []*wire.TxOut,
	remainderScriptSize int) btcutil.Amount {

	if b.feeAbs != nil {
		return *b.feeAbs
	}

	rate := FeeRate(1)
	if b.feeRate != nil {
		rate = *b.feeRate
	}

	return rate.FeeFor(
		estimateVsize(inputs, outputs, remainderScriptSize),
	)
}

// assemble turns a selection into the final unsigned transaction,
// resolving the remainder into a change/drain output, a dust fold, or a
// reselection.
func (b *TxBuilder) assemble(sel *coinSelection, outputs []*wire.TxOut,
	target btcutil.Amount, remainderScript []byte,
	selector *coinSelector) (*wire.MsgTx, btcutil.Amount, error) {

	feeWithRemainder := b.feeFor(
		sel.inputs, outputs, len(remainderScript),
	)
	remainder := sel.total - target - feeWithRemainder

	// Drain selection takes everything eligible without checking the
	// target, so cover the shortfall here: the drained total must at
	// least pay the recipients plus the fee of a remainder-less
	// transaction.
	if remainder < 0 {
		feeFloor := b.feeFor(sel.inputs, outputs, 0)
		if sel.total < target+feeFloor {
			return nil, 0, &InsufficientFundsError{
				Needed:    target + feeFloor,
				Available: sel.total,
			}
		}
	}

	finalOutputs := outputs
	fee := feeWithRemainder

	switch {
	// The remainder clears the dust threshold: emit it as the
	// change/drain output.
	case remainder >= dustThreshold(len(remainderScript)):
		finalOutputs = append(finalOutputs, &wire.TxOut{
			Value:    int64(remainder),
			PkScript: remainderScript,
		})

	// A dust remainder on an explicit drain with nothing else to carry
	// value would produce an outputless transaction; surface it.
	case len(finalOutputs) == 0:
		return nil, 0, fmt.Errorf("%w: drain remainder %v is dust",
			ErrDustOutput, remainder)

	// A dust remainder with other outputs present: try once to grow the
	// selection so the remainder clears dust, otherwise fold it into
	// the fee. Drain mode has already selected everything, so it always
	// folds.
	default:
		if !b.drainWallet && !b.manualOnly {
			grown, err := selector.selectCoins(
				func(ins []LocalUtxo) btcutil.Amount {
					return target + b.feeFor(
						ins, outputs,
						len(remainderScript),
					) + dustThreshold(
						len(remainderScript),
					)
				},
			)
			if err == nil {
				return b.assembleGrown(
					grown, outputs, target,
					remainderScript,
				)
			}
		}

		// Fold: the transaction pays the remainder as extra fee.
		fee = sel.total - target
	}

	tx := b.buildMsgTx(sel, finalOutputs)

	return tx, fee, nil
}

// assembleGrown emits the transaction for a reselection that was grown to
// push the remainder above the dust threshold.
func (b *TxBuilder) assembleGrown(sel *coinSelection,
	outputs []*wire.TxOut, target btcutil.Amount,
	remainderScript []byte) (*wire.MsgTx, btcutil.Amount, error) {

	fee := b.feeFor(sel.inputs, outputs, len(remainderScript))
	remainder := sel.total - target - fee

	finalOutputs := append(outputs, &wire.TxOut{
		Value:    int64(remainder),
		PkScript: remainderScript,
	})

	return b.buildMsgTx(sel, finalOutputs), fee, nil
}

// buildMsgTx lays out the unsigned transaction: inputs in selection order
// with the build's sequence, outputs in their fixed order.
func (b *TxBuilder) buildMsgTx(sel *coinSelection,
	outputs []*wire.TxOut) *wire.MsgTx {

	tx := wire.NewMsgTx(txVersion)
	for i := range sel.inputs {
		txIn := wire.NewTxIn(&sel.inputs[i].OutPoint, nil, nil)
		txIn.Sequence = b.sequence
		tx.AddTxIn(txIn)
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	return tx
}

// dustThreshold returns the smallest amount that is not dust for an output
// script of the given size under the default relay fee. This is the dust
// primitive for the whole package: every remainder, change and shrink
// decision compares against it.
func dustThreshold(scriptSize int) btcutil.Amount {
	totalSize := 8 + wire.VarIntSerializeSize(uint64(scriptSize)) +
		scriptSize + 148

	relay := int64(txrules.DefaultRelayFeePerKb)

	return btcutil.Amount((relay*3*int64(totalSize) + 999) / 1000)
}

// decoratePacket wraps an unsigned transaction as a BIP174 packet,
// populating each input with its previous output data so the packet is
// self-contained for signing and fee verification.
func (w *Wallet) decoratePacket(tx *wire.MsgTx,
	inputs []LocalUtxo) (*psbt.Packet, error) {

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	for i := range inputs {
		prevOut := inputs[i].Output

		// The witness utxo carries the value and script every signer
		// needs.
		packet.Inputs[i].WitnessUtxo = &wire.TxOut{
			Value:    prevOut.Value,
			PkScript: prevOut.PkScript,
		}

		// Legacy inputs additionally need the full previous
		// transaction; attach it when the ledger has it.
		class := txscript.GetScriptClass(prevOut.PkScript)
		if class == txscript.PubKeyHashTy {
			rec, ok := w.ledger.Tx(inputs[i].OutPoint.Hash)
			if ok {
				prevTx := rec.MsgTx
				packet.Inputs[i].NonWitnessUtxo = &prevTx
			}
		}
	}

	return packet, nil
}
