// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrInsufficientFunds is returned when the eligible coins cannot
	// cover the requested outputs plus fee. The typed
	// InsufficientFundsError carries the exact shortfall.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidDescriptor is returned when a descriptor string cannot
	// be parsed or describes an unsupported script template.
	ErrInvalidDescriptor = errors.New("invalid descriptor")

	// ErrUnknownUtxo is returned when a manually selected outpoint does
	// not resolve to an output tracked by the wallet.
	ErrUnknownUtxo = errors.New("unknown utxo")

	// ErrConflictingFeePolicy is returned when both a fee rate and an
	// absolute fee are set on the same build.
	ErrConflictingFeePolicy = errors.New(
		"fee rate and absolute fee cannot both be set")

	// ErrInvalidRbfSequence is returned when an explicit RBF sequence
	// does not signal replaceability per BIP125.
	ErrInvalidRbfSequence = errors.New("sequence does not signal RBF")

	// ErrDustOutput is returned when a requested output, or the sole
	// remaining drain output, falls below the dust threshold.
	ErrDustOutput = errors.New("output below dust threshold")

	// ErrSerialization is returned when a PSBT cannot be encoded or
	// decoded.
	ErrSerialization = errors.New("psbt serialization failed")

	// ErrNoRecipients is returned when a build is finished without any
	// recipient, OP_RETURN, or drain destination.
	ErrNoRecipients = errors.New("transaction has no outputs")

	// ErrBuilderConsumed is returned when Finish is called on a builder
	// that has already produced a transaction.
	ErrBuilderConsumed = errors.New("tx builder already consumed")

	// ErrWrongNetwork is returned when a recipient or drain address is
	// encoded for a different network than the wallet's.
	ErrWrongNetwork = errors.New("address is for the wrong network")

	// ErrTxNotFound is returned when a fee bump references a transaction
	// the wallet does not track.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrTxConfirmed is returned when a fee bump references a
	// transaction that has already confirmed.
	ErrTxConfirmed = errors.New("transaction already confirmed")

	// ErrNotRBF is returned when a fee bump references a transaction
	// that did not signal replaceability.
	ErrNotRBF = errors.New("transaction does not signal RBF")

	// ErrShrinkOutputNotFound is returned when the script nominated for
	// shrinking during a fee bump is not among the original outputs.
	ErrShrinkOutputNotFound = errors.New(
		"nominated output not found in original transaction")

	// ErrFeeTooLow is returned when a fee bump would not strictly raise
	// the fee of the replaced transaction.
	ErrFeeTooLow = errors.New("replacement fee not higher than original")

	// ErrSyncInProgress is returned when a sync is requested while
	// another sync on the same wallet is still running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrNoSigner is returned when signing is requested on a wallet
	// whose descriptors are watch-only and no signer was configured.
	ErrNoSigner = errors.New("wallet has no signer")
)

// InsufficientFundsError reports the exact shortfall of a failed coin
// selection. It unwraps to ErrInsufficientFunds.
type InsufficientFundsError struct {
	// Needed is the total value the selection had to cover, including
	// the fee estimate for the selected inputs.
	Needed btcutil.Amount

	// Available is the total value of the coins that were eligible.
	Available btcutil.Amount
}

// Error returns a human readable description of the shortfall.
func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: needed %v, available %v "+
		"(short %v)", e.Needed, e.Available, e.Needed-e.Available)
}

// Unwrap allows errors.Is checks against ErrInsufficientFunds.
func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// UnknownUtxoError reports a manually selected outpoint that the wallet does
// not track. It unwraps to ErrUnknownUtxo.
type UnknownUtxoError struct {
	// OutPoint is the unresolvable outpoint.
	OutPoint wire.OutPoint
}

// Error returns a human readable description of the miss.
func (e *UnknownUtxoError) Error() string {
	return fmt.Sprintf("unknown utxo %v", e.OutPoint)
}

// Unwrap allows errors.Is checks against ErrUnknownUtxo.
func (e *UnknownUtxoError) Unwrap() error {
	return ErrUnknownUtxo
}

// InvalidRbfSequenceError reports an explicit sequence value that would not
// signal replaceability. It unwraps to ErrInvalidRbfSequence.
type InvalidRbfSequenceError struct {
	// Sequence is the offending sequence value.
	Sequence uint32
}

// Error returns a human readable description of the violation.
func (e *InvalidRbfSequenceError) Error() string {
	return fmt.Sprintf("sequence %#x does not signal RBF (max %#x)",
		e.Sequence, MaxRbfSequence)
}

// Unwrap allows errors.Is checks against ErrInvalidRbfSequence.
func (e *InvalidRbfSequenceError) Unwrap() error {
	return ErrInvalidRbfSequence
}
