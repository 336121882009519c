// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// flatNeed ignores the input set and returns a constant target, isolating
// selection behavior from fee estimation.
func flatNeed(target btcutil.Amount) func([]LocalUtxo) btcutil.Amount {
	return func([]LocalUtxo) btcutil.Amount {
		return target
	}
}

func selectorLedger(t *testing.T, values ...int64) *Ledger {
	t.Helper()

	ledger := newTestLedger(t)
	for i, value := range values {
		require.NoError(t, ledger.InsertUtxo(
			testUtxo(byte(i+1), value, KeychainExternal),
		))
	}

	return ledger
}

// TestSelectLargestFirst checks that automatic selection picks the largest
// candidates first and stops as soon as the target is covered.
func TestSelectLargestFirst(t *testing.T) {
	t.Parallel()

	ledger := selectorLedger(t, 10_000, 50_000, 20_000)

	selector := &coinSelector{ledger: ledger}
	sel, err := selector.selectCoins(flatNeed(60_000))
	require.NoError(t, err)

	require.Len(t, sel.inputs, 2)
	require.EqualValues(t, 70_000, sel.total)
	require.EqualValues(t, 50_000, sel.inputs[0].Output.Value)
	require.EqualValues(t, 20_000, sel.inputs[1].Output.Value)
}

// TestSelectMustSpendPrecedence checks that pinned outpoints are always
// spent, even when also listed as unspendable.
func TestSelectMustSpendPrecedence(t *testing.T) {
	t.Parallel()

	ledger := selectorLedger(t, 10_000, 50_000)
	pinned := testOutPoint(1, 0)

	selector := &coinSelector{
		ledger:    ledger,
		mustSpend: []wire.OutPoint{pinned},
		unspendable: map[wire.OutPoint]struct{}{
			pinned: {},
		},
	}

	sel, err := selector.selectCoins(flatNeed(5_000))
	require.NoError(t, err)
	require.Len(t, sel.inputs, 1)
	require.Equal(t, pinned, sel.inputs[0].OutPoint)
}

// TestSelectManualOnlyShortfall checks that manual-only selection never
// silently adds inputs.
func TestSelectManualOnlyShortfall(t *testing.T) {
	t.Parallel()

	ledger := selectorLedger(t, 10_000, 50_000)

	selector := &coinSelector{
		ledger:     ledger,
		mustSpend:  []wire.OutPoint{testOutPoint(1, 0)},
		manualOnly: true,
	}

	_, err := selector.selectCoins(flatNeed(30_000))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	var ife *InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	require.EqualValues(t, 30_000, ife.Needed)
	require.EqualValues(t, 10_000, ife.Available)
}

// TestSelectUnknownMustSpend checks that pinning an outpoint the ledger
// does not track fails up front.
func TestSelectUnknownMustSpend(t *testing.T) {
	t.Parallel()

	ledger := selectorLedger(t, 10_000)

	selector := &coinSelector{
		ledger:    ledger,
		mustSpend: []wire.OutPoint{testOutPoint(0x77, 1)},
	}

	_, err := selector.selectCoins(flatNeed(1_000))
	require.ErrorIs(t, err, ErrUnknownUtxo)

	var uue *UnknownUtxoError
	require.ErrorAs(t, err, &uue)
	require.Equal(t, testOutPoint(0x77, 1), uue.OutPoint)
}

// TestSelectUnspendableExcluded checks that excluded outpoints never enter
// automatic selection, and exhaustion surfaces the shortfall.
func TestSelectUnspendableExcluded(t *testing.T) {
	t.Parallel()

	ledger := selectorLedger(t, 10_000, 50_000)

	selector := &coinSelector{
		ledger: ledger,
		unspendable: map[wire.OutPoint]struct{}{
			testOutPoint(2, 0): {},
		},
	}

	_, err := selector.selectCoins(flatNeed(30_000))
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

// TestSelectDrainAll checks that drain mode takes every eligible
// candidate regardless of target.
func TestSelectDrainAll(t *testing.T) {
	t.Parallel()

	ledger := selectorLedger(t, 10_000, 50_000, 20_000)

	selector := &coinSelector{ledger: ledger, drainAll: true}
	sel, err := selector.selectCoins(flatNeed(0))
	require.NoError(t, err)
	require.Len(t, sel.inputs, 3)
	require.EqualValues(t, 80_000, sel.total)
}

// TestSelectSkipsSpent checks that spent outputs are never candidates.
func TestSelectSkipsSpent(t *testing.T) {
	t.Parallel()

	ledger := selectorLedger(t, 10_000, 50_000)

	_, err := ledger.MarkSpent(testOutPoint(2, 0))
	require.NoError(t, err)

	selector := &coinSelector{ledger: ledger}
	_, err = selector.selectCoins(flatNeed(30_000))
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

// TestFeeRateCeiling checks that rate-based fees round up.
func TestFeeRateCeiling(t *testing.T) {
	t.Parallel()

	require.EqualValues(t, 141, FeeRate(1).FeeFor(141))
	require.EqualValues(t, 212, FeeRate(1.5).FeeFor(141))
	require.EqualValues(t, 71, FeeRate(0.5).FeeFor(141))
}
