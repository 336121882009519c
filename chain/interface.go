// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain defines the boundary between the wallet engine and a remote
// chain-data service. The engine only ever speaks to the Source interface;
// concrete Electrum or Esplora wire clients plug in behind it.
package chain

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// HistoryItem describes a single transaction touching a watched address, as
// reported by the chain-data service.
type HistoryItem struct {
	// TxID is the hash of the transaction.
	TxID chainhash.Hash

	// Height is the height of the block that confirmed the transaction.
	// Zero or a negative value means the transaction is unconfirmed.
	Height int32

	// Time is the timestamp of the confirming block. It is the zero value
	// while the transaction is unconfirmed.
	Time time.Time
}

// Confirmed reports whether the history item refers to a mined transaction.
func (h *HistoryItem) Confirmed() bool {
	return h.Height > 0
}

// Source is the chain-data collaborator the sync engine scans against and
// the broadcast path delegates to. Implementations are expected to be safe
// for concurrent use: the syncer issues address queries with bounded
// parallelism.
//
// All methods honor context cancellation. The engine wraps every call with
// its configured retry/timeout policy, so implementations should perform a
// single attempt per call.
type Source interface {
	// AddressHistory returns every transaction that pays to or spends
	// from the given address, in chain order. An address with no history
	// returns an empty slice and no error.
	AddressHistory(ctx context.Context,
		addr btcutil.Address) ([]HistoryItem, error)

	// Transaction fetches the full transaction for the given hash.
	Transaction(ctx context.Context,
		txid *chainhash.Hash) (*wire.MsgTx, error)

	// Broadcast submits a signed transaction to the network and returns
	// its hash.
	Broadcast(ctx context.Context,
		tx *wire.MsgTx) (*chainhash.Hash, error)
}
