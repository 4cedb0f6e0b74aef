// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package colorscan

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Block contains the minimum amount of data to uniquely identify any block
// on either the best or side chain.
type Block struct {
	Hash   chainhash.Hash
	Height int32
}

// BlockMeta contains the unique identification for a block and any metadata
// pertaining to the block.  At the moment, this additional metadata only
// includes the block time from the block header.
type BlockMeta struct {
	Block
	Time time.Time
}

// NewBlockType indicates how a block carrying a received transaction
// relates to the chain the scanner is following.
type NewBlockType uint8

const (
	// BlockBestChain identifies a block extending the best chain.
	BlockBestChain NewBlockType = iota

	// BlockSideChain identifies a block on a side chain.  Transactions
	// from side chain blocks are indexed but not applied to any track
	// until a reorganize makes their chain the best one.
	BlockSideChain
)

// Pool identifies one of the wallet's transaction pools the scanner may
// consult when resolving a spent input back to the output it consumed.
type Pool uint8

const (
	// PoolUnspent holds transactions with unspent credits.
	PoolUnspent Pool = iota

	// PoolSpent holds transactions whose credits are fully spent.
	PoolSpent

	// PoolPending holds unmined transactions.
	PoolPending
)

// Wallet is the subset of wallet capabilities the scanner depends on: an
// output-ownership predicate and access to the known-transaction pools used
// to resolve an input's connected output.  Implementations must be safe for
// concurrent use; the scanner calls them while holding its own lock.
type Wallet interface {
	// IsOutputMine reports whether the wallet owns the keys paying the
	// given output.
	IsOutputMine(out *wire.TxOut) bool

	// TransactionPool returns the wallet's transactions in the given
	// pool, keyed by transaction hash.
	TransactionPool(pool Pool) map[chainhash.Hash]*btcutil.Tx
}
