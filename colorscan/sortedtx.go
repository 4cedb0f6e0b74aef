// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package colorscan

import (
	"github.com/btcsuite/btcd/btcutil"
)

// SortedTransaction pairs a transaction with its index within a block,
// establishing a deterministic intra-block replay order.  Outputs of an
// earlier-indexed transaction may be spent by a later-indexed one in the
// same block, so replay must preserve this order.
type SortedTransaction struct {
	Tx    *btcutil.Tx
	Index uint32
}

// insertSorted inserts stx into txs keeping the slice ordered by Index.
// Inserting a transaction that is already present (same hash and index) is
// a no-op, which makes redelivery of filtered block notifications safe.
func insertSorted(txs []SortedTransaction, stx SortedTransaction) []SortedTransaction {
	i := 0
	for ; i < len(txs); i++ {
		if txs[i].Index == stx.Index &&
			txs[i].Tx.Hash().IsEqual(stx.Tx.Hash()) {

			return txs
		}
		if txs[i].Index > stx.Index {
			break
		}
	}

	txs = append(txs, SortedTransaction{})
	copy(txs[i+1:], txs[i:])
	txs[i] = stx
	return txs
}
