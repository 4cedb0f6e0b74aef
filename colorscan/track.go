// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package colorscan

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/smartcolors/go-smartcolors/colordef"
)

// ColorTrack is the provenance tracker for a single color definition.  It
// maintains the set of outputs known to carry the color, the subset that is
// still unspent, and the ordered list of transactions it has applied.
//
// Spent outputs are retained in the outputs table as provenance records:
// they are what allows a later transaction's colored inputs to be valued,
// and what allows Undo to restore the unspent set exactly.
//
// A track has no locking of its own.  All mutation happens while the owning
// scanner holds its lock.
type ColorTrack struct {
	definition *colordef.ColorDefinition

	outputs        map[wire.OutPoint]int64
	unspentOutputs map[wire.OutPoint]int64

	// txs holds the applied transactions in application order, which for
	// confirmed transactions is (block height, intra-block index) order.
	// applied mirrors it for membership queries.
	txs     []SortedTransaction
	applied fn.Set[chainhash.Hash]

	creationTime time.Time
}

// NewColorTrack creates an empty track for the given definition.  The
// track's creation time bounds how far back an SPV chain sync must look.
func NewColorTrack(definition *colordef.ColorDefinition) *ColorTrack {
	return &ColorTrack{
		definition:     definition,
		outputs:        make(map[wire.OutPoint]int64),
		unspentOutputs: make(map[wire.OutPoint]int64),
		applied:        fn.NewSet[chainhash.Hash](),
		creationTime:   time.Now(),
	}
}

// Definition returns the definition this track proves provenance for.
func (t *ColorTrack) Definition() *colordef.ColorDefinition {
	return t.definition
}

// CreationTime returns the track's creation time.
func (t *ColorTrack) CreationTime() time.Time {
	return t.creationTime
}

// IsTransactionRelevant returns true iff any input of tx spends an output
// the track already knows to be colored, or tx can mint supply for the
// track's definition.  It is side-effect free.
func (t *ColorTrack) IsTransactionRelevant(tx *btcutil.Tx) bool {
	for _, in := range tx.MsgTx().TxIn {
		if _, ok := t.outputs[in.PreviousOutPoint]; ok {
			return true
		}
	}
	return t.definition.MatchesTx(tx.MsgTx(), tx.Hash())
}

// Contains returns true iff tx has been applied to the track.
func (t *ColorTrack) Contains(tx *btcutil.Tx) bool {
	return t.applied.Contains(*tx.Hash())
}

// Add replays the transaction onto the track.  Inputs spending colored
// outputs mark those outputs spent and carry their quantity forward as
// color input.  Outputs matching a genesis point mint new supply, and
// outputs designated colored by the input-sequence bitmask receive
// quantities carried forward from the colored inputs, in output order,
// never exceeding the colored input sum.  Quantities are decoded from
// output values with MSB-drop padding removal.
//
// Calling Add with an irrelevant or already-applied transaction is a
// contract violation and panics; the scanner guarantees the preconditions.
func (t *ColorTrack) Add(stx SortedTransaction) {
	tx := stx.Tx
	txHash := tx.Hash()
	if t.applied.Contains(*txHash) {
		panic(fmt.Sprintf("colorscan: transaction %v applied twice "+
			"to track %v", txHash, t.definition))
	}
	if !t.IsTransactionRelevant(tx) {
		panic(fmt.Sprintf("colorscan: irrelevant transaction %v "+
			"added to track %v", txHash, t.definition))
	}

	msgTx := tx.MsgTx()

	// Consume colored inputs.  The spent outputs stay in the outputs
	// table as provenance records.
	var coloredIn int64
	for _, in := range msgTx.TxIn {
		if value, ok := t.outputs[in.PreviousOutPoint]; ok {
			delete(t.unspentOutputs, in.PreviousOutPoint)
			coloredIn += value
		}
	}

	colored := make(map[int]struct{})
	for _, idx := range colordef.ColoredOutputIndexes(msgTx) {
		colored[idx] = struct{}{}
	}

	remaining := coloredIn
	for i, out := range msgTx.TxOut {
		quantity := colordef.RemoveMsbdropValuePadding(out.Value)
		if quantity <= 0 {
			continue
		}

		op := wire.OutPoint{Hash: *txHash, Index: uint32(i)}
		if t.isGenesisOutput(txHash, uint32(i), out.PkScript) {
			t.outputs[op] = quantity
			t.unspentOutputs[op] = quantity
			continue
		}

		// Color cannot be fabricated: an output only carries color
		// if the remaining colored input quantity covers it.
		if _, ok := colored[i]; !ok {
			continue
		}
		if quantity > remaining {
			continue
		}
		remaining -= quantity
		t.outputs[op] = quantity
		t.unspentOutputs[op] = quantity
	}

	t.txs = append(t.txs, stx)
	t.applied.Add(*txHash)

	log.Debugf("Track %v applied tx %v: %d colored in, %d outputs "+
		"tracked", t.definition, txHash, coloredIn, len(t.outputs))
}

// fnSetFromTxs builds the applied-transaction membership set for a list of
// transactions, used when reconstituting a track from persisted state.
func fnSetFromTxs(txs []SortedTransaction) fn.Set[chainhash.Hash] {
	set := fn.NewSet[chainhash.Hash]()
	for _, stx := range txs {
		set.Add(*stx.Tx.Hash())
	}
	return set
}

// isGenesisOutput reports whether the given output mints supply for the
// track's definition.
func (t *ColorTrack) isGenesisOutput(txHash *chainhash.Hash, index uint32,
	pkScript []byte) bool {

	for _, point := range t.definition.GenesisPoints() {
		if point.MatchesOutput(txHash, index, pkScript) {
			return true
		}
	}
	return false
}

// Undo reverses the given applied transaction along with every transaction
// applied after it, restoring the outputs and unspent sets to their state
// before the earliest reverted application.  Removing a maximal suffix of
// the applied order means no surviving transaction can depend on a reverted
// output.
//
// Undoing a transaction that was never applied is a contract violation and
// panics.
func (t *ColorTrack) Undo(tx *btcutil.Tx) {
	txHash := tx.Hash()
	if !t.applied.Contains(*txHash) {
		panic(fmt.Sprintf("colorscan: undo of unapplied transaction "+
			"%v on track %v", txHash, t.definition))
	}

	for {
		last := t.txs[len(t.txs)-1]
		t.txs = t.txs[:len(t.txs)-1]
		t.undoLast(last)
		if last.Tx.Hash().IsEqual(txHash) {
			return
		}
	}
}

// undoLast reverses the most recently applied transaction.  Its outputs
// are forgotten entirely and any colored outputs it spent become unspent
// again.  The spent outputs are still present in the outputs table because
// provenance records are only dropped when their producing transaction is
// itself undone, which necessarily happens later in the suffix.
func (t *ColorTrack) undoLast(stx SortedTransaction) {
	msgTx := stx.Tx.MsgTx()
	txHash := stx.Tx.Hash()

	for i := range msgTx.TxOut {
		op := wire.OutPoint{Hash: *txHash, Index: uint32(i)}
		delete(t.outputs, op)
		delete(t.unspentOutputs, op)
	}
	for _, in := range msgTx.TxIn {
		if value, ok := t.outputs[in.PreviousOutPoint]; ok {
			t.unspentOutputs[in.PreviousOutPoint] = value
		}
	}

	t.applied.Remove(*txHash)

	log.Debugf("Track %v undid tx %v", t.definition, txHash)
}

// Outputs returns a copy of the colored output table, including spent
// provenance records.
func (t *ColorTrack) Outputs() map[wire.OutPoint]int64 {
	outputs := make(map[wire.OutPoint]int64, len(t.outputs))
	for op, value := range t.outputs {
		outputs[op] = value
	}
	return outputs
}

// UnspentOutputs returns a copy of the unspent colored output table.
func (t *ColorTrack) UnspentOutputs() map[wire.OutPoint]int64 {
	unspent := make(map[wire.OutPoint]int64, len(t.unspentOutputs))
	for op, value := range t.unspentOutputs {
		unspent[op] = value
	}
	return unspent
}

// Transactions returns the applied transactions in application order.
func (t *ColorTrack) Transactions() []SortedTransaction {
	txs := make([]SortedTransaction, len(t.txs))
	copy(txs, t.txs)
	return txs
}

// UpdateBloomFilter inserts one identifying element per genesis point into
// the given peer filter: the protocol marker for outpoint genesis points,
// since every transaction moving color carries the marker output, and the
// genesis script itself for script genesis points.  Filters are constructed
// with automatic update flags, so the remote peer extends the filter with
// matched outpoints on its own as spends confirm.
func (t *ColorTrack) UpdateBloomFilter(filter *bloom.Filter) {
	for _, point := range t.definition.GenesisPoints() {
		switch point.Kind {
		case colordef.GenesisTxOut:
			filter.Add(colordef.MarkerBytes)
		case colordef.GenesisScript:
			filter.Add(point.Script)
		}
	}
}

// BloomFilterElementCount returns the number of elements the track will
// contribute to a peer filter, used to size the aggregate filter before
// construction.
func (t *ColorTrack) BloomFilterElementCount() uint32 {
	return uint32(len(t.definition.GenesisPoints()))
}

// String returns the track's definition description.
func (t *ColorTrack) String() string {
	return fmt.Sprintf("track(%v, %d outputs, %d unspent, %d txs)",
		t.definition, len(t.outputs), len(t.unspentOutputs),
		len(t.txs))
}
