// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package colorscan

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"

	"github.com/smartcolors/go-smartcolors/colordef"
)

// assetWaiter records a caller waiting for a transaction's unknown asset
// identities to become determinable.
type assetWaiter struct {
	tx     *btcutil.Tx
	wallet Wallet
	future *TxFuture
}

// ColorScanner orchestrates a collection of color tracks against the
// ledger.  It receives transaction, block and reorganize events from the
// chain client, applies or reverses tracks accordingly, computes net
// per-asset wallet balance deltas, and aggregates peer bloom filters.
//
// All state is protected by a single coarse lock held for the duration of
// every public operation.  Mutations are infrequent relative to reads and
// must be atomic with respect to reorganization, so correctness wins over
// throughput here.  No operation blocks on I/O while holding the lock.
type ColorScanner struct {
	mtx sync.Mutex

	// tracks holds all registered tracks in registration order, with a
	// definition-hash index alongside.
	tracks      []*ColorTrack
	trackByHash map[chainhash.Hash]*ColorTrack

	// mapBlockTx indexes every observed transaction by the hash of the
	// block carrying it, ordered by intra-block index per block.
	mapBlockTx map[chainhash.Hash][]SortedTransaction

	// pending holds transactions seen in the mempool, keyed by hash, so
	// that filtered merkle block notifications can be matched back to
	// full transactions.
	pending map[chainhash.Hash]*btcutil.Tx

	// waiters holds the outstanding unknown-asset resolution futures,
	// keyed by transaction hash.
	waiters map[chainhash.Hash]*assetWaiter

	// filterStale is set whenever track state changes in a way that can
	// alter bloom filter contents, and cleared when a fresh filter is
	// built.
	filterStale bool
}

// NewColorScanner creates an empty scanner with no tracks.
func NewColorScanner() *ColorScanner {
	return &ColorScanner{
		trackByHash: make(map[chainhash.Hash]*ColorTrack),
		mapBlockTx:  make(map[chainhash.Hash][]SortedTransaction),
		pending:     make(map[chainhash.Hash]*btcutil.Tx),
		waiters:     make(map[chainhash.Hash]*assetWaiter),
	}
}

// AddDefinition registers a color definition with the scanner and returns
// the new track created for it.  Registration is rejected with
// ErrDuplicateDefinition if any genesis point of the definition overlaps a
// genesis point of an already-tracked definition; overlapping definitions
// are never silently merged.
func (s *ColorScanner) AddDefinition(
	definition *colordef.ColorDefinition) (*ColorTrack, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.addDefinition(definition)
}

// addDefinition performs AddDefinition with the lock already held.
func (s *ColorScanner) addDefinition(
	definition *colordef.ColorDefinition) (*ColorTrack, error) {

	hash := definition.Hash()
	if _, ok := s.trackByHash[hash]; ok {
		str := fmt.Sprintf("definition %v is already tracked",
			definition)
		return nil, scannerError(ErrDuplicateDefinition, str, nil)
	}
	if err := s.checkGenesisConflict(definition, nil); err != nil {
		return nil, err
	}

	track := NewColorTrack(definition)
	s.tracks = append(s.tracks, track)
	s.trackByHash[hash] = track
	s.filterStale = true

	log.Infof("Tracking color %v", definition)
	return track, nil
}

// checkGenesisConflict returns an ErrDuplicateDefinition error if any
// genesis point of definition is already minted by a tracked definition or
// by one of the extra definitions.  The lock must be held.
func (s *ColorScanner) checkGenesisConflict(
	definition *colordef.ColorDefinition,
	extra []*colordef.ColorDefinition) error {

	claimants := make([]*colordef.ColorDefinition, 0,
		len(s.tracks)+len(extra))
	for _, track := range s.tracks {
		claimants = append(claimants, track.definition)
	}
	claimants = append(claimants, extra...)

	for _, claimant := range claimants {
		for _, existing := range claimant.GenesisPoints() {
			for _, point := range definition.GenesisPoints() {
				if existing.Equal(&point) {
					str := fmt.Sprintf("genesis point %v "+
						"of %v already minted by %v",
						&point, definition, claimant)
					return scannerError(
						ErrDuplicateDefinition, str,
						nil,
					)
				}
			}
		}
	}
	return nil
}

// ColorDefinitions returns the tracked definitions in registration order.
func (s *ColorScanner) ColorDefinitions() []*colordef.ColorDefinition {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	definitions := make([]*colordef.ColorDefinition, 0, len(s.tracks))
	for _, track := range s.tracks {
		definitions = append(definitions, track.definition)
	}
	return definitions
}

// ColorTracks returns the tracks in registration order.
func (s *ColorScanner) ColorTracks() []*ColorTrack {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	tracks := make([]*ColorTrack, len(s.tracks))
	copy(tracks, s.tracks)
	return tracks
}

// TrackByDefinition returns the track proving the given definition, or nil
// if the definition is not tracked.
func (s *ColorScanner) TrackByDefinition(
	definition *colordef.ColorDefinition) *ColorTrack {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.trackByHash[definition.Hash()]
}

// IsTransactionRelevant reports whether the transaction participates in
// the colored-asset protocol at all, by carrying the reserved OP_RETURN
// marker output.  This predicate is intentionally broader than any single
// track's relevance: before a definition is registered the scanner cannot
// know which asset a marked output belongs to, but the transaction must
// still be fetched and indexed.
func (s *ColorScanner) IsTransactionRelevant(tx *btcutil.Tx) bool {
	return colordef.HasMarkerOutput(tx.MsgTx())
}

// AddPendingTransaction stores a transaction observed in the mempool so a
// later filtered block notification can be resolved back to it.
func (s *ColorScanner) AddPendingTransaction(tx *btcutil.Tx) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	log.Debugf("Pending tx %v", tx.Hash())
	s.pending[*tx.Hash()] = tx
}

// ReceiveFromBlock indexes a transaction confirmed in the given block and,
// if the block extends the best chain, offers it to every track that finds
// it relevant.  relativityOffset is the transaction's position within the
// block and fixes the intra-block replay order.
func (s *ColorScanner) ReceiveFromBlock(tx *btcutil.Tx, block *BlockMeta,
	blockType NewBlockType, relativityOffset uint32) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.receive(tx, block, blockType, relativityOffset)
}

// NotifyTransactionIsInBlock handles a filtered notification that a
// transaction with the given hash was confirmed.  The full transaction is
// looked up in the pending pool; if it is absent the notification concerns
// a transaction the scanner never found relevant and is ignored.  It
// returns whether the transaction was processed.
func (s *ColorScanner) NotifyTransactionIsInBlock(txHash *chainhash.Hash,
	block *BlockMeta, blockType NewBlockType, relativityOffset uint32) bool {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	tx, ok := s.pending[*txHash]
	if !ok {
		log.Debugf("Ignoring confirmation of unknown tx %v", txHash)
		return false
	}
	s.receive(tx, block, blockType, relativityOffset)
	return true
}

// receive performs transaction intake with the lock held.
func (s *ColorScanner) receive(tx *btcutil.Tx, block *BlockMeta,
	blockType NewBlockType, relativityOffset uint32) {

	log.Debugf("Receive tx %v in block %v offset %d", tx.Hash(),
		block.Hash, relativityOffset)

	stx := SortedTransaction{Tx: tx, Index: relativityOffset}
	s.mapBlockTx[block.Hash] = insertSorted(s.mapBlockTx[block.Hash], stx)

	if blockType != BlockBestChain {
		return
	}

	for _, track := range s.tracks {
		if track.Contains(tx) {
			// Redelivered; double application would corrupt the
			// conservation replay.
			continue
		}
		if track.IsTransactionRelevant(tx) {
			track.Add(stx)
			s.filterStale = true
		}
	}

	s.resolveWaiter(tx)
}

// resolveWaiter completes the unknown-asset waiter registered for this
// transaction, if there is one and its ambiguity is now gone.
func (s *ColorScanner) resolveWaiter(tx *btcutil.Tx) {
	waiter, ok := s.waiters[*tx.Hash()]
	if !ok {
		return
	}
	if s.hasUnknownOutputs(waiter.tx, waiter.wallet) {
		return
	}
	delete(s.waiters, *tx.Hash())
	waiter.future.resolve(waiter.tx, nil)
}

// NotifyNewBestBlock handles the chain advancing to a new best block.  Any
// outstanding unknown-asset waiter is failed with ErrScanning: once the
// chain has moved past a transaction, an output's color is presumed
// permanently undeterminable if it is still unknown.
func (s *ColorScanner) NotifyNewBestBlock(block *BlockMeta) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for hash, waiter := range s.waiters {
		str := fmt.Sprintf("could not determine asset identities of "+
			"tx %v before block %v", hash, block.Hash)
		waiter.future.resolve(nil, scannerError(ErrScanning, str, nil))
		delete(s.waiters, hash)
	}
}

// Reorganize reverses the effect of the blocks that were removed from the
// best chain and replays the blocks that replaced them.  oldBlocks must be
// ordered most recent first and newBlocks oldest first, the order a chain
// client reports them in.
//
// For each track and each old block, the indexed transactions are scanned
// in intra-block order and the first one the track contains is undone;
// because Undo reverts a maximal suffix of the track's applied order, every
// later application in that block (and any newer block already processed)
// is reverted by the same call, so scanning of that block stops there.
func (s *ColorScanner) Reorganize(splitPoint *BlockMeta, oldBlocks,
	newBlocks []*BlockMeta) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	log.Infof("Reorganize at %v: %d blocks removed, %d blocks added",
		splitPoint.Hash, len(oldBlocks), len(newBlocks))

	for _, track := range s.tracks {
		for _, block := range oldBlocks {
			for _, stx := range s.mapBlockTx[block.Hash] {
				if !track.Contains(stx.Tx) {
					continue
				}
				track.Undo(stx.Tx)
				s.filterStale = true
				break
			}
		}
	}

	for _, track := range s.tracks {
		for _, block := range newBlocks {
			for _, stx := range s.mapBlockTx[block.Hash] {
				if track.Contains(stx.Tx) {
					continue
				}
				if track.IsTransactionRelevant(stx.Tx) {
					track.Add(stx)
					s.filterStale = true
				}
			}
		}
	}
}

// GetNetAssetChange returns the net movement of assets caused by the
// transaction from the wallet's point of view, as a signed quantity per
// definition.  Colored outputs owned by the wallet add to their asset's
// total, and wallet-owned inputs spending colored outputs subtract from
// it.  An output that is marked as carrying color but cannot be attributed
// to any track is attributed to colordef.Unknown with its padding-adjusted
// value.  Definitions with zero net movement are omitted.
func (s *ColorScanner) GetNetAssetChange(tx *btcutil.Tx,
	wallet Wallet) map[*colordef.ColorDefinition]int64 {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.netAssetChange(tx, wallet)
}

// netAssetChange performs GetNetAssetChange with the lock held.
func (s *ColorScanner) netAssetChange(tx *btcutil.Tx,
	wallet Wallet) map[*colordef.ColorDefinition]int64 {

	res := make(map[*colordef.ColorDefinition]int64)
	msgTx := tx.MsgTx()
	txHash := tx.Hash()

outs:
	for _, idx := range colordef.ColoredOutputIndexes(msgTx) {
		out := msgTx.TxOut[idx]
		if !wallet.IsOutputMine(out) {
			continue
		}
		op := wire.OutPoint{Hash: *txHash, Index: uint32(idx)}
		for _, track := range s.tracks {
			if value, ok := track.outputs[op]; ok {
				res[track.definition] += value
				continue outs
			}
		}

		// Unknown asset on this output.
		res[colordef.Unknown] += colordef.RemoveMsbdropValuePadding(
			out.Value,
		)
	}

	for _, in := range msgTx.TxIn {
		if !s.isInputMine(in, wallet) {
			continue
		}
		for _, track := range s.tracks {
			if value, ok := track.outputs[in.PreviousOutPoint]; ok {
				res[track.definition] -= value
				break
			}
		}
	}

	for definition, value := range res {
		if value == 0 {
			delete(res, definition)
		}
	}

	log.Tracef("Net asset change for %v: %v", txHash,
		newLogClosure(func() string {
			return spew.Sdump(res)
		}))
	return res
}

// hasUnknownOutputs reports whether attributing the transaction's colored
// outputs would produce an Unknown entry for this wallet.
func (s *ColorScanner) hasUnknownOutputs(tx *btcutil.Tx, wallet Wallet) bool {
	change := s.netAssetChange(tx, wallet)
	_, ok := change[colordef.Unknown]
	return ok
}

// isInputMine reports whether the output the input spends belongs to the
// wallet, resolving the connected output through the wallet's unspent,
// spent and pending pools in turn.
func (s *ColorScanner) isInputMine(in *wire.TxIn, wallet Wallet) bool {
	op := in.PreviousOutPoint
	for _, pool := range []Pool{PoolUnspent, PoolSpent, PoolPending} {
		tx, ok := wallet.TransactionPool(pool)[op.Hash]
		if !ok {
			continue
		}
		if op.Index >= uint32(len(tx.MsgTx().TxOut)) {
			return false
		}
		// The connected output may be change back to the sender of a
		// previous payment to this wallet, in which case it is not
		// ours.
		return wallet.IsOutputMine(tx.MsgTx().TxOut[op.Index])
	}
	return false
}

// GetTransactionWithKnownAssets returns a future that resolves to tx once
// every colored output the wallet owns can be attributed to a known asset.
// If the transaction has no unknown outputs the future is already resolved.
// Otherwise it completes successfully the next time the transaction is
// applied with its colors determinable, such as after a matching definition
// registers and the transaction is redelivered, or fails with ErrScanning
// when a new best block arrives first.
func (s *ColorScanner) GetTransactionWithKnownAssets(tx *btcutil.Tx,
	wallet Wallet) *TxFuture {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.hasUnknownOutputs(tx, wallet) {
		return resolvedTxFuture(tx, nil)
	}

	if waiter, ok := s.waiters[*tx.Hash()]; ok {
		return waiter.future
	}

	waiter := &assetWaiter{
		tx:     tx,
		wallet: wallet,
		future: newTxFuture(),
	}
	s.waiters[*tx.Hash()] = waiter
	return waiter.future
}

// GetBloomFilterElementCount returns the total number of elements all
// tracks will insert into a peer filter.
func (s *ColorScanner) GetBloomFilterElementCount() uint32 {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var count uint32
	for _, track := range s.tracks {
		count += track.BloomFilterElementCount()
	}
	return count
}

// GetBloomFilter builds a peer bloom filter sized for the given element
// count, false positive rate and tweak, and has every track insert its
// elements.  The filter requests automatic updates so the serving peer adds
// matched outpoints itself.
func (s *ColorScanner) GetBloomFilter(size uint32, falsePositiveRate float64,
	tweak uint32) *bloom.Filter {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	filter := bloom.NewFilter(size, tweak, falsePositiveRate,
		wire.BloomUpdateAll)
	for _, track := range s.tracks {
		track.UpdateBloomFilter(filter)
	}
	s.filterStale = false
	return filter
}

// IsRequiringUpdateAllBloomFilter always returns true: any track mutation
// can change which elements must be watched, and there is no incremental
// filter update, so the filter must be rebuilt and redistributed to peers
// after any state change.
func (s *ColorScanner) IsRequiringUpdateAllBloomFilter() bool {
	return true
}

// filterRefreshNeeded reports whether track state changed since the last
// filter build.  The flag is cleared when GetBloomFilter runs.
func (s *ColorScanner) filterRefreshNeeded() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.filterStale
}

// EarliestKeyCreationTime returns the minimum creation time across all
// tracks, bounding how far back an initial SPV chain sync must begin.
// With no tracks registered nothing in the past can be relevant, so the
// current time is returned.
func (s *ColorScanner) EarliestKeyCreationTime() time.Time {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	earliest := time.Now()
	for _, track := range s.tracks {
		if track.creationTime.Before(earliest) {
			earliest = track.creationTime
		}
	}
	return earliest
}

// PendingTransactions returns the mempool transactions the scanner is
// holding for filtered notification matching.
func (s *ColorScanner) PendingTransactions() []*btcutil.Tx {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	txs := make([]*btcutil.Tx, 0, len(s.pending))
	for _, tx := range s.pending {
		txs = append(txs, tx)
	}
	return txs
}
