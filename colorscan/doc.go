// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package colorscan tracks colored-asset movements across the block chain.

A ColorScanner watches confirmed transactions for the colored-asset
marker output and maintains one ColorTrack per registered color
definition.  Each track replays the conservation rules of the protocol:
genesis points mint supply, and transfers carry color from spent colored
outputs to the outputs designated by the bitmask formed from the AND of
all input sequence numbers, never creating more color than was consumed.

The scanner is reorganization safe.  Transactions are indexed per block
as they arrive, and Reorganize reverses the work of disconnected blocks
before replaying the transactions of their replacements.  Undoing a
transaction reverts it together with everything applied after it, so no
surviving state can depend on a reverted output.

Peer bloom filters are built with GetBloomFilter and kept fresh by a
FilterUpdater.  GetTransactionWithKnownAssets returns a future for
payments whose asset identity is not yet determinable, resolving once a
matching definition is registered and the transaction replayed, or
failing once the chain advances past it.

Scanner state survives restarts through EncodeScanner and DecodeScanner;
the colorext package stores the encoding in a wallet database.
*/
package colorscan
