// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package colorscan

import (
	"github.com/btcsuite/btcd/btcutil"
)

// TxFuture is a single-assignment future for a transaction whose asset
// identities are being resolved asynchronously.  It is created and resolved
// by the scanner while holding its lock, but awaited without it, so a
// waiting caller never blocks scanner progress.
//
// Resolving an already-resolved future is a contract violation and panics.
type TxFuture struct {
	done chan struct{}
	tx   *btcutil.Tx
	err  error
}

// newTxFuture returns an unresolved future.
func newTxFuture() *TxFuture {
	return &TxFuture{done: make(chan struct{})}
}

// resolvedTxFuture returns a future that already holds the given result.
func resolvedTxFuture(tx *btcutil.Tx, err error) *TxFuture {
	f := newTxFuture()
	f.resolve(tx, err)
	return f
}

// resolve sets the result exactly once and releases all waiters.  The
// happens-before edge of the channel close publishes tx and err to readers.
func (f *TxFuture) resolve(tx *btcutil.Tx, err error) {
	select {
	case <-f.done:
		panic("colorscan: TxFuture resolved twice")
	default:
	}
	f.tx = tx
	f.err = err
	close(f.done)
}

// IsDone reports whether the future has been resolved, without blocking.
func (f *TxFuture) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed once the future resolves.  It can
// be combined with other channels in a select.
func (f *TxFuture) Done() <-chan struct{} {
	return f.done
}

// Receive blocks until the future resolves and returns its result.
func (f *TxFuture) Receive() (*btcutil.Tx, error) {
	<-f.done
	return f.tx, f.err
}
