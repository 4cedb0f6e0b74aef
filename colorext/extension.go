// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package colorext persists colored-asset scanner state as a wallet
// extension inside a walletdb database.
package colorext

import (
	"github.com/btcsuite/btcwallet/walletdb"

	"github.com/smartcolors/go-smartcolors/colorscan"
)

// Identifier names the wallet extension in host wallets that key their
// extensions by reverse-domain identifiers.
const Identifier = "org.smartcolors"

var (
	// extensionBucketKey is the top level bucket the extension stores
	// its state under.
	extensionBucketKey = []byte("smartcolors")

	// scannerStateKey is the key holding the encoded scanner state.
	scannerStateKey = []byte("scanner")
)

// Extension persists a color scanner's state into a wallet database so the
// tracking engine survives wallet restarts.  The scanner state is stored as
// a single encoded blob in a dedicated top level bucket, keeping the
// engine's wire format independent of the host wallet's own schema.
type Extension struct {
	scanner *colorscan.ColorScanner
}

// NewExtension creates an extension persisting the given scanner.
func NewExtension(scanner *colorscan.ColorScanner) *Extension {
	return &Extension{scanner: scanner}
}

// Scanner returns the scanner this extension persists.
func (e *Extension) Scanner() *colorscan.ColorScanner {
	return e.scanner
}

// Save encodes the scanner state and writes it to the wallet database,
// replacing any previously stored state.
func (e *Extension) Save(db walletdb.DB) error {
	state, err := colorscan.EncodeScanner(e.scanner)
	if err != nil {
		return err
	}

	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		bucket, err := tx.CreateTopLevelBucket(extensionBucketKey)
		if err != nil {
			return err
		}
		return bucket.Put(scannerStateKey, state)
	})
}

// Load reads previously stored state from the wallet database and installs
// it into the scanner.  A database without stored state is not an error;
// the scanner is simply left untouched.
func (e *Extension) Load(db walletdb.DB) error {
	var state []byte
	err := walletdb.View(db, func(tx walletdb.ReadTx) error {
		bucket := tx.ReadBucket(extensionBucketKey)
		if bucket == nil {
			return nil
		}
		if stored := bucket.Get(scannerStateKey); stored != nil {
			state = make([]byte, len(stored))
			copy(state, stored)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if state == nil {
		log.Debugf("No stored color scanner state")
		return nil
	}

	return colorscan.DecodeScanner(state, e.scanner)
}
