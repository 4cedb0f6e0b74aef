// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package colorscan

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/smartcolors/go-smartcolors/colordef"
)

// mockWallet implements the Wallet interface over a fixed set of owned
// output scripts and explicit transaction pools.
type mockWallet struct {
	ownAll  bool
	scripts [][]byte
	pools   map[Pool]map[chainhash.Hash]*btcutil.Tx
}

func newMockWallet(ownAll bool, scripts ...[]byte) *mockWallet {
	return &mockWallet{
		ownAll:  ownAll,
		scripts: scripts,
		pools: map[Pool]map[chainhash.Hash]*btcutil.Tx{
			PoolUnspent: make(map[chainhash.Hash]*btcutil.Tx),
			PoolSpent:   make(map[chainhash.Hash]*btcutil.Tx),
			PoolPending: make(map[chainhash.Hash]*btcutil.Tx),
		},
	}
}

func (w *mockWallet) IsOutputMine(out *wire.TxOut) bool {
	if w.ownAll {
		return true
	}
	for _, script := range w.scripts {
		if bytes.Equal(out.PkScript, script) {
			return true
		}
	}
	return false
}

func (w *mockWallet) TransactionPool(pool Pool) map[chainhash.Hash]*btcutil.Tx {
	return w.pools[pool]
}

// receive records the transaction in the wallet's unspent pool, the analog
// of the wallet confirming the transaction.
func (w *mockWallet) receive(tx *btcutil.Tx) {
	w.pools[PoolUnspent][*tx.Hash()] = tx
}

// newP2PKScript derives a fresh key and returns its pay-to-pubkey script.
func newP2PKScript(t *testing.T) []byte {
	t.Helper()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	script, err := txscript.NewScriptBuilder().
		AddData(key.PubKey().SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	require.NoError(t, err)
	return script
}

// assetTxOut builds an output carrying the given asset quantity with
// MSB-drop padding applied.
func assetTxOut(quantity int64, pkScript []byte) *wire.TxOut {
	return wire.NewTxOut(colordef.MakeAssetValue(quantity), pkScript)
}

// markerTxOut builds the zero-value protocol marker output.
func markerTxOut() *wire.TxOut {
	return wire.NewTxOut(0, colordef.MarkerScript())
}

// spendTx builds a transaction spending the given outpoints with default
// sequence numbers and the given outputs.
func spendTx(prevOuts []wire.OutPoint, outs ...*wire.TxOut) *btcutil.Tx {
	msgTx := wire.NewMsgTx(wire.TxVersion)
	for _, prevOut := range prevOuts {
		prevOut := prevOut
		msgTx.AddTxIn(wire.NewTxIn(&prevOut, nil, nil))
	}
	for _, out := range outs {
		msgTx.AddTxOut(out)
	}
	return btcutil.NewTx(msgTx)
}

// testBlock builds a deterministic block identity for the given height.
func testBlock(height int32) *BlockMeta {
	var heightBytes [4]byte
	binary.LittleEndian.PutUint32(heightBytes[:], uint32(height))
	return &BlockMeta{
		Block: Block{
			Hash:   chainhash.DoubleHashH(heightBytes[:]),
			Height: height,
		},
		Time: time.Unix(1400000000+int64(height)*600, 0),
	}
}

// testScanner bundles the state most scanner tests start from: a scanner
// tracking one definition whose single genesis point mints ten units at
// the first output of genesisTx.
type testScanner struct {
	scanner         *ColorScanner
	definition      *colordef.ColorDefinition
	track           *ColorTrack
	genesisTx       *btcutil.Tx
	genesisOutPoint wire.OutPoint
	genesisScript   []byte
}

// newTestScanner builds the common fixture.  The genesis transaction has a
// ten unit asset output and a marker output.
func newTestScanner(t *testing.T) *testScanner {
	t.Helper()

	genesisScript := newP2PKScript(t)
	msgTx := wire.NewMsgTx(wire.TxVersion)
	msgTx.AddTxIn(wire.NewTxIn(
		wire.NewOutPoint(&chainhash.Hash{}, 0), nil, nil,
	))
	msgTx.AddTxOut(assetTxOut(10, genesisScript))
	msgTx.AddTxOut(markerTxOut())
	genesisTx := btcutil.NewTx(msgTx)

	genesisOutPoint := wire.OutPoint{Hash: *genesisTx.Hash(), Index: 0}
	definition, err := colordef.NewColorDefinition(
		[]colordef.GenesisPoint{
			colordef.NewTxOutGenesisPoint(genesisOutPoint),
		},
		map[string]string{"name": "widgets"},
	)
	require.NoError(t, err)

	scanner := NewColorScanner()
	track, err := scanner.AddDefinition(definition)
	require.NoError(t, err)

	return &testScanner{
		scanner:         scanner,
		definition:      definition,
		track:           track,
		genesisTx:       genesisTx,
		genesisOutPoint: genesisOutPoint,
		genesisScript:   genesisScript,
	}
}

// confirm delivers tx to the scanner as confirmed in a best chain block at
// the given height.
func (ts *testScanner) confirm(tx *btcutil.Tx, height int32, offset uint32) {
	ts.scanner.ReceiveFromBlock(
		tx, testBlock(height), BlockBestChain, offset,
	)
}
