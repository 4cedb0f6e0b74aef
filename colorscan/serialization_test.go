// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package colorscan

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/smartcolors/go-smartcolors/colordef"
)

// populatedScanner builds a scanner with applied, indexed and pending state
// worth persisting: a confirmed genesis, a confirmed transfer, a side chain
// transaction that is indexed but not applied, and two mempool transactions.
func populatedScanner(t *testing.T) *testScanner {
	t.Helper()

	ts := newTestScanner(t)
	script := newP2PKScript(t)

	ts.confirm(ts.genesisTx, 100, 1)

	transfer := spendTx(
		[]wire.OutPoint{ts.genesisOutPoint},
		assetTxOut(4, script),
		assetTxOut(6, script),
		markerTxOut(),
	)
	ts.confirm(transfer, 101, 1)

	rival := spendTx(
		[]wire.OutPoint{ts.genesisOutPoint},
		assetTxOut(10, script),
		markerTxOut(),
	)
	ts.scanner.ReceiveFromBlock(rival, testBlock(201), BlockSideChain, 1)

	for _, quantity := range []int64{1, 2} {
		pending := spendTx(
			[]wire.OutPoint{{Hash: *transfer.Hash(), Index: 0}},
			assetTxOut(quantity, script),
			markerTxOut(),
		)
		ts.scanner.AddPendingTransaction(pending)
	}

	return ts
}

func TestScannerStateRoundTrip(t *testing.T) {
	t.Parallel()

	ts := populatedScanner(t)
	data, err := EncodeScanner(ts.scanner)
	require.NoError(t, err)

	// Restore into a scanner with no definitions registered; the track
	// must be materialized from the embedded definition description.
	restored := NewColorScanner()
	require.NoError(t, DecodeScanner(data, restored))

	defs := restored.ColorDefinitions()
	require.Len(t, defs, 1)
	require.True(t, defs[0].Equal(ts.definition))

	track := restored.TrackByDefinition(ts.definition)
	require.NotNil(t, track)
	require.Equal(t, ts.track.Outputs(), track.Outputs())
	require.Equal(t, ts.track.UnspentOutputs(), track.UnspentOutputs())
	require.Equal(t,
		ts.track.CreationTime().Unix(), track.CreationTime().Unix())

	wantTxs := ts.track.Transactions()
	gotTxs := track.Transactions()
	require.Equal(t, len(wantTxs), len(gotTxs))
	for i := range wantTxs {
		require.Equal(t, wantTxs[i].Index, gotTxs[i].Index)
		require.Equal(t, wantTxs[i].Tx.Hash(), gotTxs[i].Tx.Hash())
	}

	require.Len(t, restored.PendingTransactions(), 2)
	require.Equal(t, len(ts.scanner.mapBlockTx), len(restored.mapBlockTx))

	// The snapshot is deterministic, so restoring and re-encoding must
	// reproduce the original bytes.
	reencoded, err := EncodeScanner(restored)
	require.NoError(t, err)
	require.Equal(t, data, reencoded)
}

// TestScannerStateRestoreRegistered restores into a scanner that already
// tracks the definition, which must refill the existing track rather than
// register a second one.
func TestScannerStateRestoreRegistered(t *testing.T) {
	t.Parallel()

	ts := populatedScanner(t)
	data, err := EncodeScanner(ts.scanner)
	require.NoError(t, err)

	restored := NewColorScanner()
	existing, err := restored.AddDefinition(ts.definition)
	require.NoError(t, err)

	require.NoError(t, DecodeScanner(data, restored))
	require.Len(t, restored.ColorDefinitions(), 1)
	require.Same(t, existing, restored.TrackByDefinition(ts.definition))
	require.Equal(t, ts.track.Outputs(), existing.Outputs())

	// Restored applied state behaves like live state.
	require.True(t, existing.Contains(ts.genesisTx))
}

// TestScannerStateRestoreResumes verifies a restored scanner keeps working:
// a spend received after restore is applied on top of the persisted state.
func TestScannerStateRestoreResumes(t *testing.T) {
	t.Parallel()

	ts := newTestScanner(t)
	ts.confirm(ts.genesisTx, 100, 1)

	data, err := EncodeScanner(ts.scanner)
	require.NoError(t, err)

	restored := NewColorScanner()
	require.NoError(t, DecodeScanner(data, restored))
	track := restored.TrackByDefinition(ts.definition)
	require.NotNil(t, track)

	transfer := spendTx(
		[]wire.OutPoint{ts.genesisOutPoint},
		assetTxOut(10, newP2PKScript(t)),
		markerTxOut(),
	)
	restored.ReceiveFromBlock(transfer, testBlock(101), BlockBestChain, 1)

	require.True(t, track.Contains(transfer))
	require.Equal(t, map[wire.OutPoint]int64{
		{Hash: *transfer.Hash(), Index: 0}: 10,
	}, track.UnspentOutputs())
}

// TestScannerStateRestoreConflict restores state holding a definition
// whose genesis points overlap a definition the scanner already tracks
// under a different hash.  The restore must fail without installing any of
// the persisted state.
func TestScannerStateRestoreConflict(t *testing.T) {
	t.Parallel()

	sharedOutPoint := wire.OutPoint{
		Hash: chainhash.DoubleHashH([]byte("issuance")),
	}

	// The persisted scanner tracks a two-point definition claiming the
	// shared outpoint, with a pending and an indexed transaction.
	wide, err := colordef.NewColorDefinition(
		[]colordef.GenesisPoint{
			colordef.NewTxOutGenesisPoint(sharedOutPoint),
			colordef.NewScriptGenesisPoint(newP2PKScript(t)),
		},
		map[string]string{"name": "wide"},
	)
	require.NoError(t, err)

	source := NewColorScanner()
	_, err = source.AddDefinition(wide)
	require.NoError(t, err)

	observed := spendTx(
		[]wire.OutPoint{{Index: 1}},
		assetTxOut(3, newP2PKScript(t)),
		markerTxOut(),
	)
	source.AddPendingTransaction(observed)
	source.ReceiveFromBlock(observed, testBlock(100), BlockSideChain, 1)

	data, err := EncodeScanner(source)
	require.NoError(t, err)

	// The restoring scanner already tracks a single-point definition
	// minting from the same outpoint.  Its hash differs from wide's, so
	// the restore has to register wide and must hit the conflict.
	narrow, err := colordef.NewColorDefinition(
		[]colordef.GenesisPoint{
			colordef.NewTxOutGenesisPoint(sharedOutPoint),
		},
		map[string]string{"name": "narrow"},
	)
	require.NoError(t, err)

	restored := NewColorScanner()
	narrowTrack, err := restored.AddDefinition(narrow)
	require.NoError(t, err)

	err = DecodeScanner(data, restored)
	require.True(t, IsError(err, ErrDuplicateDefinition))

	// Nothing from the failed restore may remain installed.
	require.Empty(t, restored.PendingTransactions())
	require.Empty(t, restored.mapBlockTx)
	defs := restored.ColorDefinitions()
	require.Len(t, defs, 1)
	require.True(t, defs[0].Equal(narrow))
	require.Empty(t, narrowTrack.Outputs())
	require.Empty(t, narrowTrack.Transactions())
}

func TestScannerStateEmpty(t *testing.T) {
	t.Parallel()

	data, err := EncodeScanner(NewColorScanner())
	require.NoError(t, err)

	restored := NewColorScanner()
	require.NoError(t, DecodeScanner(data, restored))
	require.Empty(t, restored.ColorDefinitions())
	require.Empty(t, restored.PendingTransactions())
}

func TestScannerStateMalformed(t *testing.T) {
	t.Parallel()

	ts := populatedScanner(t)
	data, err := EncodeScanner(ts.scanner)
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "truncated varint", data: []byte{0xfd}},
		{name: "truncated state", data: data[:len(data)/2]},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			restored := NewColorScanner()
			err := DecodeScanner(test.data, restored)
			require.True(t, IsError(err, ErrMalformedState))

			// No partial state may leak into the scanner.
			require.Empty(t, restored.ColorDefinitions())
			require.Empty(t, restored.PendingTransactions())
		})
	}
}
