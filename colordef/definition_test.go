// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package colordef

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func testOutPoint(b byte, index uint32) wire.OutPoint {
	var hash chainhash.Hash
	hash[0] = b
	return wire.OutPoint{Hash: hash, Index: index}
}

// TestGenesisPointSerialization checks the canonical encoding round trip
// for both genesis point kinds.
func TestGenesisPointSerialization(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		point GenesisPoint
	}{{
		name:  "txout",
		point: NewTxOutGenesisPoint(testOutPoint(0xab, 7)),
	}, {
		name:  "script",
		point: NewScriptGenesisPoint([]byte{0x76, 0xa9, 0x14}),
	}}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			require.NoError(t, tc.point.Serialize(&buf))

			var decoded GenesisPoint
			require.NoError(t, decoded.Deserialize(&buf))
			require.True(t, tc.point.Equal(&decoded))
			require.Equal(t, tc.point.Bytes(), decoded.Bytes())
		})
	}
}

// TestGenesisPointOrdering checks that the total order is consistent with
// the canonical encodings.
func TestGenesisPointOrdering(t *testing.T) {
	t.Parallel()

	a := NewTxOutGenesisPoint(testOutPoint(0x01, 0))
	b := NewTxOutGenesisPoint(testOutPoint(0x01, 1))
	c := NewScriptGenesisPoint([]byte{0x51})

	require.Negative(t, a.Compare(&b))
	require.Positive(t, b.Compare(&a))
	require.Zero(t, a.Compare(&a))

	// Kind byte dominates, so txout points sort before script points.
	require.Negative(t, a.Compare(&c))
	require.Negative(t, b.Compare(&c))
}

// TestNewColorDefinition checks construction validation, ordering and
// deduplication.
func TestNewColorDefinition(t *testing.T) {
	t.Parallel()

	_, err := NewColorDefinition(nil, nil)
	require.ErrorIs(t, err, ErrNoGenesisPoints)

	_, err = NewColorDefinition(
		[]GenesisPoint{NewScriptGenesisPoint(nil)}, nil,
	)
	require.ErrorIs(t, err, ErrInvalidGenesisPoint)

	a := NewTxOutGenesisPoint(testOutPoint(0x02, 0))
	b := NewTxOutGenesisPoint(testOutPoint(0x01, 0))

	def, err := NewColorDefinition(
		[]GenesisPoint{a, b, a},
		map[string]string{"name": "widgets"},
	)
	require.NoError(t, err)

	// Duplicates are dropped and the points come back sorted.
	points := def.GenesisPoints()
	require.Len(t, points, 2)
	require.Negative(t, points[0].Compare(&points[1]))

	require.Equal(t, "widgets", def.Name())
}

// TestColorDefinitionHash checks that the content hash depends only on the
// genesis point set.
func TestColorDefinitionHash(t *testing.T) {
	t.Parallel()

	a := NewTxOutGenesisPoint(testOutPoint(0x02, 0))
	b := NewTxOutGenesisPoint(testOutPoint(0x01, 0))

	def1, err := NewColorDefinition(
		[]GenesisPoint{a, b}, map[string]string{"name": "widgets"},
	)
	require.NoError(t, err)

	// Same points, different order and metadata: same asset.
	def2, err := NewColorDefinition(
		[]GenesisPoint{b, a}, map[string]string{"name": "gadgets"},
	)
	require.NoError(t, err)
	require.Equal(t, def1.Hash(), def2.Hash())
	require.True(t, def1.Equal(def2))

	// Different points: different asset.
	def3, err := NewColorDefinition([]GenesisPoint{a}, nil)
	require.NoError(t, err)
	require.NotEqual(t, def1.Hash(), def3.Hash())
	require.False(t, def1.Equal(def3))

	// The sentinel matches nothing tracked.
	require.False(t, def1.Equal(Unknown))
	require.True(t, Unknown.IsUnknown())
	require.False(t, def1.IsUnknown())
}

// TestColorDefinitionJSON checks the persisted JSON round trip for both
// genesis point kinds.
func TestColorDefinitionJSON(t *testing.T) {
	t.Parallel()

	def, err := NewColorDefinition(
		[]GenesisPoint{
			NewTxOutGenesisPoint(testOutPoint(0xcd, 3)),
			NewScriptGenesisPoint([]byte{0x51, 0x52}),
		},
		map[string]string{"name": "widgets", "issuer": "acme"},
	)
	require.NoError(t, err)

	data, err := json.Marshal(def)
	require.NoError(t, err)

	decoded := &ColorDefinition{}
	require.NoError(t, json.Unmarshal(data, decoded))

	require.Equal(t, def.Hash(), decoded.Hash())
	require.Equal(t, def.GenesisPoints(), decoded.GenesisPoints())
	require.Equal(t, def.Metadata(), decoded.Metadata())

	// Unknown kinds are rejected.
	require.Error(t, json.Unmarshal(
		[]byte(`{"genesis_points":[{"kind":"nonsense"}]}`), decoded,
	))
}
