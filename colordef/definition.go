// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package colordef

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrNoGenesisPoints is returned when constructing a definition with
	// an empty genesis point set.
	ErrNoGenesisPoints = errors.New("color definition requires at least " +
		"one genesis point")

	// ErrInvalidGenesisPoint is returned when a genesis point is not well
	// formed for its kind.
	ErrInvalidGenesisPoint = errors.New("invalid genesis point")
)

// ColorDefinition is an asset identity: an ordered set of genesis points
// plus free-form string metadata.  The definition hash covers only the
// genesis points, so two definitions with the same points are the same
// asset regardless of metadata.  Definitions are immutable after
// construction and safe for concurrent use.
type ColorDefinition struct {
	points   []GenesisPoint
	metadata map[string]string
	hash     chainhash.Hash
}

// Unknown is the reserved sentinel definition representing an output that
// is recognized as colored but whose asset identity has not yet been
// determined.  Its hash is the zero hash and it has no genesis points.
var Unknown = &ColorDefinition{
	metadata: map[string]string{"name": "unknown"},
}

// NewColorDefinition creates a definition from the given genesis points and
// metadata.  The points are sorted and deduplicated, so callers need not
// provide them in canonical order.
func NewColorDefinition(points []GenesisPoint,
	metadata map[string]string) (*ColorDefinition, error) {

	if len(points) == 0 {
		return nil, ErrNoGenesisPoints
	}

	sorted := make([]GenesisPoint, len(points))
	copy(sorted, points)
	for i := range sorted {
		if !sorted[i].valid() {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGenesisPoint,
				&sorted[i])
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Compare(&sorted[j]) < 0
	})

	// Drop duplicates, which are now adjacent.
	deduped := sorted[:1]
	for i := 1; i < len(sorted); i++ {
		if !sorted[i].Equal(&deduped[len(deduped)-1]) {
			deduped = append(deduped, sorted[i])
		}
	}

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	def := &ColorDefinition{
		points:   deduped,
		metadata: meta,
	}
	def.hash = def.calcHash()
	return def, nil
}

// calcHash computes the content-addressed identity of the definition: a
// double-SHA256 over the canonical serialization of its genesis points.
func (d *ColorDefinition) calcHash() chainhash.Hash {
	var buf bytes.Buffer
	for i := range d.points {
		if err := d.points[i].Serialize(&buf); err != nil {
			panic(err)
		}
	}
	return chainhash.DoubleHashH(buf.Bytes())
}

// Hash returns the stable content hash of the definition.
func (d *ColorDefinition) Hash() chainhash.Hash {
	return d.hash
}

// GenesisPoints returns a copy of the ordered genesis point set.
func (d *ColorDefinition) GenesisPoints() []GenesisPoint {
	points := make([]GenesisPoint, len(d.points))
	copy(points, d.points)
	return points
}

// Metadata returns a copy of the definition metadata.
func (d *ColorDefinition) Metadata() map[string]string {
	meta := make(map[string]string, len(d.metadata))
	for k, v := range d.metadata {
		meta[k] = v
	}
	return meta
}

// Name returns the "name" metadata entry, or a placeholder if unset.
func (d *ColorDefinition) Name() string {
	if name, ok := d.metadata["name"]; ok {
		return name
	}
	return "<unnamed>"
}

// IsUnknown reports whether the definition is the Unknown sentinel.
func (d *ColorDefinition) IsUnknown() bool {
	return d == Unknown
}

// Equal reports whether two definitions identify the same asset, which is
// the case exactly when their hashes match.
func (d *ColorDefinition) Equal(other *ColorDefinition) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.hash == other.hash
}

// MatchesTx reports whether any genesis point of the definition can mint
// supply in the given transaction.
func (d *ColorDefinition) MatchesTx(tx *wire.MsgTx, txHash *chainhash.Hash) bool {
	for i := range d.points {
		if d.points[i].MatchesTx(tx, txHash) {
			return true
		}
	}
	return false
}

// String returns the definition's name and abbreviated hash.
func (d *ColorDefinition) String() string {
	return fmt.Sprintf("%s[%s]", d.Name(),
		hex.EncodeToString(d.hash[:4]))
}

// genesisPointJSON is the persisted JSON shape of a single genesis point.
type genesisPointJSON struct {
	Kind   string `json:"kind"`
	Hash   string `json:"hash,omitempty"`
	Index  uint32 `json:"index,omitempty"`
	Script string `json:"script,omitempty"`
}

// colorDefinitionJSON is the persisted JSON shape of a definition.  The
// whole definition, not just its hash, is embedded in persisted state so a
// wallet can materialize tracks for assets it has never been configured
// with.
type colorDefinitionJSON struct {
	GenesisPoints []genesisPointJSON `json:"genesis_points"`
	Metadata      map[string]string  `json:"metadata"`
}

// MarshalJSON implements json.Marshaler.
func (d *ColorDefinition) MarshalJSON() ([]byte, error) {
	enc := colorDefinitionJSON{
		GenesisPoints: make([]genesisPointJSON, 0, len(d.points)),
		Metadata:      d.metadata,
	}
	for i := range d.points {
		p := &d.points[i]
		switch p.Kind {
		case GenesisTxOut:
			enc.GenesisPoints = append(enc.GenesisPoints,
				genesisPointJSON{
					Kind:  p.Kind.String(),
					Hash:  p.OutPoint.Hash.String(),
					Index: p.OutPoint.Index,
				})
		case GenesisScript:
			enc.GenesisPoints = append(enc.GenesisPoints,
				genesisPointJSON{
					Kind:   p.Kind.String(),
					Script: hex.EncodeToString(p.Script),
				})
		default:
			return nil, fmt.Errorf("%w: %v",
				ErrInvalidGenesisPoint, p)
		}
	}
	return json.Marshal(&enc)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *ColorDefinition) UnmarshalJSON(data []byte) error {
	var dec colorDefinitionJSON
	if err := json.Unmarshal(data, &dec); err != nil {
		return err
	}

	points := make([]GenesisPoint, 0, len(dec.GenesisPoints))
	for _, pj := range dec.GenesisPoints {
		switch pj.Kind {
		case "txout":
			hash, err := chainhash.NewHashFromStr(pj.Hash)
			if err != nil {
				return fmt.Errorf("bad genesis hash: %w", err)
			}
			points = append(points, NewTxOutGenesisPoint(
				wire.OutPoint{Hash: *hash, Index: pj.Index},
			))
		case "script":
			script, err := hex.DecodeString(pj.Script)
			if err != nil {
				return fmt.Errorf("bad genesis script: %w", err)
			}
			points = append(points, NewScriptGenesisPoint(script))
		default:
			return fmt.Errorf("%w: kind %q",
				ErrInvalidGenesisPoint, pj.Kind)
		}
	}

	def, err := NewColorDefinition(points, dec.Metadata)
	if err != nil {
		return err
	}
	*d = *def
	return nil
}
