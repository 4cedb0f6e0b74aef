// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package colordef

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// GenesisKind identifies the rule variant a GenesisPoint uses to mint asset
// supply.
type GenesisKind uint8

const (
	// GenesisTxOut mints supply at one specific transaction output.
	GenesisTxOut GenesisKind = 0

	// GenesisScript mints supply at every output paying an exact script.
	GenesisScript GenesisKind = 1
)

// String returns the GenesisKind as a human-readable name.
func (k GenesisKind) String() string {
	switch k {
	case GenesisTxOut:
		return "txout"
	case GenesisScript:
		return "script"
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// GenesisPoint identifies where an asset's supply originates.  It is a
// tagged union: Kind selects which of the remaining fields is meaningful.
// A GenesisTxOut point mints supply exactly once, at the output named by
// OutPoint, while a GenesisScript point mints supply at every confirmed
// output paying Script.
//
// Values are immutable once constructed and are totally ordered by their
// canonical serialization, which makes definition hashing deterministic.
type GenesisPoint struct {
	Kind     GenesisKind
	OutPoint wire.OutPoint // valid when Kind == GenesisTxOut
	Script   []byte        // valid when Kind == GenesisScript
}

// NewTxOutGenesisPoint returns a genesis point minting supply at the given
// outpoint.
func NewTxOutGenesisPoint(op wire.OutPoint) GenesisPoint {
	return GenesisPoint{Kind: GenesisTxOut, OutPoint: op}
}

// NewScriptGenesisPoint returns a genesis point minting supply at every
// output paying the given script.
func NewScriptGenesisPoint(script []byte) GenesisPoint {
	s := make([]byte, len(script))
	copy(s, script)
	return GenesisPoint{Kind: GenesisScript, Script: s}
}

// valid reports whether the point is well formed for its kind.
func (p *GenesisPoint) valid() bool {
	switch p.Kind {
	case GenesisTxOut:
		return true
	case GenesisScript:
		return len(p.Script) > 0
	}
	return false
}

// Serialize writes the canonical encoding of the point to w.  The encoding
// is the kind byte followed by the kind's payload: the 36-byte outpoint for
// GenesisTxOut, or the var-length script for GenesisScript.
func (p *GenesisPoint) Serialize(w io.Writer) error {
	if _, err := w.Write([]byte{byte(p.Kind)}); err != nil {
		return err
	}
	switch p.Kind {
	case GenesisTxOut:
		if _, err := w.Write(p.OutPoint.Hash[:]); err != nil {
			return err
		}
		var idx [4]byte
		binary.LittleEndian.PutUint32(idx[:], p.OutPoint.Index)
		_, err := w.Write(idx[:])
		return err

	case GenesisScript:
		return wire.WriteVarBytes(w, 0, p.Script)
	}

	return fmt.Errorf("unknown genesis point kind %d", p.Kind)
}

// Deserialize reads a canonically encoded genesis point from r.
func (p *GenesisPoint) Deserialize(r io.Reader) error {
	var kind [1]byte
	if _, err := io.ReadFull(r, kind[:]); err != nil {
		return err
	}
	switch GenesisKind(kind[0]) {
	case GenesisTxOut:
		var buf [36]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return err
		}
		p.Kind = GenesisTxOut
		copy(p.OutPoint.Hash[:], buf[:32])
		p.OutPoint.Index = binary.LittleEndian.Uint32(buf[32:])
		p.Script = nil
		return nil

	case GenesisScript:
		script, err := wire.ReadVarBytes(r, 0, maxScriptSize, "script")
		if err != nil {
			return err
		}
		p.Kind = GenesisScript
		p.OutPoint = wire.OutPoint{}
		p.Script = script
		return nil
	}

	return fmt.Errorf("unknown genesis point kind %d", kind[0])
}

// maxScriptSize bounds genesis script deserialization.  It matches the
// consensus maximum script element count well beyond any sane genesis
// script.
const maxScriptSize = 10000

// Bytes returns the canonical encoding of the point.
func (p *GenesisPoint) Bytes() []byte {
	var buf bytes.Buffer
	// Serialization of a valid point into a buffer cannot fail.
	if err := p.Serialize(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Compare provides a total order over genesis points by comparing their
// canonical encodings.  It returns -1, 0, or 1.
func (p *GenesisPoint) Compare(other *GenesisPoint) int {
	return bytes.Compare(p.Bytes(), other.Bytes())
}

// Equal reports whether two points identify the same minting rule.
func (p *GenesisPoint) Equal(other *GenesisPoint) bool {
	return p.Compare(other) == 0
}

// MatchesTx reports whether the transaction with the given hash can mint
// supply for this point.
func (p *GenesisPoint) MatchesTx(tx *wire.MsgTx, txHash *chainhash.Hash) bool {
	switch p.Kind {
	case GenesisTxOut:
		return p.OutPoint.Hash.IsEqual(txHash)

	case GenesisScript:
		for _, out := range tx.TxOut {
			if bytes.Equal(out.PkScript, p.Script) {
				return true
			}
		}
	}
	return false
}

// MatchesOutput reports whether the specific transaction output mints
// supply for this point.
func (p *GenesisPoint) MatchesOutput(txHash *chainhash.Hash, index uint32,
	pkScript []byte) bool {

	switch p.Kind {
	case GenesisTxOut:
		return p.OutPoint.Index == index && p.OutPoint.Hash.IsEqual(txHash)

	case GenesisScript:
		return bytes.Equal(pkScript, p.Script)
	}
	return false
}

// String returns a human-readable description of the point.
func (p *GenesisPoint) String() string {
	switch p.Kind {
	case GenesisTxOut:
		return fmt.Sprintf("txout:%v", p.OutPoint)
	case GenesisScript:
		return fmt.Sprintf("script:%x", p.Script)
	}
	return "invalid"
}
