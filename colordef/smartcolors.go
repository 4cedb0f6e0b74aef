// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package colordef defines colored-asset definitions and the on-chain
// encoding rules of the colored-asset protocol: the marker output, the
// MSB-drop value padding and the colored-output designation bitmask.
package colordef

import (
	"bytes"
	"math/bits"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// MarkerBytes is the data payload of the OP_RETURN output that marks a
// transaction as participating in the colored-asset protocol.
var MarkerBytes = []byte("SMARTASS")

// MinimumAssetValue is the floor, in satoshi, that padded asset output
// values are raised above so colored outputs clear the network dust
// threshold.
const MinimumAssetValue = 546

// markerScript is the canonical OP_RETURN marker script, built once at
// package load.
var markerScript []byte

func init() {
	var err error
	markerScript, err = txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(MarkerBytes).
		Script()
	if err != nil {
		panic(err)
	}
}

// MarkerScript returns the script of the protocol marker output: exactly
// OP_RETURN followed by a push of MarkerBytes.
func MarkerScript() []byte {
	script := make([]byte, len(markerScript))
	copy(script, markerScript)
	return script
}

// IsMarkerScript reports whether the given script is exactly the protocol
// marker script.
func IsMarkerScript(script []byte) bool {
	return bytes.Equal(script, markerScript)
}

// HasMarkerOutput reports whether any output of the transaction is the
// protocol marker output.
func HasMarkerOutput(tx *wire.MsgTx) bool {
	for _, out := range tx.TxOut {
		if IsMarkerScript(out.PkScript) {
			return true
		}
	}
	return false
}

// AddMsbdropValuePadding encodes an asset quantity into an output value.
// The quantity is shifted left one bit, with the new least significant bit
// flagging whether padding was applied.  If the result would fall below
// minimum, a single high padding bit is added, chosen as the smallest power
// of two that lifts the value to at least minimum.  The padding bit is the
// most significant set bit of the result and is dropped on decode.
func AddMsbdropValuePadding(value, minimum int64) int64 {
	if value >= minimum {
		return value << 1
	}

	i := uint(0)
	for int64(1)<<i < value<<1|1 {
		i++
	}
	for int64(1)<<i|value<<1|1 < minimum {
		i++
	}
	return int64(1)<<i | value<<1 | 1
}

// RemoveMsbdropValuePadding decodes an asset quantity from a padded output
// value, reversing AddMsbdropValuePadding.
func RemoveMsbdropValuePadding(padded int64) int64 {
	if padded&1 == 0 {
		return padded >> 1
	}

	msb := 63 - bits.LeadingZeros64(uint64(padded))
	return (padded ^ int64(1)<<uint(msb)) >> 1
}

// MakeAssetValue pads an asset quantity with the default dust minimum,
// producing the satoshi value a colored output should carry.
func MakeAssetValue(value int64) int64 {
	return AddMsbdropValuePadding(value, MinimumAssetValue)
}

// ColoredOutputIndexes returns the output indexes of tx that the protocol
// designates as carrying color.  The designation is a bitmask formed by
// ANDing the sequence numbers of every input, applied to outputs least
// significant bit first, one bit per output.  Outputs past the 32nd are
// never colored.
func ColoredOutputIndexes(tx *wire.MsgTx) []int {
	mask := ^uint32(0)
	for _, in := range tx.TxIn {
		mask &= in.Sequence
	}

	var indexes []int
	for i := range tx.TxOut {
		if mask&1 == 1 {
			indexes = append(indexes, i)
		}
		mask >>= 1
		if mask == 0 {
			break
		}
	}
	return indexes
}
