// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package colorscan

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/tlv"

	"github.com/smartcolors/go-smartcolors/colordef"
)

// Persisted scanner state is a TLV stream of three records: the per-asset
// track records, the block-to-sorted-transaction index, and the raw pending
// transactions.  Each track record is itself an inner TLV stream embedded
// with a varint length prefix.  Raw transactions are stored as their exact
// wire serialization so round-tripping is byte-for-byte.
const (
	typeScannerTracks  tlv.Type = 1
	typeScannerBlockTx tlv.Type = 2
	typeScannerPending tlv.Type = 3

	typeTrackDefHash      tlv.Type = 1
	typeTrackDefJSON      tlv.Type = 2
	typeTrackOutputs      tlv.Type = 3
	typeTrackUnspent      tlv.Type = 4
	typeTrackTxs          tlv.Type = 5
	typeTrackCreationTime tlv.Type = 6
)

// maxStateElements bounds decoded collection sizes to keep a corrupt length
// prefix from exhausting memory.
const maxStateElements = 1 << 24

// outPointValue is one row of a track's outpoint-to-quantity table.
type outPointValue struct {
	op    wire.OutPoint
	value uint64
}

// sortedTxData is the persisted form of a SortedTransaction.
type sortedTxData struct {
	index uint32
	rawTx []byte
}

// blockTxEntry is one row of the persisted block-to-transaction index.
type blockTxEntry struct {
	blockHash chainhash.Hash
	tx        sortedTxData
}

// trackState is the persisted form of a single ColorTrack.
type trackState struct {
	defHash      [32]byte
	defJSON      []byte
	outputs      []outPointValue
	unspent      []outPointValue
	txs          []sortedTxData
	creationTime uint64
}

// scannerState is the persisted form of a ColorScanner.
type scannerState struct {
	tracks   []*trackState
	blockTxs []blockTxEntry
	pending  [][]byte
}

// EncodeScanner serializes the scanner's full state into the persisted wire
// representation used by the wallet-extension envelope.
func EncodeScanner(s *ColorScanner) ([]byte, error) {
	s.mtx.Lock()
	state := s.snapshotState()
	s.mtx.Unlock()

	stream, err := tlv.NewStream(
		tlv.MakeDynamicRecord(
			typeScannerTracks, &state.tracks, func() uint64 {
				return recordSize(tracksEncoder, &state.tracks)
			}, tracksEncoder, tracksDecoder,
		),
		tlv.MakeDynamicRecord(
			typeScannerBlockTx, &state.blockTxs, func() uint64 {
				return recordSize(
					blockTxsEncoder, &state.blockTxs,
				)
			}, blockTxsEncoder, blockTxsDecoder,
		),
		tlv.MakeDynamicRecord(
			typeScannerPending, &state.pending, func() uint64 {
				return recordSize(
					rawTxsEncoder, &state.pending,
				)
			}, rawTxsEncoder, rawTxsDecoder,
		),
	)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// snapshotState captures the scanner state in a deterministic order.  The
// caller must hold the scanner lock.
func (s *ColorScanner) snapshotState() *scannerState {
	state := &scannerState{}

	for _, track := range s.tracks {
		defHash := track.definition.Hash()
		defJSON, err := json.Marshal(track.definition)
		if err != nil {
			// Definitions are validated on construction, so their
			// JSON encoding cannot fail.
			panic(err)
		}

		ts := &trackState{
			defJSON:      defJSON,
			outputs:      sortedOutPointValues(track.outputs),
			unspent:      sortedOutPointValues(track.unspentOutputs),
			creationTime: uint64(track.creationTime.Unix()),
		}
		copy(ts.defHash[:], defHash[:])
		for _, stx := range track.txs {
			ts.txs = append(ts.txs, sortedTxData{
				index: stx.Index,
				rawTx: serializeTx(stx.Tx),
			})
		}
		state.tracks = append(state.tracks, ts)
	}

	blockHashes := make([]chainhash.Hash, 0, len(s.mapBlockTx))
	for blockHash := range s.mapBlockTx {
		blockHashes = append(blockHashes, blockHash)
	}
	sort.Slice(blockHashes, func(i, j int) bool {
		return bytes.Compare(blockHashes[i][:], blockHashes[j][:]) < 0
	})
	for _, blockHash := range blockHashes {
		for _, stx := range s.mapBlockTx[blockHash] {
			state.blockTxs = append(state.blockTxs, blockTxEntry{
				blockHash: blockHash,
				tx: sortedTxData{
					index: stx.Index,
					rawTx: serializeTx(stx.Tx),
				},
			})
		}
	}

	pendingHashes := make([]chainhash.Hash, 0, len(s.pending))
	for txHash := range s.pending {
		pendingHashes = append(pendingHashes, txHash)
	}
	sort.Slice(pendingHashes, func(i, j int) bool {
		return bytes.Compare(pendingHashes[i][:], pendingHashes[j][:]) < 0
	})
	for _, txHash := range pendingHashes {
		state.pending = append(state.pending,
			serializeTx(s.pending[txHash]))
	}

	return state
}

// DecodeScanner deserializes persisted scanner state and installs it into
// the given scanner.  Tracks are matched to registered definitions by hash;
// a track whose definition hash is unknown has its embedded definition
// description decoded and registered first.  A decoding failure returns an
// ErrMalformedState error and a persisted definition conflicting with a
// registered one returns ErrDuplicateDefinition; a restore that fails for
// any reason installs no partial state.
func DecodeScanner(data []byte, s *ColorScanner) error {
	state := &scannerState{}
	stream, err := tlv.NewStream(
		tlv.MakeDynamicRecord(
			typeScannerTracks, &state.tracks, func() uint64 {
				return recordSize(tracksEncoder, &state.tracks)
			}, tracksEncoder, tracksDecoder,
		),
		tlv.MakeDynamicRecord(
			typeScannerBlockTx, &state.blockTxs, func() uint64 {
				return recordSize(
					blockTxsEncoder, &state.blockTxs,
				)
			}, blockTxsEncoder, blockTxsDecoder,
		),
		tlv.MakeDynamicRecord(
			typeScannerPending, &state.pending, func() uint64 {
				return recordSize(
					rawTxsEncoder, &state.pending,
				)
			}, rawTxsEncoder, rawTxsDecoder,
		),
	)
	if err != nil {
		return err
	}
	err = stream.Decode(bytes.NewReader(data))
	if err != nil {
		return scannerError(ErrMalformedState,
			"unable to decode scanner state", err)
	}

	// Parse everything that can fail before touching scanner state.
	mapBlockTx := make(map[chainhash.Hash][]SortedTransaction)
	for _, entry := range state.blockTxs {
		tx, err := btcutil.NewTxFromBytes(entry.tx.rawTx)
		if err != nil {
			return scannerError(ErrMalformedState,
				"bad indexed transaction", err)
		}
		mapBlockTx[entry.blockHash] = insertSorted(
			mapBlockTx[entry.blockHash],
			SortedTransaction{Tx: tx, Index: entry.tx.index},
		)
	}

	pending := make(map[chainhash.Hash]*btcutil.Tx)
	for _, rawTx := range state.pending {
		tx, err := btcutil.NewTxFromBytes(rawTx)
		if err != nil {
			return scannerError(ErrMalformedState,
				"bad pending transaction", err)
		}
		pending[*tx.Hash()] = tx
	}

	type decodedTrack struct {
		state      *trackState
		definition *colordef.ColorDefinition
		txs        []SortedTransaction
	}
	decoded := make([]*decodedTrack, 0, len(state.tracks))
	for _, ts := range state.tracks {
		if len(ts.defJSON) == 0 {
			log.Warnf("Persisted track %x carries no definition "+
				"description, skipping", ts.defHash)
			continue
		}
		definition := &colordef.ColorDefinition{}
		if err := json.Unmarshal(ts.defJSON, definition); err != nil {
			return scannerError(ErrMalformedState,
				"bad color definition description", err)
		}
		defHash := definition.Hash()
		if !bytes.Equal(defHash[:], ts.defHash[:]) {
			str := fmt.Sprintf("definition description hashes to "+
				"%v, record says %x", defHash, ts.defHash)
			return scannerError(ErrMalformedState, str, nil)
		}

		dt := &decodedTrack{state: ts, definition: definition}
		for _, txData := range ts.txs {
			tx, err := btcutil.NewTxFromBytes(txData.rawTx)
			if err != nil {
				return scannerError(ErrMalformedState,
					"bad applied transaction", err)
			}
			dt.txs = append(dt.txs, SortedTransaction{
				Tx: tx, Index: txData.index,
			})
		}
		decoded = append(decoded, dt)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	// Check every definition that would need registering before touching
	// any scanner state, so a conflicting restore installs nothing.
	staged := make([]*colordef.ColorDefinition, 0, len(decoded))
stage:
	for _, dt := range decoded {
		hash := dt.definition.Hash()
		if _, ok := s.trackByHash[hash]; ok {
			continue
		}
		for _, prev := range staged {
			if prev.Hash() == hash {
				continue stage
			}
		}
		err := s.checkGenesisConflict(dt.definition, staged)
		if err != nil {
			return err
		}
		staged = append(staged, dt.definition)
	}

	s.mapBlockTx = mapBlockTx
	s.pending = pending

	for _, dt := range decoded {
		track, ok := s.trackByHash[dt.definition.Hash()]
		if !ok {
			track, err = s.addDefinition(dt.definition)
			if err != nil {
				return err
			}
		}

		track.outputs = make(map[wire.OutPoint]int64)
		for _, row := range dt.state.outputs {
			track.outputs[row.op] = int64(row.value)
		}
		track.unspentOutputs = make(map[wire.OutPoint]int64)
		for _, row := range dt.state.unspent {
			track.unspentOutputs[row.op] = int64(row.value)
		}
		track.txs = dt.txs
		track.applied = fnSetFromTxs(dt.txs)
		track.creationTime = time.Unix(
			int64(dt.state.creationTime), 0,
		)
	}

	log.Infof("Restored scanner state: %d tracks, %d indexed blocks, "+
		"%d pending txs", len(decoded), len(mapBlockTx), len(pending))
	return nil
}

// serializeTx returns the exact wire serialization of tx.
func serializeTx(tx *btcutil.Tx) []byte {
	var buf bytes.Buffer
	// Serializing a parsed transaction to a buffer cannot fail.
	if err := tx.MsgTx().Serialize(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// sortedOutPointValues flattens an outpoint table into rows ordered by
// outpoint hash then index, for deterministic encoding.
func sortedOutPointValues(m map[wire.OutPoint]int64) []outPointValue {
	rows := make([]outPointValue, 0, len(m))
	for op, value := range m {
		rows = append(rows, outPointValue{op: op, value: uint64(value)})
	}
	sort.Slice(rows, func(i, j int) bool {
		c := bytes.Compare(rows[i].op.Hash[:], rows[j].op.Hash[:])
		if c != 0 {
			return c < 0
		}
		return rows[i].op.Index < rows[j].op.Index
	})
	return rows
}

// tracksEncoder is a custom TLV encoder for the track record list.  Each
// track is encoded as an inner TLV stream prefixed with its varint length.
func tracksEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	v, ok := val.(*[]*trackState)
	if !ok {
		return tlv.NewTypeForEncodingErr(val, "[]*trackState")
	}

	for _, ts := range *v {
		stream, err := tlv.NewStream(
			tlv.MakePrimitiveRecord(typeTrackDefHash, &ts.defHash),
			tlv.MakePrimitiveRecord(typeTrackDefJSON, &ts.defJSON),
			tlv.MakeDynamicRecord(
				typeTrackOutputs, &ts.outputs, func() uint64 {
					return recordSize(
						outPointValuesEncoder,
						&ts.outputs,
					)
				}, outPointValuesEncoder,
				outPointValuesDecoder,
			),
			tlv.MakeDynamicRecord(
				typeTrackUnspent, &ts.unspent, func() uint64 {
					return recordSize(
						outPointValuesEncoder,
						&ts.unspent,
					)
				}, outPointValuesEncoder,
				outPointValuesDecoder,
			),
			tlv.MakeDynamicRecord(
				typeTrackTxs, &ts.txs, func() uint64 {
					return recordSize(
						sortedTxsEncoder, &ts.txs,
					)
				}, sortedTxsEncoder, sortedTxsDecoder,
			),
			tlv.MakePrimitiveRecord(
				typeTrackCreationTime, &ts.creationTime,
			),
		)
		if err != nil {
			return err
		}

		var inner bytes.Buffer
		if err := stream.Encode(&inner); err != nil {
			return err
		}
		err = tlv.WriteVarInt(w, uint64(inner.Len()), buf)
		if err != nil {
			return err
		}
		if _, err := w.Write(inner.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// tracksDecoder is the matching TLV decoder for the track record list.
func tracksDecoder(r io.Reader, val interface{}, buf *[8]byte, l uint64) error {
	v, ok := val.(*[]*trackState)
	if !ok {
		return tlv.NewTypeForDecodingErr(val, "[]*trackState", l, l)
	}

	outerReader := io.LimitedReader{R: r, N: int64(l)}
	var tracks []*trackState
	for {
		innerLen, err := tlv.ReadVarInt(&outerReader, buf)
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}

		innerReader := io.LimitedReader{
			R: &outerReader,
			N: int64(innerLen),
		}

		ts := &trackState{}
		stream, err := tlv.NewStream(
			tlv.MakePrimitiveRecord(typeTrackDefHash, &ts.defHash),
			tlv.MakePrimitiveRecord(typeTrackDefJSON, &ts.defJSON),
			tlv.MakeDynamicRecord(
				typeTrackOutputs, &ts.outputs, func() uint64 {
					return recordSize(
						outPointValuesEncoder,
						&ts.outputs,
					)
				}, outPointValuesEncoder,
				outPointValuesDecoder,
			),
			tlv.MakeDynamicRecord(
				typeTrackUnspent, &ts.unspent, func() uint64 {
					return recordSize(
						outPointValuesEncoder,
						&ts.unspent,
					)
				}, outPointValuesEncoder,
				outPointValuesDecoder,
			),
			tlv.MakeDynamicRecord(
				typeTrackTxs, &ts.txs, func() uint64 {
					return recordSize(
						sortedTxsEncoder, &ts.txs,
					)
				}, sortedTxsEncoder, sortedTxsDecoder,
			),
			tlv.MakePrimitiveRecord(
				typeTrackCreationTime, &ts.creationTime,
			),
		)
		if err != nil {
			return err
		}
		if err := stream.Decode(&innerReader); err != nil {
			return err
		}
		tracks = append(tracks, ts)
	}

	*v = tracks
	return nil
}

// outPointValuesEncoder is a custom TLV encoder for an outpoint-to-quantity
// table flattened into sorted rows.
func outPointValuesEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	v, ok := val.(*[]outPointValue)
	if !ok {
		return tlv.NewTypeForEncodingErr(val, "[]outPointValue")
	}

	if err := tlv.WriteVarInt(w, uint64(len(*v)), buf); err != nil {
		return err
	}
	for i := range *v {
		row := &(*v)[i]
		if _, err := w.Write(row.op.Hash[:]); err != nil {
			return err
		}
		binary.BigEndian.PutUint32(buf[:4], row.op.Index)
		if _, err := w.Write(buf[:4]); err != nil {
			return err
		}
		binary.BigEndian.PutUint64(buf[:], row.value)
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}

// outPointValuesDecoder is the matching decoder for outPointValuesEncoder.
func outPointValuesDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	v, ok := val.(*[]outPointValue)
	if !ok {
		return tlv.NewTypeForDecodingErr(val, "[]outPointValue", l, l)
	}

	count, err := tlv.ReadVarInt(r, buf)
	if err != nil {
		return err
	}
	if count > maxStateElements {
		return fmt.Errorf("outpoint table claims %d entries", count)
	}

	rows := make([]outPointValue, 0, count)
	for i := uint64(0); i < count; i++ {
		var row outPointValue
		if _, err := io.ReadFull(r, row.op.Hash[:]); err != nil {
			return err
		}
		if _, err := io.ReadFull(r, buf[:4]); err != nil {
			return err
		}
		row.op.Index = binary.BigEndian.Uint32(buf[:4])
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return err
		}
		row.value = binary.BigEndian.Uint64(buf[:])
		rows = append(rows, row)
	}

	*v = rows
	return nil
}

// sortedTxsEncoder is a custom TLV encoder for a list of raw transactions
// paired with their intra-block indexes.
func sortedTxsEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	v, ok := val.(*[]sortedTxData)
	if !ok {
		return tlv.NewTypeForEncodingErr(val, "[]sortedTxData")
	}

	if err := tlv.WriteVarInt(w, uint64(len(*v)), buf); err != nil {
		return err
	}
	for i := range *v {
		row := &(*v)[i]
		binary.BigEndian.PutUint32(buf[:4], row.index)
		if _, err := w.Write(buf[:4]); err != nil {
			return err
		}
		err := tlv.WriteVarInt(w, uint64(len(row.rawTx)), buf)
		if err != nil {
			return err
		}
		if _, err := w.Write(row.rawTx); err != nil {
			return err
		}
	}
	return nil
}

// sortedTxsDecoder is the matching decoder for sortedTxsEncoder.
func sortedTxsDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	v, ok := val.(*[]sortedTxData)
	if !ok {
		return tlv.NewTypeForDecodingErr(val, "[]sortedTxData", l, l)
	}

	count, err := tlv.ReadVarInt(r, buf)
	if err != nil {
		return err
	}
	if count > maxStateElements {
		return fmt.Errorf("transaction list claims %d entries", count)
	}

	rows := make([]sortedTxData, 0, count)
	for i := uint64(0); i < count; i++ {
		var row sortedTxData
		if _, err := io.ReadFull(r, buf[:4]); err != nil {
			return err
		}
		row.index = binary.BigEndian.Uint32(buf[:4])
		txLen, err := tlv.ReadVarInt(r, buf)
		if err != nil {
			return err
		}
		if txLen > wire.MaxBlockPayload {
			return fmt.Errorf("transaction claims %d bytes", txLen)
		}
		row.rawTx = make([]byte, txLen)
		if _, err := io.ReadFull(r, row.rawTx); err != nil {
			return err
		}
		rows = append(rows, row)
	}

	*v = rows
	return nil
}

// blockTxsEncoder is a custom TLV encoder for the block-to-transaction
// index flattened into rows.
func blockTxsEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	v, ok := val.(*[]blockTxEntry)
	if !ok {
		return tlv.NewTypeForEncodingErr(val, "[]blockTxEntry")
	}

	if err := tlv.WriteVarInt(w, uint64(len(*v)), buf); err != nil {
		return err
	}
	for i := range *v {
		row := &(*v)[i]
		if _, err := w.Write(row.blockHash[:]); err != nil {
			return err
		}
		rows := []sortedTxData{row.tx}
		if err := sortedTxsEncoder(w, &rows, buf); err != nil {
			return err
		}
	}
	return nil
}

// blockTxsDecoder is the matching decoder for blockTxsEncoder.
func blockTxsDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	v, ok := val.(*[]blockTxEntry)
	if !ok {
		return tlv.NewTypeForDecodingErr(val, "[]blockTxEntry", l, l)
	}

	count, err := tlv.ReadVarInt(r, buf)
	if err != nil {
		return err
	}
	if count > maxStateElements {
		return fmt.Errorf("block index claims %d entries", count)
	}

	rows := make([]blockTxEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		var row blockTxEntry
		if _, err := io.ReadFull(r, row.blockHash[:]); err != nil {
			return err
		}
		var txs []sortedTxData
		err := sortedTxsDecoder(r, &txs, buf, 0)
		if err != nil {
			return err
		}
		if len(txs) != 1 {
			return fmt.Errorf("block index row holds %d "+
				"transactions", len(txs))
		}
		row.tx = txs[0]
		rows = append(rows, row)
	}

	*v = rows
	return nil
}

// rawTxsEncoder is a custom TLV encoder for a list of raw transactions.
func rawTxsEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	v, ok := val.(*[][]byte)
	if !ok {
		return tlv.NewTypeForEncodingErr(val, "[][]byte")
	}

	if err := tlv.WriteVarInt(w, uint64(len(*v)), buf); err != nil {
		return err
	}
	for _, rawTx := range *v {
		err := tlv.WriteVarInt(w, uint64(len(rawTx)), buf)
		if err != nil {
			return err
		}
		if _, err := w.Write(rawTx); err != nil {
			return err
		}
	}
	return nil
}

// rawTxsDecoder is the matching decoder for rawTxsEncoder.
func rawTxsDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	v, ok := val.(*[][]byte)
	if !ok {
		return tlv.NewTypeForDecodingErr(val, "[][]byte", l, l)
	}

	count, err := tlv.ReadVarInt(r, buf)
	if err != nil {
		return err
	}
	if count > maxStateElements {
		return fmt.Errorf("pending list claims %d entries", count)
	}

	rows := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		txLen, err := tlv.ReadVarInt(r, buf)
		if err != nil {
			return err
		}
		if txLen > wire.MaxBlockPayload {
			return fmt.Errorf("transaction claims %d bytes", txLen)
		}
		rawTx := make([]byte, txLen)
		if _, err := io.ReadFull(r, rawTx); err != nil {
			return err
		}
		rows = append(rows, rawTx)
	}

	*v = rows
	return nil
}

// recordSize returns the amount of bytes a custom TLV record will occupy
// when encoded.
func recordSize(encoder tlv.Encoder, v interface{}) uint64 {
	var (
		b   bytes.Buffer
		buf [8]byte
	)
	if err := encoder(&b, v, &buf); err != nil {
		log.Errorf("encoding the record failed: %v", err)
	}
	return uint64(b.Len())
}
