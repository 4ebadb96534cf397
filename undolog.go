package txkv

import (
	"github.com/cespare/xxhash/v2"
	"github.com/pingcap/errors"
)

// The undo log is the durable rollback plan of a committing transaction. It
// is written to the __txlog table before any forward writeback, so a crash
// mid-commit leaves enough information to compensate every write that may
// have reached the tier. Rollback replays the log in reverse; reverting a
// key that was never written is acknowledged as a no-op, so partial
// writeback is always recoverable.

type undoKind uint8

const (
	undoRow         undoKind = 1
	undoIndexInsert undoKind = 2
	undoIndexDelete undoKind = 3
)

// undoRecord describes one compensatable write. Row records name the row
// region and row key; index records name the node region and entry id, plus
// the indexed field values and row key needed to fix shared node caches.
type undoRecord struct {
	kind   undoKind
	table  TableID
	key    Key
	fields []Field // index records only
	rowKey Key     // index records only
}

func appendUndoRecord(buf []byte, r undoRecord) ([]byte, error) {
	buf = appendByte(buf, byte(r.kind))
	buf = appendUvarint(buf, uint64(r.table))
	buf = appendUvarint(buf, uint64(r.key))
	if r.kind == undoIndexInsert || r.kind == undoIndexDelete {
		fw, err := encodeKeyFields(nil, r.fields)
		if err != nil {
			return nil, err
		}
		buf = appendVarbytes(buf, fw)
		buf = appendUvarint(buf, uint64(r.rowKey))
	}
	return buf, nil
}

func decodeUndoRecord(d *byteDecoder) (undoRecord, error) {
	var r undoRecord
	kind, err := d.Byte()
	if err != nil {
		return r, err
	}
	r.kind = undoKind(kind)
	if r.kind < undoRow || r.kind > undoIndexDelete {
		return r, dataErrf(d.Orig, d.Off(), nil, "invalid undo record kind %d", kind)
	}
	table, err := d.Uvarint()
	if err != nil {
		return r, err
	}
	r.table = TableID(table)
	key, err := d.Uvarint()
	if err != nil {
		return r, err
	}
	r.key = Key(key)
	if r.kind == undoIndexInsert || r.kind == undoIndexDelete {
		fw, err := d.VarBytes()
		if err != nil {
			return r, err
		}
		r.fields, err = decodeKeyFields(fw)
		if err != nil {
			return r, err
		}
		rowKey, err := d.Uvarint()
		if err != nil {
			return r, err
		}
		r.rowKey = Key(rowKey)
	}
	return r, nil
}

// encodeUndoLog serializes the whole plan: an 8-byte xxhash64 checksum of
// the body, then the body itself (uvarint record count followed by the
// records in writeback order).
func encodeUndoLog(records []undoRecord) ([]byte, error) {
	body := appendUvarint(nil, uint64(len(records)))
	var err error
	for _, r := range records {
		body, err = appendUndoRecord(body, r)
		if err != nil {
			return nil, err
		}
	}
	buf := appendFixedUint64(nil, xxhash.Sum64(body))
	return appendRaw(buf, body), nil
}

func decodeUndoLog(data []byte) ([]undoRecord, error) {
	d := makeByteDecoder(data)
	sum, err := d.FixedUint64()
	if err != nil {
		return nil, err
	}
	body := data[d.Off():]
	if actual := xxhash.Sum64(body); actual != sum {
		return nil, dataErrf(data, 0, nil, "undo log checksum mismatch: stored %016x, computed %016x", sum, actual)
	}
	n, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	records := make([]undoRecord, 0, n)
	for i := 0; i < n; i++ {
		r, err := decodeUndoRecord(&d)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if d.Remaining() != 0 {
		return nil, dataErrf(data, d.Off(), nil, "%d trailing bytes after undo log", d.Remaining())
	}
	return records, nil
}

// Chunking. The serialized log is split into raw chunks of at most
// undoChunkSize bytes, so no single stored record exceeds that bound.
// Chunks are keyed by (snapshot version << 16) | chunk number, which bounds
// a transaction to 65536 chunks.
const (
	undoChunkSize  = 1024
	undoChunkShift = 16
	maxUndoChunks  = 1 << undoChunkShift
)

func undoChunkKey(version uint64, n int) Key {
	return Key(version<<undoChunkShift | uint64(n))
}

func splitUndoChunks(data []byte) [][]byte {
	var chunks [][]byte
	for len(data) > undoChunkSize {
		chunks = append(chunks, data[:undoChunkSize])
		data = data[undoChunkSize:]
	}
	return append(chunks, data)
}

// writeUndoLog persists the plan into the log table and returns one future
// per chunk, in chunk order. The caller must await every future before
// starting writeback.
func writeUndoLog(store Store, txLogID TableID, version uint64, records []undoRecord) ([]*Future[Ack], int, error) {
	data, err := encodeUndoLog(records)
	if err != nil {
		return nil, 0, err
	}
	chunks := splitUndoChunks(data)
	if len(chunks) > maxUndoChunks {
		return nil, 0, errors.Errorf("txkv: undo log needs %d chunks, limit is %d", len(chunks), maxUndoChunks)
	}
	futures := make([]*Future[Ack], len(chunks))
	for i, chunk := range chunks {
		futures[i] = store.Insert(txLogID, undoChunkKey(version, i), chunk)
	}
	return futures, len(chunks), nil
}

// readUndoLog reassembles a persisted plan, reading chunks in order until
// one is missing. Returns the records and the number of chunks read.
func readUndoLog(store Store, snap Snapshot, txLogID TableID, version uint64) ([]undoRecord, int, error) {
	var data []byte
	var nChunks int
	for i := 0; i < maxUndoChunks; i++ {
		rec, err := store.Get(snap, txLogID, undoChunkKey(version, i)).Wait()
		if err != nil {
			return nil, 0, err
		}
		if !rec.Found() {
			break
		}
		data = append(data, rec.Data...)
		nChunks++
	}
	if data == nil {
		return nil, 0, nil
	}
	records, err := decodeUndoLog(data)
	if err != nil {
		return nil, 0, err
	}
	return records, nChunks, nil
}

// dropUndoLog removes a finished transaction's chunks. Issued after the
// outcome is settled either way; failures are reported but the transaction's
// outcome stands.
func dropUndoLog(store Store, txLogID TableID, version uint64, nChunks int) error {
	futures := make([]*Future[Ack], nChunks)
	for i := 0; i < nChunks; i++ {
		futures[i] = store.Remove(txLogID, undoChunkKey(version, i))
	}
	return waitAll(futures)
}
