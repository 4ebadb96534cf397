package txkv

import (
	"bytes"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"
)

func TestUndoRecordRoundtrip(t *testing.T) {
	records := []undoRecord{
		{kind: undoRow, table: 3, key: 99},
		{kind: undoIndexInsert, table: 7, key: 1234, fields: []Field{TextField("x"), IntField(5)}, rowKey: 99},
		{kind: undoIndexDelete, table: 7, key: 17, fields: []Field{NullField()}, rowKey: 2},
	}
	data, err := encodeUndoLog(records)
	require.NoError(t, err)
	got, err := decodeUndoLog(data)
	require.NoError(t, err)
	require.Len(t, got, len(records))
	for i, want := range records {
		require.Equal(t, want.kind, got[i].kind)
		require.Equal(t, want.table, got[i].table)
		require.Equal(t, want.key, got[i].key)
		require.Zero(t, fieldsCompare(want.fields, got[i].fields))
		require.Equal(t, want.rowKey, got[i].rowKey)
	}

	_, err = decodeUndoLog(append(data, 0))
	require.Error(t, err)
}

func TestUndoLogRejectsBadKind(t *testing.T) {
	body := appendUvarint(nil, 1)
	body = appendByte(body, 9)
	data := appendFixedUint64(nil, xxhash.Sum64(body))
	data = appendRaw(data, body)
	_, err := decodeUndoLog(data)
	var derr *DataError
	require.ErrorAs(t, err, &derr)
	require.ErrorContains(t, err, "kind")
}

func TestUndoChunkSplit(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 2500)
	chunks := splitUndoChunks(data)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 1024)
	require.Len(t, chunks[1], 1024)
	require.Len(t, chunks[2], 452)

	small := splitUndoChunks([]byte{1})
	require.Len(t, small, 1)
	empty := splitUndoChunks(nil)
	require.Len(t, empty, 1)
}

func TestUndoLogChecksum(t *testing.T) {
	records := []undoRecord{{kind: undoRow, table: 1, key: 2}}
	data, err := encodeUndoLog(records)
	require.NoError(t, err)

	data[len(data)-1] ^= 1
	_, err = decodeUndoLog(data)
	require.ErrorContains(t, err, "checksum mismatch")
}

func TestUndoChunkKey(t *testing.T) {
	require.Equal(t, Key(5<<16), undoChunkKey(5, 0))
	require.Equal(t, Key(5<<16|3), undoChunkKey(5, 3))
	require.NotEqual(t, undoChunkKey(5, 1), undoChunkKey(6, 0))
}

func TestUndoLogWriteReadDrop(t *testing.T) {
	store := NewMemStore()
	logRef, err := store.CreateTable("txlog")
	require.NoError(t, err)

	big := make([]undoRecord, 200)
	for i := range big {
		big[i] = undoRecord{
			kind:   undoIndexInsert,
			table:  2,
			key:    Key(i),
			fields: []Field{TextField("some indexed value"), BigIntField(int64(i))},
			rowKey: Key(i * 7),
		}
	}

	const version = 42
	futures, nChunks, err := writeUndoLog(store, logRef.ID, version, big)
	require.NoError(t, err)
	require.Greater(t, nChunks, 1, "200 index records should not fit one chunk")
	require.NoError(t, waitAll(futures))

	// No stored record may exceed the chunk size bound.
	stored, err := store.Range(logRef.ID).Wait()
	require.NoError(t, err)
	require.Len(t, stored, nChunks)
	for _, kv := range stored {
		require.LessOrEqual(t, len(kv.Data), undoChunkSize)
	}

	snap, err := store.Begin()
	require.NoError(t, err)
	got, gotChunks, err := readUndoLog(store, snap, logRef.ID, version)
	require.NoError(t, err)
	require.Equal(t, nChunks, gotChunks)
	require.Len(t, got, len(big))
	require.Equal(t, big[199].rowKey, got[199].rowKey)

	require.NoError(t, dropUndoLog(store, logRef.ID, version, nChunks))
	kvs, err := store.Range(logRef.ID).Wait()
	require.NoError(t, err)
	require.Empty(t, kvs)

	// A version with no log reads as nothing.
	none, _, err := readUndoLog(store, snap, logRef.ID, 777)
	require.NoError(t, err)
	require.Nil(t, none)
}
