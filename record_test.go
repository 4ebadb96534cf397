package txkv

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordRoundtrip(t *testing.T) {
	schema := personSchema()
	row := NewTuple(schema).
		Set("name", TextField("ada")).
		Set("age", SmallIntField(36))

	raw, err := encodeRecord(nil, 1, row)
	require.NoError(t, err)
	got, ver, err := decodeRecord(schema, raw)
	require.NoError(t, err)
	require.Equal(t, uint64(1), ver)
	require.Equal(t, "ada", got.Field("name").Text())
	require.Equal(t, int16(36), got.Field("age").Int16())
}

func TestRecordCompression(t *testing.T) {
	schema := personSchema()
	row := NewTuple(schema).
		Set("name", TextField("ada")).
		Set("bio", BlobField([]byte(strings.Repeat("compressible ", 200))))

	plain, err := appendTuple(nil, row)
	require.NoError(t, err)
	raw, err := encodeRecord(nil, 1, row)
	require.NoError(t, err)
	require.Less(t, len(raw), len(plain), "repetitive payload should compress")

	got, _, err := decodeRecord(schema, raw)
	require.NoError(t, err)
	require.True(t, row.Field("bio").Equal(got.Field("bio")))
}

func TestRecordRejectsUnknownFlags(t *testing.T) {
	schema := personSchema()
	raw := appendUvarint(nil, uint64(rfVer1|recordFlags(1<<10)))
	raw = appendUvarint(raw, 1)
	_, _, err := decodeRecord(schema, raw)
	var derr *DataError
	require.ErrorAs(t, err, &derr)

	raw = appendUvarint(nil, uint64(rfVerBit1)) // format version 2
	raw = appendUvarint(raw, 1)
	_, _, err = decodeRecord(schema, raw)
	require.ErrorAs(t, err, &derr)
}
