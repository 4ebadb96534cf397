package txkv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFieldCompareNumeric(t *testing.T) {
	require.Equal(t, 0, IntField(42).Compare(IntField(42)))
	// Equal values of different widths tie-break on the variant tag, keeping
	// the order total.
	require.Negative(t, IntField(42).Compare(BigIntField(42)))
	require.Negative(t, SmallIntField(-1).Compare(IntField(0)))
	require.Positive(t, BigIntField(100).Compare(DoubleField(99.5)))
	require.Negative(t, FloatField(2.5).Compare(SmallIntField(3)))

	// Exact comparison for integers beyond float64 precision.
	a := BigIntField(1 << 53)
	b := BigIntField(1<<53 + 1)
	require.Negative(t, a.Compare(b))
	require.Positive(t, b.Compare(a))
}

func TestFieldCompareVariants(t *testing.T) {
	require.Negative(t, NullField().Compare(SmallIntField(-32768)))
	require.Negative(t, NullField().Compare(TextField("")))
	require.Negative(t, BigIntField(999).Compare(TextField("0")))
	require.Negative(t, TextField("abc").Compare(TextField("abd")))
	require.Negative(t, TextField("ab").Compare(TextField("abc")))
	require.Equal(t, 0, BlobField([]byte{1, 2}).Compare(BlobField([]byte{1, 2})))
	require.True(t, TextField("x").Equal(TextField("x")))
	require.False(t, TextField("x").Equal(BlobField([]byte("x"))))
}

func TestFieldRoundtrip(t *testing.T) {
	fields := []Field{
		NoField(),
		NullField(),
		SmallIntField(-12345),
		IntField(1 << 30),
		BigIntField(-1 << 60),
		FloatField(3.5),
		DoubleField(-2.25),
		TextField("héllo"),
		BlobField([]byte{0, 255, 7}),
		TextField(""),
	}
	var buf []byte
	for _, f := range fields {
		var err error
		before := len(buf)
		buf, err = appendField(buf, f)
		require.NoError(t, err)
		require.Equal(t, fieldSize(f), len(buf)-before)
	}

	d := makeByteDecoder(buf)
	for _, want := range fields {
		got, err := decodeField(&d)
		require.NoError(t, err)
		require.Equal(t, want.Type(), got.Type())
		require.True(t, want.Equal(got), "%v != %v", want, got)
	}
	require.Zero(t, d.Remaining())
}

func TestFieldDecodeBadTag(t *testing.T) {
	d := makeByteDecoder([]byte{99})
	_, err := decodeField(&d)
	var derr *DataError
	require.ErrorAs(t, err, &derr)
}

func TestFieldDecodeTruncated(t *testing.T) {
	full := must(appendField(nil, TextField("hello world")))
	for n := 0; n < len(full); n++ {
		d := makeByteDecoder(full[:n])
		_, err := decodeField(&d)
		require.Error(t, err, "prefix of %d bytes", n)
	}
}

func TestFieldsComparePrefix(t *testing.T) {
	a := []Field{TextField("x")}
	ab := []Field{TextField("x"), IntField(1)}
	require.Negative(t, fieldsCompare(a, ab))
	require.Positive(t, fieldsCompare(ab, a))
	require.Zero(t, fieldsCompare(ab, []Field{TextField("x"), IntField(1)}))
	require.Zero(t, fieldsCompare(nil, nil))
	require.Negative(t, fieldsCompare(nil, a))
}
