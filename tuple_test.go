package txkv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func personSchema() *Schema {
	return NewSchema().
		AddField("name", TypeText, true).
		AddField("age", TypeSmallInt, false).
		AddField("bio", TypeBlob, false).
		AddIndex("person_name", "name")
}

func TestTupleAccess(t *testing.T) {
	schema := personSchema()
	row := NewTuple(schema).
		Set("name", TextField("ada")).
		Set("age", SmallIntField(36))

	require.Equal(t, "ada", row.Field("name").Text())
	require.Equal(t, int16(36), row.Field("age").Int16())
	require.False(t, row.Field("bio").IsSet())
	require.Panics(t, func() { row.Field("nope") })

	c := row.clone()
	c.Set("name", TextField("grace"))
	require.Equal(t, "ada", row.Field("name").Text())
}

func TestTupleValidate(t *testing.T) {
	schema := personSchema()

	err := NewTuple(schema).Set("age", SmallIntField(1)).validate("people")
	var notSet *FieldNotSetError
	require.ErrorAs(t, err, &notSet)
	require.Equal(t, "name", notSet.Field)

	err = NewTuple(schema).
		Set("name", TextField("ada")).
		Set("age", IntField(36)).
		validate("people")
	var wrongType *WrongFieldTypeError
	require.ErrorAs(t, err, &wrongType)
	require.Equal(t, TypeSmallInt, wrongType.Want)
	require.Equal(t, TypeInt, wrongType.Got)

	require.NoError(t, NewTuple(schema).Set("name", TextField("ada")).validate("people"))
	require.NoError(t, NewTuple(schema).
		Set("name", TextField("ada")).
		Set("age", NullField()).
		validate("people"))
}

func TestTupleRoundtrip(t *testing.T) {
	schema := personSchema()
	row := NewTuple(schema).
		Set("name", TextField("ada")).
		Set("age", SmallIntField(36)).
		Set("bio", BlobField([]byte{1, 2, 3}))

	raw, err := appendTuple(nil, row)
	require.NoError(t, err)
	got, err := decodeTuplePayload(schema, raw)
	require.NoError(t, err)
	for i := 0; i < schema.NumFields(); i++ {
		require.True(t, row.At(i).Equal(got.At(i)))
	}

	_, err = decodeTuplePayload(schema, raw[:len(raw)-1])
	require.Error(t, err)
}
