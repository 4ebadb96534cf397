package txkv

import "fmt"

// Tuple is an ordered row of fields bound to a table schema. Fields are
// addressed by schema position or by name.
type Tuple struct {
	schema *Schema
	fields []Field
}

func NewTuple(schema *Schema) *Tuple {
	return &Tuple{
		schema: schema,
		fields: make([]Field, schema.NumFields()),
	}
}

func (t *Tuple) Schema() *Schema {
	return t.schema
}

func (t *Tuple) At(id int) Field {
	return t.fields[id]
}

func (t *Tuple) Field(name string) Field {
	id, ok := t.schema.FieldID(name)
	if !ok {
		panic(fmt.Errorf("txkv: no field named %q", name))
	}
	return t.fields[id]
}

func (t *Tuple) SetAt(id int, f Field) *Tuple {
	t.fields[id] = f
	return t
}

func (t *Tuple) Set(name string, f Field) *Tuple {
	id, ok := t.schema.FieldID(name)
	if !ok {
		panic(fmt.Errorf("txkv: no field named %q", name))
	}
	t.fields[id] = f
	return t
}

func (t *Tuple) clone() *Tuple {
	fields := make([]Field, len(t.fields))
	copy(fields, t.fields)
	return &Tuple{schema: t.schema, fields: fields}
}

// validate checks the tuple against the schema before it is staged:
// a required not-null field that is unset or null is a FieldNotSetError,
// a set field whose variant differs from the declared type is a
// WrongFieldTypeError.
func (t *Tuple) validate(tableName string) error {
	for id, f := range t.fields {
		def := t.schema.fieldDef(id)
		if !f.IsSet() || f.IsNull() {
			if def.NotNull {
				return &FieldNotSetError{Table: tableName, Field: def.Name}
			}
			continue
		}
		if f.Type() != def.Type {
			return &WrongFieldTypeError{Table: tableName, Field: def.Name, Want: def.Type, Got: f.Type()}
		}
	}
	return nil
}

// appendTuple encodes the tuple payload: uvarint field count, then each
// field's wire form in schema order.
func appendTuple(buf []byte, t *Tuple) ([]byte, error) {
	buf = appendUvarint(buf, uint64(len(t.fields)))
	var err error
	for _, f := range t.fields {
		buf, err = appendField(buf, f)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func decodeTuplePayload(schema *Schema, data []byte) (*Tuple, error) {
	d := makeByteDecoder(data)
	n, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	if n != schema.NumFields() {
		return nil, dataErrf(data, d.Off(), nil, "tuple has %d fields, schema declares %d", n, schema.NumFields())
	}
	t := NewTuple(schema)
	for i := 0; i < n; i++ {
		f, err := decodeField(&d)
		if err != nil {
			return nil, err
		}
		t.fields[i] = f
	}
	if d.Remaining() != 0 {
		return nil, dataErrf(data, d.Off(), nil, "%d trailing bytes after tuple", d.Remaining())
	}
	return t, nil
}
