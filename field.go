package txkv

import (
	"bytes"
	"fmt"
	"math"
)

// FieldType is the closed set of value variants a field can hold. The wire
// size and encoding of a field depend only on this tag; decoding never needs
// external schema information.
type FieldType uint8

const (
	TypeNone     FieldType = 0 // absent, carries no payload
	TypeNull     FieldType = 1 // explicit null, carries no payload
	TypeSmallInt FieldType = 2 // 16-bit signed integer
	TypeInt      FieldType = 3 // 32-bit signed integer
	TypeBigInt   FieldType = 4 // 64-bit signed integer
	TypeFloat    FieldType = 5 // 32-bit float
	TypeDouble   FieldType = 6 // 64-bit float
	TypeText     FieldType = 7 // length-prefixed text payload
	TypeBlob     FieldType = 8 // length-prefixed byte payload

	maxFieldType = TypeBlob
)

// maxPayloadLen is the largest representable text/blob payload (the length
// prefix is a 4-byte unsigned integer).
const maxPayloadLen = math.MaxUint32

func (t FieldType) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeNull:
		return "null"
	case TypeSmallInt:
		return "smallint"
	case TypeInt:
		return "int"
	case TypeBigInt:
		return "bigint"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	case TypeText:
		return "text"
	case TypeBlob:
		return "blob"
	default:
		return fmt.Sprintf("invalid field type %d", uint8(t))
	}
}

func (t FieldType) isNumeric() bool {
	switch t {
	case TypeSmallInt, TypeInt, TypeBigInt, TypeFloat, TypeDouble:
		return true
	default:
		return false
	}
}

func (t FieldType) isInteger() bool {
	switch t {
	case TypeSmallInt, TypeInt, TypeBigInt:
		return true
	default:
		return false
	}
}

// Field is a typed value variant. Immutable once constructed.
type Field struct {
	typ FieldType
	num int64
	fp  float64
	str []byte
}

func NoField() Field                { return Field{typ: TypeNone} }
func NullField() Field              { return Field{typ: TypeNull} }
func SmallIntField(v int16) Field   { return Field{typ: TypeSmallInt, num: int64(v)} }
func IntField(v int32) Field        { return Field{typ: TypeInt, num: int64(v)} }
func BigIntField(v int64) Field     { return Field{typ: TypeBigInt, num: v} }
func FloatField(v float32) Field    { return Field{typ: TypeFloat, fp: float64(v)} }
func DoubleField(v float64) Field   { return Field{typ: TypeDouble, fp: v} }
func TextField(v string) Field      { return Field{typ: TypeText, str: []byte(v)} }
func BlobField(v []byte) Field      { return Field{typ: TypeBlob, str: v} }

func (f Field) Type() FieldType { return f.typ }

func (f Field) IsSet() bool  { return f.typ != TypeNone }
func (f Field) IsNull() bool { return f.typ == TypeNull }

func (f Field) Int16() int16 {
	f.requireType(TypeSmallInt)
	return int16(f.num)
}
func (f Field) Int32() int32 {
	f.requireType(TypeInt)
	return int32(f.num)
}
func (f Field) Int64() int64 {
	f.requireType(TypeBigInt)
	return f.num
}
func (f Field) Float32() float32 {
	f.requireType(TypeFloat)
	return float32(f.fp)
}
func (f Field) Float64() float64 {
	f.requireType(TypeDouble)
	return f.fp
}
func (f Field) Text() string {
	f.requireType(TypeText)
	return string(f.str)
}
func (f Field) Blob() []byte {
	f.requireType(TypeBlob)
	return f.str
}

func (f Field) requireType(t FieldType) {
	if f.typ != t {
		panic(fmt.Errorf("txkv: field is %v, not %v", f.typ, t))
	}
}

func (f Field) String() string {
	switch f.typ {
	case TypeNone:
		return "<unset>"
	case TypeNull:
		return "<null>"
	case TypeSmallInt, TypeInt, TypeBigInt:
		return fmt.Sprint(f.num)
	case TypeFloat, TypeDouble:
		return fmt.Sprint(f.fp)
	case TypeText:
		return string(f.str)
	case TypeBlob:
		return hexstr(f.str)
	default:
		return fmt.Sprintf("<invalid %d>", uint8(f.typ))
	}
}

// fieldSize returns the wire size of f: one tag byte plus the payload.
func fieldSize(f Field) int {
	switch f.typ {
	case TypeNone, TypeNull:
		return 1
	case TypeSmallInt:
		return 1 + 2
	case TypeInt, TypeFloat:
		return 1 + 4
	case TypeBigInt, TypeDouble:
		return 1 + 8
	case TypeText, TypeBlob:
		return 1 + 4 + len(f.str)
	default:
		panic(fmt.Errorf("txkv: invalid field type %d", uint8(f.typ)))
	}
}

// appendField encodes f onto buf. Text/blob payloads longer than 2^32-1
// bytes are not representable and are rejected here.
func appendField(buf []byte, f Field) ([]byte, error) {
	buf = ensureCapacity(buf, len(buf)+fieldSize(f))
	buf = appendByte(buf, byte(f.typ))
	switch f.typ {
	case TypeNone, TypeNull:
	case TypeSmallInt:
		buf = appendFixedUint16(buf, uint16(f.num))
	case TypeInt:
		buf = appendFixedUint32(buf, uint32(f.num))
	case TypeBigInt:
		buf = appendFixedUint64(buf, uint64(f.num))
	case TypeFloat:
		buf = appendFixedUint32(buf, math.Float32bits(float32(f.fp)))
	case TypeDouble:
		buf = appendFixedUint64(buf, math.Float64bits(f.fp))
	case TypeText, TypeBlob:
		if uint64(len(f.str)) > maxPayloadLen {
			return nil, dataErrf(nil, 0, nil, "%v payload of %d bytes exceeds the representable maximum", f.typ, len(f.str))
		}
		buf = appendFixedUint32(buf, uint32(len(f.str)))
		buf = appendRaw(buf, f.str)
	default:
		panic(fmt.Errorf("txkv: invalid field type %d", uint8(f.typ)))
	}
	return buf, nil
}

// decodeField consumes exactly one encoded field. A tag outside the closed
// variant set is a data error, not a crash.
func decodeField(d *byteDecoder) (Field, error) {
	tag, err := d.Byte()
	if err != nil {
		return Field{}, err
	}
	typ := FieldType(tag)
	switch typ {
	case TypeNone:
		return NoField(), nil
	case TypeNull:
		return NullField(), nil
	case TypeSmallInt:
		v, err := d.FixedUint16()
		if err != nil {
			return Field{}, err
		}
		return SmallIntField(int16(v)), nil
	case TypeInt:
		v, err := d.FixedUint32()
		if err != nil {
			return Field{}, err
		}
		return IntField(int32(v)), nil
	case TypeBigInt:
		v, err := d.FixedUint64()
		if err != nil {
			return Field{}, err
		}
		return BigIntField(int64(v)), nil
	case TypeFloat:
		v, err := d.FixedUint32()
		if err != nil {
			return Field{}, err
		}
		return FloatField(math.Float32frombits(v)), nil
	case TypeDouble:
		v, err := d.FixedUint64()
		if err != nil {
			return Field{}, err
		}
		return DoubleField(math.Float64frombits(v)), nil
	case TypeText, TypeBlob:
		n, err := d.FixedUint32()
		if err != nil {
			return Field{}, err
		}
		raw, err := d.Raw(int(n))
		if err != nil {
			return Field{}, err
		}
		if typ == TypeText {
			return TextField(string(raw)), nil
		}
		return BlobField(bytes.Clone(raw)), nil
	default:
		return Field{}, dataErrf(d.Orig, d.Off()-1, nil, "invalid field tag %d", tag)
	}
}

// Equal reports whether two fields hold the same variant and value.
func (f Field) Equal(o Field) bool {
	return f.Compare(o) == 0
}

// Compare defines the total order used by composite index keys. Numeric
// variants compare numerically among themselves; otherwise variants order by
// tag, so null sorts before every value.
func (f Field) Compare(o Field) int {
	if f.typ.isNumeric() && o.typ.isNumeric() {
		if f.typ.isInteger() && o.typ.isInteger() {
			if f.num < o.num {
				return -1
			} else if f.num > o.num {
				return 1
			}
			return compareOrd(f.typ, o.typ)
		}
		a, b := f.numeric(), o.numeric()
		if a < b {
			return -1
		} else if a > b {
			return 1
		}
		return compareOrd(f.typ, o.typ)
	}
	if c := compareOrd(f.typ, o.typ); c != 0 {
		return c
	}
	switch f.typ {
	case TypeNone, TypeNull:
		return 0
	case TypeText, TypeBlob:
		return bytes.Compare(f.str, o.str)
	default:
		panic(fmt.Errorf("txkv: invalid field type %d", uint8(f.typ)))
	}
}

func (f Field) numeric() float64 {
	switch f.typ {
	case TypeSmallInt, TypeInt, TypeBigInt:
		return float64(f.num)
	default:
		return f.fp
	}
}

func compareOrd(a, b FieldType) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

// fieldsCompare orders two field lists lexicographically. A list that is a
// strict prefix of another sorts first, which is what makes prefix
// lower-bound seeks land on the first matching entry.
func fieldsCompare(a, b []Field) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	if len(a) < len(b) {
		return -1
	} else if len(a) > len(b) {
		return 1
	}
	return 0
}
