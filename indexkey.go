package txkv

import "math"

// maxVersionMarker tags index keys staged by an uncommitted transaction.
// Staged entries for a given field combination sort after every committed
// version of that combination, so a reader sees committed state first and
// pending intent last without needing a real timestamp yet.
const maxVersionMarker = math.MaxUint64

// indexKey is an ordered tuple of (indexed field values, version marker,
// disambiguator), totally ordered and usable by the persisted index
// structure.
type indexKey struct {
	fields  []Field
	version uint64
	disamb  uint32
}

// minIndexKey is the reserved minimum/absent sentinel: an empty field list
// with the maximal version marker. Real keys always carry at least one
// field, so the sentinel never collides with one. The persisted structure
// uses it as an end-of-range marker.
func minIndexKey() indexKey {
	return indexKey{fields: nil, version: maxVersionMarker, disamb: 0}
}

func (k indexKey) isMin() bool {
	return len(k.fields) == 0 && k.version == maxVersionMarker && k.disamb == 0
}

// seekKey positions a lower-bound cursor at the first entry whose field list
// is >= prefix under the composite order.
func seekKey(prefix []Field) indexKey {
	return indexKey{fields: prefix, version: 0, disamb: 0}
}

func (k indexKey) compare(o indexKey) int {
	if c := fieldsCompare(k.fields, o.fields); c != 0 {
		return c
	}
	if k.version < o.version {
		return -1
	} else if k.version > o.version {
		return 1
	}
	if k.disamb < o.disamb {
		return -1
	} else if k.disamb > o.disamb {
		return 1
	}
	return 0
}

// encode appends the wire form: each key field's wire form in order,
// followed by the 8-byte version marker and 4-byte disambiguator.
func (k indexKey) encode(buf []byte) ([]byte, error) {
	var err error
	for _, f := range k.fields {
		buf, err = appendField(buf, f)
		if err != nil {
			return nil, err
		}
	}
	buf = appendFixedUint64(buf, k.version)
	buf = appendFixedUint32(buf, k.disamb)
	return buf, nil
}

const indexKeyTrailerSize = 8 + 4

// decodeIndexKey consumes the entire buffer: fields are tag-delimited, and
// the trailer occupies the final 12 bytes.
func decodeIndexKey(data []byte) (indexKey, error) {
	d := makeByteDecoder(data)
	var k indexKey
	for d.Remaining() > indexKeyTrailerSize {
		f, err := decodeField(&d)
		if err != nil {
			return indexKey{}, err
		}
		k.fields = append(k.fields, f)
	}
	if d.Remaining() != indexKeyTrailerSize {
		return indexKey{}, dataErrf(data, d.Off(), nil, "invalid index key: %d trailing bytes, %d wanted", d.Remaining(), indexKeyTrailerSize)
	}
	k.version = must(d.FixedUint64())
	k.disamb = must(d.FixedUint32())
	return k, nil
}

// encodeKeyFields encodes just the field-list portion of an index key, as
// stored in undo log records.
func encodeKeyFields(buf []byte, fields []Field) ([]byte, error) {
	var err error
	for _, f := range fields {
		buf, err = appendField(buf, f)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func decodeKeyFields(data []byte) ([]Field, error) {
	d := makeByteDecoder(data)
	var fields []Field
	for d.Remaining() > 0 {
		f, err := decodeField(&d)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, nil
}
