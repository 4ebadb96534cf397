package txkv

import (
	"github.com/klauspost/compress/snappy"
)

type recordFlags uint64

const (
	rfVerBit0 = recordFlags(1 << iota)
	rfVerBit1
	rfVerBit2
	rfVerBit3
	rfCompressionBit0

	rfVerMask       = (rfVerBit0 | rfVerBit1 | rfVerBit2 | rfVerBit3)
	rfVer1          = rfVerBit0
	rfSnappy        = rfCompressionBit0
	rfSupportedMask = (rfVer1 | rfSnappy)
	rfDefault       = rfVer1

	maxSchemaVersion = 32768 // just a sanity value, can be increased
)

func (rf recordFlags) ver() recordFlags {
	return rf & rfVerMask
}

// encodeRecord frames a tuple into the opaque byte record stored in the
// tier: uvarint flags, uvarint schema version, tuple payload. The payload is
// snappy-compressed when that actually shrinks it.
func encodeRecord(buf []byte, schemaVer uint64, t *Tuple) ([]byte, error) {
	payload, err := appendTuple(nil, t)
	if err != nil {
		return nil, err
	}

	flags := rfDefault
	packed := snappy.Encode(nil, payload)
	if len(packed) < len(payload) {
		flags |= rfSnappy
		payload = packed
	}

	buf = appendUvarint(buf, uint64(flags))
	buf = appendUvarint(buf, schemaVer)
	buf = appendRaw(buf, payload)
	return buf, nil
}

func decodeRecord(schema *Schema, data []byte) (*Tuple, uint64, error) {
	d := makeByteDecoder(data)

	v, err := d.Uvarint()
	if err != nil {
		return nil, 0, dataErrf(data, d.Off(), err, "invalid record: bad flags")
	}
	flags := recordFlags(v)
	if (flags &^ rfSupportedMask) != 0 {
		return nil, 0, dataErrf(data, d.Off(), nil, "invalid record: unsupported flags %x", v)
	}
	if flags.ver() != rfVer1 {
		return nil, 0, dataErrf(data, d.Off(), nil, "invalid record: unsupported format version")
	}

	schemaVer, err := d.Uvarint()
	if err != nil || schemaVer > maxSchemaVersion {
		return nil, 0, dataErrf(data, d.Off(), err, "invalid record: bad schema version")
	}

	payload := d.Buf
	if flags&rfSnappy != 0 {
		payload, err = snappy.Decode(nil, payload)
		if err != nil {
			return nil, 0, dataErrf(data, d.Off(), err, "invalid record: bad compressed payload")
		}
	}

	t, err := decodeTuplePayload(schema, payload)
	if err != nil {
		return nil, 0, err
	}
	return t, schemaVer, nil
}
