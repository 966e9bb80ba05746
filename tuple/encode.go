// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package tuple

import (
	"encoding/binary"
	"math"

	"github.com/burrowdb/burrow/errors"
)

// Key encoding is order-preserving: for two values of the same type,
// bytes.Compare on the encodings agrees with the value ordering. Each value
// is prefixed with a type tag; nil sorts first.
const (
	keyTagNil    = 0x00
	keyTagBool   = 0x01
	keyTagInt    = 0x02
	keyTagFloat  = 0x03
	keyTagString = 0x04
	keyTagBytes  = 0x05
)

// AppendKeyValue appends the order-preserving encoding of v to buf.
func AppendKeyValue(buf []byte, v Value) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(buf, keyTagNil), nil
	case bool:
		b := byte(0)
		if x {
			b = 1
		}
		return append(buf, keyTagBool, b), nil
	case int64:
		buf = append(buf, keyTagInt)
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(x)^(1<<63))
		return append(buf, tmp[:]...), nil
	case float64:
		buf = append(buf, keyTagFloat)
		bits := math.Float64bits(x)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], bits)
		return append(buf, tmp[:]...), nil
	case string:
		return appendKeyBytes(append(buf, keyTagString), []byte(x)), nil
	case []byte:
		return appendKeyBytes(append(buf, keyTagBytes), x), nil
	default:
		return nil, errors.Newf(errors.ErrUncoded, "cannot key-encode value of type %T", v)
	}
}

// appendKeyBytes escapes 0x00 as 0x00 0xFF and terminates with 0x00 0x00 so
// that prefixes sort before extensions.
func appendKeyBytes(buf, b []byte) []byte {
	for _, c := range b {
		if c == 0x00 {
			buf = append(buf, 0x00, 0xFF)
		} else {
			buf = append(buf, c)
		}
	}
	return append(buf, 0x00, 0x00)
}

// AppendRowID appends the order-preserving encoding of a synthetic row
// identifier.
func AppendRowID(buf []byte, rowid uint64) []byte {
	buf = append(buf, keyTagInt)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], rowid^(1<<63))
	return append(buf, tmp[:]...)
}

// Row codec: compact, not order-preserving. Used for stored row images and
// record payloads.
const (
	rowTagNil   = 0x00
	rowTagBool  = 0x01
	rowTagInt   = 0x02
	rowTagFloat = 0x03
	rowTagStr   = 0x04
	rowTagBytes = 0x05
	rowTagToast = 0x06
)

// EncodeRow serializes the row.
func EncodeRow(row Row) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = binary.AppendUvarint(buf, uint64(len(row)))
	for _, v := range row {
		var err error
		buf, err = appendRowValue(buf, v)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendRowValue(buf []byte, v Value) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(buf, rowTagNil), nil
	case bool:
		b := byte(0)
		if x {
			b = 1
		}
		return append(buf, rowTagBool, b), nil
	case int64:
		buf = append(buf, rowTagInt)
		return binary.AppendVarint(buf, x), nil
	case float64:
		buf = append(buf, rowTagFloat)
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(x))
		return append(buf, tmp[:]...), nil
	case string:
		buf = append(buf, rowTagStr)
		buf = binary.AppendUvarint(buf, uint64(len(x)))
		return append(buf, x...), nil
	case []byte:
		buf = append(buf, rowTagBytes)
		buf = binary.AppendUvarint(buf, uint64(len(x)))
		return append(buf, x...), nil
	case ToastRef:
		buf = append(buf, rowTagToast)
		buf = binary.AppendUvarint(buf, uint64(x.FieldNum))
		return binary.AppendUvarint(buf, uint64(x.Size)), nil
	default:
		return nil, errors.Newf(errors.ErrUncoded, "cannot encode value of type %T", v)
	}
}

// DecodeRow deserializes a row encoded by EncodeRow.
func DecodeRow(b []byte) (Row, error) {
	n, sz := binary.Uvarint(b)
	if sz <= 0 {
		return nil, errors.New(errors.ErrUncoded, "decoding row: bad field count")
	}
	b = b[sz:]
	row := make(Row, 0, n)
	for i := uint64(0); i < n; i++ {
		if len(b) == 0 {
			return nil, errors.New(errors.ErrUncoded, "decoding row: truncated")
		}
		tag := b[0]
		b = b[1:]
		switch tag {
		case rowTagNil:
			row = append(row, nil)
		case rowTagBool:
			if len(b) < 1 {
				return nil, errors.New(errors.ErrUncoded, "decoding row: truncated bool")
			}
			row = append(row, b[0] == 1)
			b = b[1:]
		case rowTagInt:
			v, sz := binary.Varint(b)
			if sz <= 0 {
				return nil, errors.New(errors.ErrUncoded, "decoding row: bad int")
			}
			row = append(row, v)
			b = b[sz:]
		case rowTagFloat:
			if len(b) < 8 {
				return nil, errors.New(errors.ErrUncoded, "decoding row: truncated float")
			}
			row = append(row, math.Float64frombits(binary.BigEndian.Uint64(b)))
			b = b[8:]
		case rowTagStr, rowTagBytes:
			l, sz := binary.Uvarint(b)
			if sz <= 0 || uint64(len(b)-sz) < l {
				return nil, errors.New(errors.ErrUncoded, "decoding row: bad length")
			}
			payload := b[sz : sz+int(l)]
			if tag == rowTagStr {
				row = append(row, string(payload))
			} else {
				row = append(row, append([]byte(nil), payload...))
			}
			b = b[sz+int(l):]
		case rowTagToast:
			fn, sz := binary.Uvarint(b)
			if sz <= 0 {
				return nil, errors.New(errors.ErrUncoded, "decoding row: bad toast ref")
			}
			b = b[sz:]
			l, sz := binary.Uvarint(b)
			if sz <= 0 {
				return nil, errors.New(errors.ErrUncoded, "decoding row: bad toast ref")
			}
			b = b[sz:]
			row = append(row, ToastRef{FieldNum: int(fn), Size: int(l)})
		default:
			return nil, errors.Newf(errors.ErrUncoded, "decoding row: unknown tag 0x%02x", tag)
		}
	}
	return row, nil
}
