// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package decoder

import (
	"bytes"
	"fmt"

	"github.com/absmach/gameproxy/pkg/cursor"
	"github.com/absmach/gameproxy/pkg/structure"
)

func encoder(capacity int) *cursor.Writer {
	return cursor.NewWriter(capacity)
}

// readValue reads one field at the cursor. On error the cursor is unchanged.
func readValue(r *cursor.Reader, f *structure.Field) (any, error) {
	switch f.Kind() {
	case structure.Int8:
		u, err := r.ReadUint8()
		return int64(int8(u)), err
	case structure.UInt8:
		u, err := r.ReadUint8()
		return int64(u), err
	case structure.Int16:
		u, err := r.ReadUint16()
		return int64(int16(u)), err
	case structure.UInt16:
		u, err := r.ReadUint16()
		return int64(u), err
	case structure.Int32:
		i, err := r.ReadInt32()
		return int64(i), err
	case structure.Int64:
		u, err := r.ReadUint64()
		return int64(u), err
	case structure.Single:
		s, err := r.ReadFloat32()
		return float64(s), err
	case structure.Double:
		return r.ReadFloat64()
	case structure.FixedBytes:
		return r.Next(f.Length())
	case structure.DynamicBytes:
		b, _, err := r.ReadSized()
		return b, err
	case structure.NulTerminatedUTF16:
		s, _, err := r.ReadUTF16Z()
		return s, err
	case structure.LengthPrefixedUTF16:
		s, _, err := r.ReadUTF16()
		return s, err
	default:
		return nil, fmt.Errorf("unsupported kind %s", f.Kind())
	}
}

// encodeValue appends v in the layout of f. Values of the wrong type encode
// as the zero value of the kind.
func encodeValue(w *cursor.Writer, f *structure.Field, v any) error {
	switch f.Kind() {
	case structure.Int8, structure.UInt8:
		w.WriteUint8(uint8(toInt(v)))
	case structure.Int16, structure.UInt16:
		w.WriteUint16(uint16(toInt(v)))
	case structure.Int32:
		w.WriteUint32(uint32(toInt(v)))
	case structure.Int64:
		w.WriteUint64(uint64(toInt(v)))
	case structure.Single:
		w.WriteFloat32(float32(toFloat(v)))
	case structure.Double:
		w.WriteFloat64(toFloat(v))
	case structure.FixedBytes:
		b, _ := v.([]byte)
		out := make([]byte, f.Length())
		copy(out, b)
		w.Write(out)
	case structure.DynamicBytes:
		b, _ := v.([]byte)
		return wrap(f, w.WriteSized(b))
	case structure.NulTerminatedUTF16:
		s, _ := v.(string)
		w.WriteUTF16Z(s)
	case structure.LengthPrefixedUTF16:
		s, _ := v.(string)
		return wrap(f, w.WriteUTF16(s))
	}
	return nil
}

// encodeRaw appends the original bytes of v unless its decoded value was
// edited. NaN payloads and lone surrogates do not survive decoding, so an
// edit is detected by comparing canonical encodings.
func encodeRaw(w *cursor.Writer, v Value) error {
	cur := encoder(len(v.Raw))
	if err := encodeValue(cur, v.Field, v.Decoded); err != nil {
		return err
	}
	if orig, err := readValue(cursor.NewReader(v.Raw), v.Field); err == nil {
		canon := encoder(len(v.Raw))
		if encodeValue(canon, v.Field, orig) == nil && bytes.Equal(cur.Bytes(), canon.Bytes()) {
			w.Write(v.Raw)
			return nil
		}
	}
	w.Write(cur.Bytes())
	return nil
}

func wrap(f *structure.Field, err error) error {
	if err != nil {
		return fmt.Errorf("field %s: %w", f.Name(), err)
	}
	return nil
}

// Encode serializes values in field order behind a prefix. It is the inverse
// of decoding a complete packet and is used to craft packets.
func Encode(prefix []byte, fields []*structure.Field, values []any) ([]byte, error) {
	if len(fields) != len(values) {
		return nil, fmt.Errorf("got %d values for %d fields", len(values), len(fields))
	}
	w := encoder(len(prefix) + 8*len(fields))
	w.Write(prefix)
	for i, f := range fields {
		if err := encodeValue(w, f, values[i]); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint32:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
