// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cursor provides little-endian read and write cursors over byte slices.
package cursor

import (
	"encoding/binary"
	"errors"
	"math"
	"unicode/utf16"
)

var (
	// ErrShortBuffer is returned when a read would run past the end of the buffer.
	ErrShortBuffer = errors.New("read past end of buffer")

	// ErrTooLong is returned when a length does not fit its uint16 prefix.
	ErrTooLong = errors.New("length exceeds uint16 prefix")
)

// Reader is a forward-only little-endian cursor. A failed read never moves
// the cursor.
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a reader positioned at the start of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Offset returns the current position.
func (r *Reader) Offset() int { return r.pos }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Rest returns the unread bytes without consuming them.
func (r *Reader) Rest() []byte { return r.buf[r.pos:] }

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n int) error {
	_, err := r.Next(n)
	return err
}

// Next consumes n bytes and returns them. The result aliases the buffer.
func (r *Reader) Next(n int) ([]byte, error) {
	if n < 0 || n > r.Remaining() {
		return nil, ErrShortBuffer
	}
	b := r.buf[r.pos : r.pos+n : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.Next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.Next(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.Next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.Next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadUTF16Z reads UTF-16LE code units up to and including a zero terminator.
// It returns the decoded string and the total number of bytes consumed.
func (r *Reader) ReadUTF16Z() (string, int, error) {
	var units []uint16
	for i := r.pos; i+1 < len(r.buf); i += 2 {
		u := binary.LittleEndian.Uint16(r.buf[i:])
		if u == 0 {
			n := i + 2 - r.pos
			r.pos += n
			return string(utf16.Decode(units)), n, nil
		}
		units = append(units, u)
	}
	return "", 0, ErrShortBuffer
}

// ReadUTF16 reads a uint16 code unit count followed by that many UTF-16LE units.
func (r *Reader) ReadUTF16() (string, int, error) {
	if r.Remaining() < 2 {
		return "", 0, ErrShortBuffer
	}
	count := int(binary.LittleEndian.Uint16(r.buf[r.pos:]))
	if r.Remaining() < 2+2*count {
		return "", 0, ErrShortBuffer
	}
	units := make([]uint16, count)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(r.buf[r.pos+2+2*i:])
	}
	n := 2 + 2*count
	r.pos += n
	return string(utf16.Decode(units)), n, nil
}

// ReadSized reads a uint16 byte count followed by that many bytes.
func (r *Reader) ReadSized() ([]byte, int, error) {
	if r.Remaining() < 2 {
		return nil, 0, ErrShortBuffer
	}
	size := int(binary.LittleEndian.Uint16(r.buf[r.pos:]))
	if r.Remaining() < 2+size {
		return nil, 0, ErrShortBuffer
	}
	r.pos += 2
	b, _ := r.Next(size)
	return b, 2 + size, nil
}

// Writer appends little-endian values to a growing buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the written bytes.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of written bytes.
func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) Write(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteUint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteUint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) WriteFloat32(v float32) {
	w.WriteUint32(math.Float32bits(v))
}

func (w *Writer) WriteFloat64(v float64) {
	w.WriteUint64(math.Float64bits(v))
}

// WriteUTF16Z writes s as UTF-16LE followed by a zero terminator.
func (w *Writer) WriteUTF16Z(s string) {
	for _, u := range utf16.Encode([]rune(s)) {
		w.WriteUint16(u)
	}
	w.WriteUint16(0)
}

// WriteUTF16 writes the code unit count of s followed by s as UTF-16LE.
// Nothing is written when the count exceeds math.MaxUint16.
func (w *Writer) WriteUTF16(s string) error {
	units := utf16.Encode([]rune(s))
	if len(units) > math.MaxUint16 {
		return ErrTooLong
	}
	w.WriteUint16(uint16(len(units)))
	for _, u := range units {
		w.WriteUint16(u)
	}
	return nil
}

// WriteSized writes the length of b as uint16 followed by b. Nothing is
// written when b is longer than math.MaxUint16.
func (w *Writer) WriteSized(b []byte) error {
	if len(b) > math.MaxUint16 {
		return ErrTooLong
	}
	w.WriteUint16(uint16(len(b)))
	w.Write(b)
	return nil
}
