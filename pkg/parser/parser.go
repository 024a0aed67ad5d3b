// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	perrors "github.com/absmach/gameproxy/pkg/errors"
)

// HeaderSize is the size of the length header of a LengthPrefixed frame.
const HeaderSize = 2

// MaxFrameSize is the largest frame a uint16 header can describe.
const MaxFrameSize = 0xFFFF

// Framer reads and writes one packet body at a time.
type Framer interface {
	// ReadPacket reads exactly one packet body from r.
	// Returns io.EOF for clean connection closure.
	ReadPacket(r io.Reader) ([]byte, error)

	// WritePacket frames body and writes it to w.
	WritePacket(w io.Writer, body []byte) error
}

// LengthPrefixed frames packets with a little-endian uint16 total length
// that includes the header itself.
type LengthPrefixed struct {
	// MaxSize caps the frame size. Zero means MaxFrameSize.
	MaxSize int
}

func (f LengthPrefixed) limit() int {
	if f.MaxSize <= 0 || f.MaxSize > MaxFrameSize {
		return MaxFrameSize
	}
	return f.MaxSize
}

// ReadPacket implements Framer.
func (f LengthPrefixed) ReadPacket(r io.Reader) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := int(binary.LittleEndian.Uint16(hdr[:]))
	if size < HeaderSize {
		return nil, fmt.Errorf("%w: frame length %d below header size", perrors.ErrProtocolViolation, size)
	}
	if size > f.limit() {
		return nil, fmt.Errorf("%w: frame length %d exceeds %d", perrors.ErrPacketTooLarge, size, f.limit())
	}

	body := make([]byte, size-HeaderSize)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// WritePacket implements Framer.
func (f LengthPrefixed) WritePacket(w io.Writer, body []byte) error {
	size := len(body) + HeaderSize
	if size > f.limit() {
		return fmt.Errorf("%w: %d bytes", perrors.ErrPacketTooLarge, len(body))
	}
	frame := make([]byte, HeaderSize, size)
	binary.LittleEndian.PutUint16(frame, uint16(size))
	frame = append(frame, body...)
	_, err := w.Write(frame)
	return err
}

// Writer serializes framed writes to one connection.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	framer Framer
}

// NewWriter returns a Writer framing packets with f.
func NewWriter(w io.Writer, f Framer) *Writer {
	return &Writer{w: w, framer: f}
}

// WritePacket writes one framed packet.
func (w *Writer) WritePacket(body []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WritePacket(w.w, body)
}

// Deliver is WritePacket under the name used by pending queues.
func (w *Writer) Deliver(body []byte) error {
	return w.WritePacket(body)
}
