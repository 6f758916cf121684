// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithMaxFrameSize caps the frame length a Decoder accepts. Values above
// MaxFrameSize are clamped.
func WithMaxFrameSize(n uint32) DecoderOption {
	return func(d *Decoder) {
		if n > MaxFrameSize {
			n = MaxFrameSize
		}
		d.maxSize = n
	}
}

// Decoder reassembles frames from arbitrarily fragmented input. Bytes are
// buffered until a complete frame is available; a partial frame is never
// emitted. A Decoder is not safe for concurrent use.
type Decoder struct {
	buf     []byte
	off     int
	maxSize uint32
}

// NewDecoder returns an empty Decoder.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{maxSize: MaxFrameSize}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends p to the pending input.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame. ok is false when more input is
// needed. A header declaring more than the configured limit yields
// ErrFrameTooLarge; the stream cannot be resynchronised after that.
func (d *Decoder) Next() (frame []byte, ok bool, err error) {
	pending := d.buf[d.off:]
	if len(pending) < HeaderSize {
		return nil, false, nil
	}

	n := binary.BigEndian.Uint32(pending)
	if n > d.maxSize {
		return nil, false, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, n, d.maxSize)
	}

	total := HeaderSize + int(n)
	if len(pending) < total {
		return nil, false, nil
	}

	frame = make([]byte, n)
	copy(frame, pending[HeaderSize:total])
	d.off += total
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}
	return frame, true, nil
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Reset discards any buffered input.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.off = 0
}

// ReadFrame blocks until one full frame has been read from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	return ReadFrameLimit(r, MaxFrameSize)
}

// ReadFrameLimit is ReadFrame with an explicit cap on the declared length.
func ReadFrameLimit(r io.Reader, limit uint32) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > limit || n > MaxFrameSize {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, n, limit)
	}

	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}
