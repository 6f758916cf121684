// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec implements the QPush wire framing: every frame is a 4-byte
// big-endian unsigned length N followed by exactly N bytes of opaque payload.
// The length counts payload bytes only, never the header itself.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/absmach/qpush/internal/bufpool"
)

const (
	// HeaderSize is the size of the length prefix.
	HeaderSize = 4

	// MaxFrameSize is the largest payload a frame can carry.
	MaxFrameSize = 1<<31 - 1
)

// ErrFrameTooLarge is returned when a payload (or a declared frame length)
// exceeds the permitted maximum.
var ErrFrameTooLarge = errors.New("frame too large")

func checkSize(n int) error {
	if uint64(n) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, n, MaxFrameSize)
	}
	return nil
}

// Encode returns payload prefixed with its length.
func Encode(payload []byte) ([]byte, error) {
	if err := checkSize(len(payload)); err != nil {
		return nil, err
	}
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// WriteFrame writes payload as a single frame to w. Header and body go out in
// one Write call so a frame is never split by the writer.
func WriteFrame(w io.Writer, payload []byte) error {
	if err := checkSize(len(payload)); err != nil {
		return err
	}

	buf := bufpool.Get(HeaderSize + len(payload))
	defer bufpool.Put(buf)

	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	buf.Write(hdr[:])
	buf.Write(payload)

	_, err := w.Write(buf.Bytes())
	return err
}
