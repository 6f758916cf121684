// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"encoding/binary"
	"fmt"

	"github.com/absmach/qpush/payload"
)

const positionSize = 8

// PositionToken encodes a 1-based stream position as a cursor token.
func PositionToken(pos uint64) []byte {
	tok := make([]byte, positionSize)
	binary.BigEndian.PutUint64(tok, pos)
	return tok
}

// PositionCursor builds a cursor pointing at pos in the stream of class.
func PositionCursor(class payload.Class, consumer string, pos uint64) payload.Cursor {
	return payload.NewTokenCursor(class, consumer, PositionToken(pos))
}

// CursorPosition returns the position of the last payload delivered through
// cur on the stream of class. A fresh cursor yields zero. A cursor bound to
// the other stream, or carrying a foreign token, is rejected.
func CursorPosition(cur payload.Cursor, class payload.Class) (uint64, error) {
	if cur.Class() != 0 && cur.Class() != class {
		return 0, fmt.Errorf("%w: %s cursor read as %s", ErrCursorClass, cur.Class(), class)
	}
	if cur.IsFresh() {
		return 0, nil
	}
	tok := cur.Token()
	if len(tok) != positionSize {
		return 0, fmt.Errorf("%w: %d byte token", payload.ErrMalformedCursor, len(tok))
	}
	return binary.BigEndian.Uint64(tok), nil
}
