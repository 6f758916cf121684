// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"slices"
	"strings"
)

// Cursor marks "everything up to here has been delivered" for one consumer
// and one delivery class. Its token is defined by the queue backend that
// produced it and must be treated as opaque by everyone else.
//
// The zero Cursor is fresh: it is not yet bound to a class and is accepted by
// both streams. Advancing binds it to the class of the payload it moves to.
type Cursor struct {
	class    Class
	consumer string
	token    []byte
}

// NewCursor returns a fresh cursor for consumer. An empty consumer reads
// every normal payload regardless of its recipients.
func NewCursor(consumer string) Cursor {
	return Cursor{consumer: consumer}
}

// NewTokenCursor builds a bound cursor from a backend token.
func NewTokenCursor(class Class, consumer string, token []byte) Cursor {
	return Cursor{class: class, consumer: consumer, token: slices.Clone(token)}
}

// Class returns the class the cursor is bound to, or zero if fresh.
func (c Cursor) Class() Class { return c.class }

// Consumer returns the consumer the cursor belongs to.
func (c Cursor) Consumer() string { return c.consumer }

// Token returns a copy of the backend token. It is nil for a fresh cursor.
func (c Cursor) Token() []byte { return slices.Clone(c.token) }

// IsFresh reports whether nothing has been delivered through c yet.
func (c Cursor) IsFresh() bool { return len(c.token) == 0 }

// AdvanceTo returns a cursor positioned at p, keeping c's consumer.
func (c Cursor) AdvanceTo(p *Payload) (Cursor, error) {
	if p == nil {
		return c, ErrNilPayload
	}
	if c.class != 0 && c.class != p.Class {
		return c, fmt.Errorf("%w: cursor is %s, payload is %s", ErrClassMismatch, c.class, p.Class)
	}
	pos, err := p.Position()
	if err != nil {
		return c, err
	}
	pos.consumer = c.consumer
	return pos, nil
}

// Reset returns a fresh cursor for the same consumer.
func (c Cursor) Reset() Cursor {
	return Cursor{consumer: c.consumer}
}

// Equal reports whether both cursors denote the same position.
func (c Cursor) Equal(o Cursor) bool {
	return c.class == o.class && c.consumer == o.consumer && bytes.Equal(c.token, o.token)
}

// String renders the cursor for logs.
func (c Cursor) String() string {
	if c.IsFresh() {
		return fmt.Sprintf("cursor(%s, fresh)", c.consumer)
	}
	return fmt.Sprintf("cursor(%s, %s, %x)", c.consumer, c.class, c.token)
}

// MarshalText encodes the cursor as "class:consumer:token", with consumer and
// token base64url encoded.
func (c Cursor) MarshalText() ([]byte, error) {
	enc := base64.RawURLEncoding
	s := fmt.Sprintf("%d:%s:%s", c.class, enc.EncodeToString([]byte(c.consumer)), enc.EncodeToString(c.token))
	return []byte(s), nil
}

// UnmarshalText decodes a cursor produced by MarshalText.
func (c *Cursor) UnmarshalText(text []byte) error {
	parts := strings.Split(string(text), ":")
	if len(parts) != 3 {
		return ErrMalformedCursor
	}

	var class Class
	switch parts[0] {
	case "0":
	case "1":
		class = ClassNormal
	case "2":
		class = ClassBroadcast
	default:
		return fmt.Errorf("%w: class %q", ErrMalformedCursor, parts[0])
	}

	enc := base64.RawURLEncoding
	consumer, err := enc.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCursor, err)
	}
	token, err := enc.DecodeString(parts[2])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCursor, err)
	}
	if class == 0 && len(token) > 0 {
		return fmt.Errorf("%w: unbound cursor with token", ErrMalformedCursor)
	}
	if len(token) == 0 {
		token = nil
	}

	*c = Cursor{class: class, consumer: string(consumer), token: token}
	return nil
}
