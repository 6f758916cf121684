// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package payload defines the messages exchanged between payload queues and
// their consumers, and the opaque cursor consumers use to track delivery.
package payload

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Payload errors.
var (
	ErrInvalidClass     = errors.New("invalid payload class")
	ErrClassMismatch    = errors.New("cursor is bound to another class")
	ErrNilPayload       = errors.New("payload is nil")
	ErrBroadcastTargets = errors.New("broadcast payload cannot name recipients")
	ErrNoPosition       = errors.New("payload has no position")
	ErrMalformedCursor  = errors.New("malformed cursor")
)

// Class is the delivery class of a payload.
type Class uint8

// Delivery classes. The zero value is reserved for cursors that have not yet
// been bound to a stream.
const (
	ClassNormal Class = iota + 1
	ClassBroadcast
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassNormal:
		return "normal"
	case ClassBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// Valid reports whether c is a delivery class.
func (c Class) Valid() bool {
	return c == ClassNormal || c == ClassBroadcast
}

// ParseClass parses a class name.
func ParseClass(s string) (Class, error) {
	switch s {
	case "normal":
		return ClassNormal, nil
	case "broadcast":
		return ClassBroadcast, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidClass, s)
	}
}

// Payload is an opaque application message tagged with its delivery class.
// A payload must not be modified after it has been added to a queue.
type Payload struct {
	ID         string
	Class      Class
	Body       []byte
	Recipients []string // consumer IDs; normal payloads only
	CreatedAt  time.Time

	pos []byte
}

// New returns a payload of the given class.
func New(class Class, body []byte, recipients ...string) *Payload {
	return &Payload{
		Class:      class,
		Body:       body,
		Recipients: recipients,
	}
}

// Validate checks that p can be added to a queue.
func (p *Payload) Validate() error {
	if p == nil {
		return ErrNilPayload
	}
	if !p.Class.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidClass, p.Class)
	}
	if p.Class == ClassBroadcast && len(p.Recipients) > 0 {
		return ErrBroadcastTargets
	}
	return nil
}

// Position returns the cursor that marks p as delivered. The cursor is bound
// to p's class and carries no consumer.
func (p *Payload) Position() (Cursor, error) {
	if len(p.pos) == 0 {
		return Cursor{}, ErrNoPosition
	}
	return Cursor{class: p.Class, token: slices.Clone(p.pos)}, nil
}

// At returns a copy of p placed at the backend-defined position token.
// Backends call it when materialising stored payloads.
func (p *Payload) At(token []byte) *Payload {
	c := p.Clone()
	c.pos = slices.Clone(token)
	return c
}

// AddressedTo reports whether a normal payload is deliverable to consumer.
// Payloads without recipients, and anonymous consumers, always match.
func (p *Payload) AddressedTo(consumer string) bool {
	if consumer == "" || len(p.Recipients) == 0 {
		return true
	}
	return slices.Contains(p.Recipients, consumer)
}

// Clone returns a deep copy of p.
func (p *Payload) Clone() *Payload {
	return &Payload{
		ID:         p.ID,
		Class:      p.Class,
		Body:       slices.Clone(p.Body),
		Recipients: slices.Clone(p.Recipients),
		CreatedAt:  p.CreatedAt,
		pos:        slices.Clone(p.pos),
	}
}
