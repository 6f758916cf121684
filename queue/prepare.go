// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"fmt"
	"time"

	"github.com/absmach/qpush/payload"
	"github.com/google/uuid"
)

// Prepare validates p and returns the copy a backend should store, with ID
// and creation time filled in when the producer left them empty.
func Prepare(p *payload.Payload) (*payload.Payload, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrite, err)
	}

	c := p.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return c, nil
}
