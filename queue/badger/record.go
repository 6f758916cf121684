// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/absmach/qpush/payload"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Body encodings.
const (
	encodingRaw  = ""
	encodingS2   = "s2"
	encodingZstd = "zstd"
)

// record is the stored form of a payload.
type record struct {
	ID         string   `json:"id"`
	Recipients []string `json:"recipients,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	Encoding   string   `json:"encoding,omitempty"`
	Body       []byte   `json:"body"`
}

type recordCodec struct {
	encoding string
	minSize  int
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

func newRecordCodec(encoding string, minSize int) (*recordCodec, error) {
	c := &recordCodec{encoding: encoding, minSize: minSize}

	switch encoding {
	case encodingRaw, encodingS2:
	case encodingZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		c.enc = enc
	default:
		return nil, fmt.Errorf("unknown compression %q", encoding)
	}

	// Always able to read zstd bodies written under another configuration.
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c.dec = dec

	return c, nil
}

// close releases the zstd encoder and decoder.
func (c *recordCodec) close() {
	if c.enc != nil {
		c.enc.Close()
	}
	c.dec.Close()
}

func (c *recordCodec) encode(p *payload.Payload) ([]byte, error) {
	rec := record{
		ID:         p.ID,
		Recipients: p.Recipients,
		CreatedAt:  p.CreatedAt.UnixNano(),
		Body:       p.Body,
	}

	if len(p.Body) >= c.minSize {
		switch c.encoding {
		case encodingS2:
			rec.Body = s2.Encode(nil, p.Body)
			rec.Encoding = encodingS2
		case encodingZstd:
			rec.Body = c.enc.EncodeAll(p.Body, nil)
			rec.Encoding = encodingZstd
		}
	}

	return json.Marshal(rec)
}

func (c *recordCodec) decode(class payload.Class, data []byte) (*payload.Payload, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}

	body := rec.Body
	switch rec.Encoding {
	case encodingRaw:
	case encodingS2:
		b, err := s2.Decode(nil, rec.Body)
		if err != nil {
			return nil, err
		}
		body = b
	case encodingZstd:
		b, err := c.dec.DecodeAll(rec.Body, nil)
		if err != nil {
			return nil, err
		}
		body = b
	default:
		return nil, fmt.Errorf("unknown body encoding %q", rec.Encoding)
	}
	if body == nil {
		body = []byte{}
	}

	return &payload.Payload{
		ID:         rec.ID,
		Class:      class,
		Body:       body,
		Recipients: rec.Recipients,
		CreatedAt:  time.Unix(0, rec.CreatedAt).UTC(),
	}, nil
}
