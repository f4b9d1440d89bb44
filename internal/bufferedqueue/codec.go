// Package bufferedqueue moves items between processes through request/reply:
// consumers encode items and send them to producers, which accept them into
// a bounded queue or reject them when it is full.
package bufferedqueue

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Verdict is a producer's one-byte answer to an item.
type Verdict byte

const (
	Accepted Verdict = 1
	Rejected Verdict = 2
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("Verdict(%d)", byte(v))
	}
}

func parseVerdict(reply []byte) Verdict {
	if len(reply) != 1 {
		return 0
	}
	return Verdict(reply[0])
}

// Codec turns items into bytes and back.
type Codec[T any] interface {
	Encode(item T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// GobCodec encodes items with gob and compresses them with zstd.
type GobCodec[T any] struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewGobCodec[T any]() (*GobCodec[T], error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &GobCodec[T]{enc: enc, dec: dec}, nil
}

func (c *GobCodec[T]) Encode(item T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(item); err != nil {
		return nil, fmt.Errorf("encode item: %w", err)
	}
	return c.enc.EncodeAll(buf.Bytes(), nil), nil
}

func (c *GobCodec[T]) Decode(data []byte) (T, error) {
	var item T
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return item, fmt.Errorf("decompress item: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&item); err != nil {
		return item, fmt.Errorf("decode item: %w", err)
	}
	return item, nil
}
