package encoding

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Frame markers prefixed to every value written by a Codec
const (
	frameRaw  byte = 0
	frameZstd byte = 1
)

// Codec frames values and optionally zstd-compresses them. Level 0 stores
// values raw; levels 1-4 map onto zstd speed presets. Decode accepts either
// frame regardless of the level, so the level can change between runs.
//
// Encode and Decode are safe for concurrent use.
type Codec struct {
	level int
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// NewCodec creates a codec for the given compression level
func NewCodec(level int) (*Codec, error) {
	if level < 0 || level > 4 {
		return nil, fmt.Errorf("compression level must be 0-4, got %d", level)
	}

	c := &Codec{level: level}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	c.dec = dec

	if level > 0 {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(levelToZstd(level)))
		if err != nil {
			dec.Close()
			return nil, err
		}
		c.enc = enc
	}

	return c, nil
}

// Encode frames src
func (c *Codec) Encode(src []byte) []byte {
	if c.enc == nil {
		out := make([]byte, 0, len(src)+1)
		out = append(out, frameRaw)
		return append(out, src...)
	}
	return c.enc.EncodeAll(src, []byte{frameZstd})
}

// Decode unframes data written by any Codec
func (c *Codec) Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	switch data[0] {
	case frameRaw:
		return data[1:], nil
	case frameZstd:
		return c.dec.DecodeAll(data[1:], nil)
	default:
		return nil, fmt.Errorf("unknown frame marker %d", data[0])
	}
}

// Close releases the zstd encoder and decoder
func (c *Codec) Close() {
	if c.enc != nil {
		c.enc.Close()
	}
	c.dec.Close()
}

func levelToZstd(level int) zstd.EncoderLevel {
	switch level {
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedFastest
	}
}
