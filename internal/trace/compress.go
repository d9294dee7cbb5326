package trace

import (
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression is the algorithm used to compress the payload of frames.
type Compression uint8

const (
	Uncompressed Compression = iota
	Snappy
	Zstd
)

func (c Compression) String() string {
	switch c {
	case Uncompressed:
		return "uncompressed"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

func (c *Compression) Set(s string) error {
	switch s {
	case "none", "uncompressed":
		*c = Uncompressed
	case "snappy":
		*c = Snappy
	case "zstd":
		*c = Zstd
	default:
		return fmt.Errorf("unsupported compression: %q (must be one of none, snappy, zstd)", s)
	}
	return nil
}

func (c Compression) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Compression) UnmarshalText(b []byte) error {
	return c.Set(string(b))
}

var (
	zstdEncoderPool objectPool[*zstd.Encoder]
	zstdDecoderPool objectPool[*zstd.Decoder]
)

type objectPool[T any] struct {
	pool sync.Pool
}

func (p *objectPool[T]) get(newObject func() T) T {
	if v, ok := p.pool.Get().(T); ok {
		return v
	}
	return newObject()
}

func (p *objectPool[T]) put(obj T) {
	p.pool.Put(obj)
}

func compress(dst, src []byte, compression Compression) []byte {
	switch compression {
	case Snappy:
		return snappy.Encode(dst[:cap(dst)], src)
	case Zstd:
		enc := zstdEncoderPool.get(func() *zstd.Encoder {
			e, _ := zstd.NewWriter(nil,
				zstd.WithEncoderCRC(false),
				zstd.WithEncoderConcurrency(1),
				zstd.WithEncoderLevel(zstd.SpeedFastest),
			)
			return e
		})
		defer zstdEncoderPool.put(enc)
		return enc.EncodeAll(src, dst[:0])
	default:
		return append(dst[:0], src...)
	}
}

func decompress(dst, src []byte, compression Compression) ([]byte, error) {
	switch compression {
	case Uncompressed:
		return append(dst[:0], src...), nil
	case Snappy:
		return snappy.Decode(dst[:cap(dst)], src)
	case Zstd:
		dec := zstdDecoderPool.get(func() *zstd.Decoder {
			d, _ := zstd.NewReader(nil,
				zstd.IgnoreChecksum(true),
				zstd.WithDecoderConcurrency(1),
			)
			return d
		})
		defer zstdDecoderPool.put(dec)
		return dec.DecodeAll(src, dst[:0])
	default:
		return dst, fmt.Errorf("unknown compression format: %d", compression)
	}
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func checksum(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}
