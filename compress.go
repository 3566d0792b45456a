package hstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how leaf payloads are compressed on disk. Values are
// persisted in leaf headers.
type Compression uint8

const (
	NoCompression Compression = 0
	LZ4           Compression = 1
	Zstd          Compression = 2

	maxCompression = Zstd
)

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// compressBlock appends the compressed form of data to buf. When compression
// does not shrink the data by at least 10%, data is appended as is and the
// returned Compression is NoCompression.
func compressBlock(buf, data []byte, c Compression) ([]byte, Compression) {
	if c == NoCompression || len(data) == 0 {
		return appendRaw(buf, data), NoCompression
	}
	off := len(buf)
	switch c {
	case LZ4:
		off, buf = grow(buf, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf[off:], nil)
		if err != nil || n == 0 {
			return appendRaw(buf[:off], data), NoCompression
		}
		buf = buf[:off+n]
	case Zstd:
		enc := getZstdEncoder()
		buf = enc.EncodeAll(data, buf)
		zstdEncoderPool.Put(enc)
	default:
		panic(fmt.Errorf("unsupported compression %v", c))
	}
	if float64(len(buf)-off) > float64(len(data))*0.9 {
		return appendRaw(buf[:off], data), NoCompression
	}
	return buf, c
}

// lz4MaxRatio bounds how much one stored byte of an LZ4 block can expand.
const lz4MaxRatio = 255

// decompressBlock expands data into exactly size bytes. size is read from a
// leaf header and is checked against data before anything is allocated.
func decompressBlock(data []byte, c Compression, size int) ([]byte, error) {
	switch c {
	case NoCompression:
		if len(data) != size {
			return nil, fmt.Errorf("payload is %d bytes, header says %d", len(data), size)
		}
		return data, nil
	case LZ4:
		if size > lz4MaxRatio*len(data)+16 {
			return nil, fmt.Errorf("header says %d bytes, %d lz4 bytes cannot hold that many", size, len(data))
		}
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, err
		}
		if n != size {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	case Zstd:
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(data, make([]byte, 0, min(size, 4*len(data)+64)))
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, err
		}
		if len(out) != size {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: compression %v", ErrUnknownEncoding, c)
	}
}
