package hstore

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

type leafFlags uint64

const (
	lfVerBit0 = leafFlags(1 << iota)
	lfVerBit1
	lfVerBit2
	lfVerBit3
	lfCompressionBit0
	lfCompressionBit1

	lfVerMask          = (lfVerBit0 | lfVerBit1 | lfVerBit2 | lfVerBit3)
	lfVer1             = lfVerBit0
	lfCompressionMask  = (lfCompressionBit0 | lfCompressionBit1)
	lfCompressionShift = 4
	lfSupportedMask    = (lfVer1 | lfCompressionMask)

	minLeafSize = 1 + 1 + 1 + 8
	maxRank     = 64
)

func (lf leafFlags) ver() leafFlags {
	return lf & lfVerMask
}

func (lf leafFlags) compression() Compression {
	return Compression((lf & lfCompressionMask) >> lfCompressionShift)
}

func makeLeafFlags(c Compression) leafFlags {
	return lfVer1 | (leafFlags(c) << lfCompressionShift)
}

type leafKind byte

const (
	leafTensor leafKind = 1
	leafString leafKind = 2
	leafBytes  leafKind = 3
)

func (k leafKind) String() string {
	switch k {
	case leafTensor:
		return "tensor"
	case leafString:
		return "string"
	case leafBytes:
		return "bytes"
	default:
		return fmt.Sprintf("leaf(%d)", byte(k))
	}
}

type leaf struct {
	Flags      leafFlags
	Kind       leafKind
	Payload    []byte
	StoredSize int
}

// appendLeaf appends the on-disk form of one leaf:
//
//	flags:uvarint kind:byte size:uvarint checksum:uint64 payload
//
// where size and checksum describe the uncompressed payload.
func appendLeaf(buf []byte, kind leafKind, payload []byte, c Compression) []byte {
	bb := bytesBuilder{buf}
	flagsOff := len(bb.Buf)
	bb.AppendUvarint(uint64(makeLeafFlags(NoCompression)))
	bb.AppendByte(byte(kind))
	bb.AppendUvarint(uint64(len(payload)))
	bb.AppendFixedUint64(xxhash.Sum64(payload))
	out, used := compressBlock(bb.Buf, payload, c)
	if used != NoCompression {
		// Flags with any supported compression fit into a single varint byte.
		out[flagsOff] = byte(makeLeafFlags(used))
	}
	return out
}

func decodeLeaf(data []byte) (leaf, error) {
	var lf leaf
	if len(data) < minLeafSize {
		return lf, dataErrf(data, 0, ErrCorrupt, "invalid leaf: at least %d bytes required", minLeafSize)
	}
	d := makeByteDecoder(data)

	v, err := d.Uvarint()
	if err != nil {
		return lf, err
	}
	lf.Flags = leafFlags(v)
	if lf.Flags.ver() != lfVer1 {
		return lf, dataErrf(data, 0, ErrIncompatible, "invalid leaf: unsupported version %d", lf.Flags.ver())
	}
	if (v &^ uint64(lfSupportedMask)) != 0 {
		return lf, dataErrf(data, 0, ErrCorrupt, "invalid leaf: unsupported flags %x", v)
	}
	if lf.Flags.compression() > maxCompression {
		return lf, dataErrf(data, 0, ErrUnknownEncoding, "invalid leaf: unknown compression %d", lf.Flags.compression())
	}

	k, err := d.Byte()
	if err != nil {
		return lf, err
	}
	lf.Kind = leafKind(k)
	if lf.Kind < leafTensor || lf.Kind > leafBytes {
		return lf, dataErrf(data, d.Off()-1, ErrUnknownEncoding, "invalid leaf kind %d", k)
	}

	size, err := d.Uvarinti()
	if err != nil {
		return lf, err
	}
	sum, err := d.FixedUint64()
	if err != nil {
		return lf, err
	}
	lf.StoredSize = len(d.Buf)
	payload, err := decompressBlock(d.Buf, lf.Flags.compression(), size)
	if err != nil {
		return lf, dataErrf(data, d.Off(), fmt.Errorf("%w: %w", ErrCorrupt, err), "invalid leaf payload")
	}
	if xxhash.Sum64(payload) != sum {
		return lf, dataErrf(data, d.Off(), ErrCorrupt, "leaf checksum mismatch")
	}
	lf.Payload = payload
	return lf, nil
}

// appendTensor appends dtype:uvarint rank:uvarint dims:uvarint* data.
func appendTensor(buf []byte, t *Tensor) []byte {
	buf = appendUvarint(buf, uint64(t.DType))
	buf = appendUvarint(buf, uint64(len(t.Shape)))
	for _, d := range t.Shape {
		buf = appendUvarint(buf, uint64(d))
	}
	return appendRaw(buf, t.Data)
}

func decodeTensor(payload []byte) (*Tensor, error) {
	d := makeByteDecoder(payload)
	dt, err := d.Uvarint()
	if err != nil {
		return nil, err
	}
	if !DType(dt).Valid() || dt > uint64(maxDType) {
		return nil, dataErrf(payload, 0, ErrUnknownEncoding, "invalid dtype %d", dt)
	}
	rank, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	if rank > maxRank {
		return nil, dataErrf(payload, d.Off(), ErrCorrupt, "rank %d exceeds %d", rank, maxRank)
	}
	t := &Tensor{DType: DType(dt), Shape: make([]int, rank)}
	for i := range t.Shape {
		t.Shape[i], err = d.Uvarinti()
		if err != nil {
			return nil, err
		}
	}
	n, _ := shapeElements(t.Shape)
	size := n * t.DType.Size()
	if len(d.Buf) != size {
		return nil, dataErrf(payload, d.Off(), ErrCorrupt, "tensor %v needs %d data bytes, got %d", t, size, len(d.Buf))
	}
	t.Data = append([]byte(nil), d.Buf...)
	return t, nil
}

// appendNodeLeaf encodes a non-group node as a leaf value.
func appendNodeLeaf(buf []byte, n Node, c Compression) []byte {
	switch n.Kind {
	case KindArray:
		payload := appendTensor(valueBytesPool.Get().([]byte), n.Array)
		buf = appendLeaf(buf, leafTensor, payload, c)
		valueBytesPool.Put(payload[:0])
		return buf
	case KindOpaque:
		if n.Text {
			return appendLeaf(buf, leafString, n.Data, c)
		}
		return appendLeaf(buf, leafBytes, n.Data, c)
	default:
		panic(fmt.Errorf("cannot store %v node as a leaf", n.Kind))
	}
}

func decodeNodeLeaf(data []byte) (Node, error) {
	lf, err := decodeLeaf(data)
	if err != nil {
		return Node{}, err
	}
	switch lf.Kind {
	case leafTensor:
		t, err := decodeTensor(lf.Payload)
		if err != nil {
			return Node{}, err
		}
		return Node{Kind: KindArray, Array: t}, nil
	case leafString:
		return Node{Kind: KindOpaque, Data: cloneIfShared(lf), Text: true}, nil
	default:
		return Node{Kind: KindOpaque, Data: cloneIfShared(lf)}, nil
	}
}

// cloneIfShared copies an uncompressed payload out of bbolt's mmap, which is
// only valid for the life of the transaction.
func cloneIfShared(lf leaf) []byte {
	if lf.Flags.compression() == NoCompression {
		return append([]byte(nil), lf.Payload...)
	}
	return lf.Payload
}
