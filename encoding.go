package hstore

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// objectTag prefixes a leaf holding a msgpack-serialized object. A literal
// string that happens to start with the same four bytes is indistinguishable
// from a tagged payload and will be deserialized on load.
const objectTag = "OBJ_"

func isTagged(data []byte) bool {
	return bytes.HasPrefix(data, []byte(objectTag))
}

// packObject serializes v with msgpack (map keys sorted, so the output is
// deterministic) and prepends objectTag.
func packObject(buf []byte, v any) ([]byte, error) {
	bb := bytesBuilder{appendRaw(buf, []byte(objectTag))}
	enc := msgpack.GetEncoder()
	enc.ResetDict(&bb, nil)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T using MsgPack: %w", v, err)
	}
	return bb.Buf, nil
}

// unpackObject reverses packObject. Integers decode as int64 or uint64, floats
// as float64, maps as map[string]any.
func unpackObject(data []byte) (any, error) {
	if !isTagged(data) {
		return nil, dataErrf(data, 0, ErrUnknownEncoding, "missing %s tag", objectTag)
	}
	payload := data[len(objectTag):]
	var r bytes.Reader
	r.Reset(payload)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	v, err := dec.DecodeInterfaceLoose()
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, dataErrf(data, len(objectTag), err, "failed to decode msgpack object")
	}
	return v, nil
}

// UnmarshalObject decodes a tagged payload into the value pointed to by ptr.
// It is useful for items that were stored as structs and should come back typed.
func UnmarshalObject(data []byte, ptr any) error {
	if !isTagged(data) {
		return dataErrf(data, 0, ErrUnknownEncoding, "missing %s tag", objectTag)
	}
	err := msgpack.Unmarshal(data[len(objectTag):], ptr)
	if err != nil {
		return dataErrf(data, len(objectTag), err, "failed to decode msgpack into %T", ptr)
	}
	return nil
}

func marshalMeta(v any) []byte {
	var bb bytesBuilder
	enc := msgpack.GetEncoder()
	enc.ResetDict(&bb, nil)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		panic(fmt.Errorf("failed to encode %T using MsgPack: %w", v, err))
	}
	return bb.Buf
}

func unmarshalMeta(data []byte, ptr any) error {
	err := msgpack.Unmarshal(data, ptr)
	if err != nil {
		return dataErrf(data, 0, fmt.Errorf("%w: %w", ErrCorrupt, err), "failed to decode msgpack into %T", ptr)
	}
	return nil
}
