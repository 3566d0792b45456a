/*
Package hstore stores research datasets as hierarchical trees of arrays and
arbitrary objects, on top of Bolt.

We implement:

1. Containers: Save writes a whole tree to a file, Load reads it back.

2. Attribute stores (AttrDB), which keep a tree in memory and write back only
the subtrees you flush.

3. Logs (LogDB), holding named append-only channels of tensors or objects,
read back lazily with a stride, in batches, or zipped across channels.

4. Registries, tracking open stores so they can be listed and closed together.

# Values

A tree is a *Group of named children. Every child is classified by Classify:

  - groups (*Group or any map with string keys) become nested groups;
  - tensors (*Tensor) are stored as typed arrays;
  - everything else is stored as an opaque value. Strings and []byte are kept
    literally, numeric scalars and rectangular numeric slices become tensors,
    and anything else (nil, structs, ragged slices, mixed lists) is serialized
    with msgpack behind the OBJ_ tag.

Reading reverses this: rank-0 tensors come back as Go scalars (int64, uint64,
float64, ...), other arrays as *Tensor, tagged payloads as the generic msgpack
decoding (map[string]any, []any, int64, ...).

A literal string that starts with OBJ_ cannot be told apart from a tagged
payload and is decoded as one on load.

Children that cannot be encoded or decoded are logged at Warn level and
skipped; the rest of the tree is still saved or loaded.

# Technical Details

**Store header.**
Every file has a bucket _hstore holding a msgpack record with the format
version, the store kind ("tree" or "log"), a UUIDv7 store ID and the creation
time. Opening a file of the wrong kind or format fails with ErrIncompatible.

**Trees.**
The bucket root holds the tree: groups are nested buckets, leaves are keys.

**Channels.**
The bucket channels holds one nested bucket per channel, with two entries:
meta, a msgpack record of the channel encoding (array or opaque), dtype,
trailing shape and compression, fixed when the first item is appended; and
rows, a bucket keyed by big-endian uint64 sequence numbers starting at 1.
The bucket sequence counter doubles as the channel length.

## Binary encoding

**Leaf**:
1. Flags (uvarint): bits 0-3 format version, bits 4-5 compression.
2. Leaf kind (byte): 1 tensor, 2 string, 3 bytes.
3. Payload size before compression (uvarint).
4. xxHash64 of the uncompressed payload (8 bytes, big-endian).
5. Payload, compressed with LZ4 or Zstd if that saves at least 10%.

**Tensor payload**:
1. DType (uvarint).
2. Rank (uvarint).
3. Each dimension (uvarint).
4. Elements in row-major order, little-endian.

**Opaque payload**: OBJ_ followed by msgpack with sorted map keys.
*/
package hstore
