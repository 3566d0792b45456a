package hstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.etcd.io/bbolt"
)

var (
	channelsBucket = []byte("channels")
	channelMetaKey = []byte("meta")
	rowsBucket     = []byte("rows")
)

type channelEncoding uint8

const (
	arrayChannel  channelEncoding = 1
	opaqueChannel channelEncoding = 2
)

func (e channelEncoding) String() string {
	switch e {
	case arrayChannel:
		return "array"
	case opaqueChannel:
		return "opaque"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

// channelMeta is fixed by the first item appended to a channel.
type channelMeta struct {
	Encoding    channelEncoding `msgpack:"e"`
	DType       DType           `msgpack:"dt,omitempty"`
	Rank        int             `msgpack:"r,omitempty"`
	Trailing    []int           `msgpack:"ts,omitempty"`
	Compression Compression     `msgpack:"c,omitempty"`
	Created     time.Time       `msgpack:"ct"`
}

func newChannelMeta(item any, c Compression) *channelMeta {
	meta := &channelMeta{
		Encoding:    opaqueChannel,
		Compression: c,
		Created:     time.Now().UTC(),
	}
	if t := asTensor(item); t != nil {
		meta.Encoding = arrayChannel
		meta.DType = t.DType
		meta.Rank = t.Rank()
		meta.Trailing = t.TrailingShape()
	}
	return meta
}

func (m *channelMeta) describe() string {
	if m.Encoding != arrayChannel {
		return m.Encoding.String()
	}
	shape := make([]string, 0, m.Rank)
	if m.Rank > 0 {
		shape = append(shape, "*")
	}
	for _, d := range m.Trailing {
		shape = append(shape, fmt.Sprint(d))
	}
	return fmt.Sprintf("%s %v%v", m.Encoding, m.DType, shape)
}

// writeFailure marks an error raised after the transaction was modified.
type writeFailure struct {
	err error
}

func (e writeFailure) Error() string { return e.err.Error() }
func (e writeFailure) Unwrap() error { return e.err }

// LogDB stores named append-only channels. Each channel accepts either
// tensors of one dtype and trailing shape, or arbitrary objects, depending on
// the first item appended to it.
type LogDB struct {
	*store
	wtx     *bbolt.Tx
	pending int
	metas   map[string]*channelMeta
}

// OpenLogDB opens path in the given mode. Opening a missing file in Read mode
// fails with ErrNotFound.
func OpenLogDB(path string, mode Mode, opt Options) (*LogDB, error) {
	s, err := openStore(path, mode, kindLog, opt)
	if err != nil {
		return nil, err
	}
	if mode.Writable() {
		err = s.bdb.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(channelsBucket)
			return err
		})
		if err != nil {
			s.close()
			return nil, fmt.Errorf("hstore: opening %s: %w", s.path, err)
		}
	}
	db := &LogDB{
		store: s,
		metas: make(map[string]*channelMeta),
	}
	if opt.Verbose {
		keys, _ := db.Keys()
		s.logger.LogAttrs(context.Background(), slog.LevelInfo, "hstore: log loaded",
			slog.String("path", s.path),
			slog.Any("keys", keys))
	}
	return db, nil
}

// WithLogDB opens path, runs fn and closes the store on every exit path.
func WithLogDB(path string, mode Mode, opt Options, fn func(db *LogDB) error) (err error) {
	db, err := OpenLogDB(path, mode, opt)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(db)
}

// Append adds item to the end of the key channel, creating the channel if
// this is its first item.
func (db *LogDB) Append(key string, item any) error {
	if err := db.checkWritable("append"); err != nil {
		return err
	}
	return db.update(func(tx *bbolt.Tx) error {
		ch, meta, err := db.channel(tx, key)
		if err != nil {
			return err
		}
		created := ch == nil
		if created {
			meta = newChannelMeta(item, db.opt.Compression)
		}
		row, err := packRow(key, meta, item)
		if err != nil {
			return err
		}
		if created {
			ch, err = db.createChannel(tx, key, meta)
			if err != nil {
				return writeFailure{err}
			}
		}
		return putRows(ch, row)
	})
}

// Extend appends items in order to an existing channel. Either all items are
// appended or none.
func (db *LogDB) Extend(key string, items []any) error {
	if err := db.checkWritable("extend"); err != nil {
		return err
	}
	return db.update(func(tx *bbolt.Tx) error {
		ch, meta, err := db.channel(tx, key)
		if err != nil {
			return err
		}
		if ch == nil {
			return db.keyError(tx, key)
		}
		rows := make([][]byte, len(items))
		for i, item := range items {
			rows[i], err = packRow(key, meta, item)
			if err != nil {
				return err
			}
		}
		return putRows(ch, rows...)
	})
}

// Len returns the number of rows in the key channel without scanning it.
func (db *LogDB) Len(key string) (int, error) {
	if err := db.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	err := db.view(func(tx *bbolt.Tx) error {
		ch, _, err := db.channel(tx, key)
		if err != nil {
			return err
		}
		if ch == nil {
			return db.keyError(tx, key)
		}
		n = int(ch.Bucket(rowsBucket).Sequence())
		return nil
	})
	return n, err
}

// Keys returns the channel names in byte order.
func (db *LogDB) Keys() ([]string, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	var keys []string
	err := db.view(func(tx *bbolt.Tx) error {
		keys = channelKeys(tx)
		return nil
	})
	return keys, err
}

// Has reports whether a channel named key exists.
func (db *LogDB) Has(key string) (bool, error) {
	if err := db.checkOpen(); err != nil {
		return false, err
	}
	var found bool
	err := db.view(func(tx *bbolt.Tx) error {
		found = channelBucket(tx, key) != nil
		return nil
	})
	return found, err
}

// Flush commits appends grouped by Options.CommitEvery.
func (db *LogDB) Flush() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.commit()
}

// Close commits pending appends and releases the file. Calling it again is a
// no-op.
func (db *LogDB) Close() error {
	if db.closed.Load() {
		return nil
	}
	err := db.commit()
	if cerr := db.store.close(); err == nil {
		err = cerr
	}
	return err
}

func (db *LogDB) update(fn func(tx *bbolt.Tx) error) error {
	if db.wtx == nil {
		tx, err := db.bdb.Begin(true)
		if err != nil {
			return fmt.Errorf("hstore: %s: %w", db.path, err)
		}
		db.wtx = tx
	}
	if err := fn(db.wtx); err != nil {
		var wf writeFailure
		if errors.As(err, &wf) {
			db.rollback()
			return fmt.Errorf("hstore: %s: %w", db.path, wf.err)
		}
		if db.pending == 0 {
			db.rollback()
		}
		return err
	}
	db.pending++
	if db.pending >= max(db.opt.CommitEvery, 1) {
		return db.commit()
	}
	return nil
}

func (db *LogDB) commit() error {
	if db.wtx == nil {
		return nil
	}
	tx := db.wtx
	db.wtx, db.pending = nil, 0
	if err := tx.Commit(); err != nil {
		clear(db.metas)
		return fmt.Errorf("hstore: commit %s: %w", db.path, err)
	}
	return nil
}

func (db *LogDB) rollback() {
	if db.wtx == nil {
		return
	}
	if db.pending > 0 {
		db.logger.LogAttrs(context.Background(), slog.LevelWarn, "hstore: discarding uncommitted appends",
			slog.String("path", db.path),
			slog.Int("appends", db.pending))
	}
	_ = db.wtx.Rollback()
	db.wtx, db.pending = nil, 0
	clear(db.metas)
}

// view reads through the pending write transaction when there is one, so
// reads observe uncommitted appends and never wait on bbolt's writer lock.
func (db *LogDB) view(fn func(tx *bbolt.Tx) error) error {
	if db.wtx != nil {
		return fn(db.wtx)
	}
	return db.bdb.View(fn)
}

// channel returns the bucket and metadata of key, or nil if it doesn't exist.
func (db *LogDB) channel(tx *bbolt.Tx, key string) (*bbolt.Bucket, *channelMeta, error) {
	ch := channelBucket(tx, key)
	if ch == nil {
		return nil, nil, nil
	}
	if meta := db.metas[key]; meta != nil {
		return ch, meta, nil
	}
	raw := ch.Get(channelMetaKey)
	if raw == nil || ch.Bucket(rowsBucket) == nil {
		return nil, nil, nodeErrf([]string{key}, ErrCorrupt, "incomplete channel")
	}
	meta := &channelMeta{}
	if err := unmarshalMeta(raw, meta); err != nil {
		return nil, nil, nodeErrf([]string{key}, err, "")
	}
	db.metas[key] = meta
	return ch, meta, nil
}

func (db *LogDB) createChannel(tx *bbolt.Tx, key string, meta *channelMeta) (*bbolt.Bucket, error) {
	root, err := tx.CreateBucketIfNotExists(channelsBucket)
	if err != nil {
		return nil, err
	}
	ch, err := root.CreateBucket([]byte(key))
	if err != nil {
		return nil, nodeErrf([]string{key}, err, "cannot create channel")
	}
	if _, err := ch.CreateBucket(rowsBucket); err != nil {
		return nil, err
	}
	if err := ch.Put(channelMetaKey, marshalMeta(meta)); err != nil {
		return nil, err
	}
	db.metas[key] = meta
	db.logger.LogAttrs(context.Background(), slog.LevelDebug, "hstore: created channel",
		slog.String("path", db.path),
		slog.String("key", key),
		slog.String("encoding", meta.describe()),
		slog.String("compression", meta.Compression.String()))
	return ch, nil
}

func (db *LogDB) keyError(tx *bbolt.Tx, key string) error {
	return fmt.Errorf("hstore: %s: %w", db.path, &KeyError{Key: key, Available: channelKeys(tx)})
}

// requireKeys fails with a KeyError for the first key that has no channel.
func (db *LogDB) requireKeys(keys ...string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.view(func(tx *bbolt.Tx) error {
		for _, key := range keys {
			if channelBucket(tx, key) == nil {
				return db.keyError(tx, key)
			}
		}
		return nil
	})
}

func channelBucket(tx *bbolt.Tx, key string) *bbolt.Bucket {
	root := tx.Bucket(channelsBucket)
	if root == nil || key == "" {
		return nil
	}
	return root.Bucket([]byte(key))
}

func channelKeys(tx *bbolt.Tx) []string {
	keys := []string{}
	root := tx.Bucket(channelsBucket)
	if root == nil {
		return keys
	}
	c := root.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if v == nil {
			keys = append(keys, string(k))
		}
	}
	return keys
}

func putRows(ch *bbolt.Bucket, rows ...[]byte) error {
	b := ch.Bucket(rowsBucket)
	for _, row := range rows {
		seq, err := b.NextSequence()
		if err != nil {
			return writeFailure{err}
		}
		if err := b.Put(seqKey(seq), row); err != nil {
			return writeFailure{err}
		}
	}
	return nil
}

// packRow validates item against the channel and returns the stored row.
func packRow(key string, meta *channelMeta, item any) ([]byte, error) {
	t := asTensor(item)
	switch meta.Encoding {
	case arrayChannel:
		if t == nil {
			return nil, nodeErrf([]string{key}, ErrTypeMismatch, "array channel cannot take %T", item)
		}
		if err := t.validate(); err != nil {
			return nil, nodeErrf([]string{key}, err, "")
		}
		if t.DType != meta.DType || t.Rank() != meta.Rank || !slices.Equal(t.TrailingShape(), meta.Trailing) {
			return nil, nodeErrf([]string{key}, ErrTypeMismatch, "got %v, channel holds %s", t, meta.describe())
		}
		payload := appendTensor(valueBytesPool.Get().([]byte), t)
		row := appendLeaf(nil, leafTensor, payload, meta.Compression)
		valueBytesPool.Put(payload[:0])
		return row, nil
	case opaqueChannel:
		if t != nil {
			return nil, nodeErrf([]string{key}, ErrTypeMismatch, "opaque channel cannot take tensor %v", t)
		}
		payload, err := packObject(valueBytesPool.Get().([]byte), item)
		if err != nil {
			return nil, nodeErrf([]string{key}, fmt.Errorf("%w: %w", ErrTypeMismatch, err), "")
		}
		row := appendLeaf(nil, leafBytes, payload, meta.Compression)
		valueBytesPool.Put(payload[:0])
		return row, nil
	default:
		return nil, nodeErrf([]string{key}, ErrUnknownEncoding, "channel encoding %v", meta.Encoding)
	}
}

func decodeRow(raw []byte) (any, error) {
	lf, err := decodeLeaf(raw)
	if err != nil {
		return nil, err
	}
	switch lf.Kind {
	case leafTensor:
		return decodeTensor(lf.Payload)
	case leafBytes:
		return Unpack(lf.Payload)
	default:
		return nil, dataErrf(raw, 0, ErrUnknownEncoding, "unexpected %v row", lf.Kind)
	}
}

func asTensor(item any) *Tensor {
	switch v := item.(type) {
	case *Tensor:
		return v
	case Tensor:
		return &v
	default:
		return nil
	}
}

// Pack returns the stored form of a channel item: tensors pass through,
// anything else becomes a tagged msgpack payload.
func Pack(item any) (any, error) {
	if t := asTensor(item); t != nil {
		return t, nil
	}
	return packObject(nil, item)
}

// Unpack reverses Pack. Values that are neither tensors nor tagged payloads
// fail with ErrUnknownEncoding.
func Unpack(item any) (any, error) {
	switch v := item.(type) {
	case *Tensor:
		return v, nil
	case Tensor:
		return &v, nil
	case []byte:
		if isTagged(v) {
			return unpackObject(v)
		}
	case string:
		if isTagged([]byte(v)) {
			return unpackObject([]byte(v))
		}
	}
	return nil, fmt.Errorf("hstore: %w: cannot unpack %T", ErrUnknownEncoding, item)
}
