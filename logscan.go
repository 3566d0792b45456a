package hstore

import (
	"fmt"
	"iter"
	"strconv"

	"go.etcd.io/bbolt"
)

// scanWindow is how many rows one read transaction decodes. Iterators never
// hold a transaction while yielding, so appends may be interleaved with
// iteration.
const scanWindow = 256

// Values returns the rows of the key channel in append order, every everyK-th
// row starting with the first. everyK below 1 means every row. Rows appended
// while iterating may or may not be seen. A missing key fails immediately with
// a *KeyError; a row that cannot be decoded ends the sequence with its error.
func (db *LogDB) Values(key string, everyK int) (iter.Seq2[any, error], error) {
	if err := db.requireKeys(key); err != nil {
		return nil, err
	}
	step := max(everyK, 1)
	return func(yield func(any, error) bool) {
		pos := 0
		for {
			batch, next, err := db.readRows(key, pos, step, scanWindow)
			for _, v := range batch {
				if !yield(v, nil) {
					return
				}
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if len(batch) < scanWindow {
				return
			}
			pos = next
		}
	}, nil
}

// Chunks returns the rows of the key channel in consecutive slices of
// batchSize; the last slice may be shorter, and an empty channel yields none.
func (db *LogDB) Chunks(key string, batchSize int) (iter.Seq2[[]any, error], error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("hstore: invalid batch size %d", batchSize)
	}
	if err := db.requireKeys(key); err != nil {
		return nil, err
	}
	return func(yield func([]any, error) bool) {
		pos := 0
		for {
			batch, next, err := db.readRows(key, pos, 1, batchSize)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(batch) == 0 {
				return
			}
			if !yield(batch, nil) {
				return
			}
			if len(batch) < batchSize {
				return
			}
			pos = next
		}
	}, nil
}

// ValuesForKeys zips Values of several channels: each step yields one row of
// every key, in the order of keys, and iteration stops at the shortest
// channel.
func (db *LogDB) ValuesForKeys(keys []string) (iter.Seq2[[]any, error], error) {
	if err := db.requireKeys(keys...); err != nil {
		return nil, err
	}
	seqs := make([]iter.Seq2[any, error], len(keys))
	for i, key := range keys {
		var err error
		seqs[i], err = db.Values(key, 1)
		if err != nil {
			return nil, err
		}
	}
	return zipSeqs(seqs), nil
}

// ChunksForKeys zips Chunks of several channels. Each step yields one chunk
// per key, so near the end the chunks may differ in length. Iteration stops
// when the shortest channel runs out of chunks.
func (db *LogDB) ChunksForKeys(keys []string, batchSize int) (iter.Seq2[[][]any, error], error) {
	if err := db.requireKeys(keys...); err != nil {
		return nil, err
	}
	seqs := make([]iter.Seq2[[]any, error], len(keys))
	for i, key := range keys {
		var err error
		seqs[i], err = db.Chunks(key, batchSize)
		if err != nil {
			return nil, err
		}
	}
	return zipSeqs(seqs), nil
}

// Row returns row idx of the key channel. Negative indexes count from the end.
func (db *LogDB) Row(key string, idx int) (any, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	var out any
	err := db.view(func(tx *bbolt.Tx) error {
		ch, _, err := db.channel(tx, key)
		if err != nil {
			return err
		}
		if ch == nil {
			return db.keyError(tx, key)
		}
		rows := ch.Bucket(rowsBucket)
		n := int(rows.Sequence())
		if idx < 0 {
			idx += n
		}
		if idx < 0 || idx >= n {
			return fmt.Errorf("hstore: %s: row %d of %d: %w", key, idx, n, ErrNotFound)
		}
		out, err = readRow(rows, key, idx)
		return err
	})
	return out, err
}

// readRows decodes up to limit rows starting at row start, advancing by step.
// It returns the position of the next row to read.
func (db *LogDB) readRows(key string, start, step, limit int) ([]any, int, error) {
	if err := db.checkOpen(); err != nil {
		return nil, start, err
	}
	var out []any
	pos := start
	err := db.view(func(tx *bbolt.Tx) error {
		ch, _, err := db.channel(tx, key)
		if err != nil {
			return err
		}
		if ch == nil {
			return db.keyError(tx, key)
		}
		rows := ch.Bucket(rowsBucket)
		n := int(rows.Sequence())
		for len(out) < limit && pos < n {
			v, err := readRow(rows, key, pos)
			if err != nil {
				return err
			}
			out = append(out, v)
			pos += step
		}
		return nil
	})
	return out, pos, err
}

func readRow(rows *bbolt.Bucket, key string, idx int) (any, error) {
	path := []string{key, strconv.Itoa(idx)}
	raw := rows.Get(seqKey(uint64(idx) + 1))
	if raw == nil {
		return nil, nodeErrf(path, ErrCorrupt, "missing row")
	}
	v, err := decodeRow(raw)
	if err != nil {
		return nil, nodeErrf(path, err, "")
	}
	return v, nil
}

// zipSeqs advances every sequence in lockstep and stops when any of them ends
// or fails.
func zipSeqs[T any](seqs []iter.Seq2[T, error]) iter.Seq2[[]T, error] {
	return func(yield func([]T, error) bool) {
		if len(seqs) == 0 {
			return
		}
		nexts := make([]func() (T, error, bool), len(seqs))
		for i, seq := range seqs {
			next, stop := iter.Pull2(seq)
			defer stop()
			nexts[i] = next
		}
		for {
			row := make([]T, len(nexts))
			for i, next := range nexts {
				v, err, ok := next()
				if !ok {
					return
				}
				if err != nil {
					yield(nil, err)
					return
				}
				row[i] = v
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}
