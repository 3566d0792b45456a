package hstore

import (
	"slices"
	"time"

	"go.etcd.io/bbolt"
)

type ChannelStats struct {
	Rows          int
	Encoding      string
	DType         DType
	TrailingShape []int
	Compression   Compression
	Created       time.Time

	DataSize  int
	DataAlloc int
}

// Stats describes the key channel. Sizes come from bbolt page accounting and
// reflect compressed rows.
func (db *LogDB) Stats(key string) (ChannelStats, error) {
	if err := db.checkOpen(); err != nil {
		return ChannelStats{}, err
	}
	var result ChannelStats
	err := db.view(func(tx *bbolt.Tx) error {
		ch, meta, err := db.channel(tx, key)
		if err != nil {
			return err
		}
		if ch == nil {
			return db.keyError(tx, key)
		}
		rows := ch.Bucket(rowsBucket)
		bs := rows.Stats()
		result = ChannelStats{
			Rows:          int(rows.Sequence()),
			Encoding:      meta.Encoding.String(),
			DType:         meta.DType,
			TrailingShape: slices.Clone(meta.Trailing),
			Compression:   meta.Compression,
			Created:       meta.Created,
			DataSize:      bs.LeafInuse + bs.InlineBucketInuse,
			DataAlloc:     bs.BranchAlloc + bs.LeafAlloc,
		}
		return nil
	})
	return result, err
}
