package hstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.etcd.io/bbolt"
)

type DumpFlags uint64

const (
	DumpHeader = DumpFlags(1 << iota)
	DumpGroups
	DumpLeaves
	DumpChannels
	DumpStats
	DumpRows

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)

	indentStep   = "  "
	dumpValueMax = 60
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// DumpFile opens path read-only and renders whatever kind of store it holds.
func DumpFile(path string, f DumpFlags, opt Options) (string, error) {
	s, err := openStore(path, ModeRead, "", opt)
	if err != nil {
		return "", err
	}
	defer s.close()

	var buf strings.Builder
	dumpHeader(&buf, f, s)
	err = s.bdb.View(func(tx *bbolt.Tx) error {
		switch s.meta.Kind {
		case kindTree:
			if root := tx.Bucket(rootBucket); root != nil {
				dumpGroup(&buf, f, root, nil, "")
			}
		case kindLog:
			db := &LogDB{store: s, metas: make(map[string]*channelMeta)}
			db.dumpChannels(&buf, f, tx)
		}
		return nil
	})
	return buf.String(), err
}

// Dump renders the stored tree, which may differ from Data until flushed.
func (db *AttrDB) Dump(f DumpFlags) (string, error) {
	if err := db.checkOpen(); err != nil {
		return "", err
	}
	var buf strings.Builder
	dumpHeader(&buf, f, db.store)
	err := db.bdb.View(func(tx *bbolt.Tx) error {
		if root := tx.Bucket(rootBucket); root != nil {
			dumpGroup(&buf, f, root, nil, "")
		}
		return nil
	})
	return buf.String(), err
}

// Dump renders every channel, including appends not yet committed.
func (db *LogDB) Dump(f DumpFlags) (string, error) {
	if err := db.checkOpen(); err != nil {
		return "", err
	}
	var buf strings.Builder
	dumpHeader(&buf, f, db.store)
	err := db.view(func(tx *bbolt.Tx) error {
		db.dumpChannels(&buf, f, tx)
		return nil
	})
	return buf.String(), err
}

func dumpHeader(w *strings.Builder, f DumpFlags, s *store) {
	if f.Contains(DumpHeader) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s: %s store %s, format %d, created %s\n", s.path, s.meta.Kind, s.meta.ID, s.meta.Format, s.meta.Created.Format("2006-01-02 15:04:05"))
	}
}

func dumpGroup(w *strings.Builder, f DumpFlags, b *bbolt.Bucket, path []string, indent string) {
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		cpath := childPath(path, string(k))
		if v == nil {
			if f.Contains(DumpGroups) {
				fmt.Fprintf(w, "%s%s/\n", indent, nodePathString(cpath))
			}
			if sub := b.Bucket(k); sub != nil {
				dumpGroup(w, f, sub, cpath, indent+indentStep)
			}
			continue
		}
		if f.Contains(DumpLeaves) {
			fmt.Fprintf(w, "%s%s = %s\n", indent, nodePathString(cpath), describeLeaf(v))
		}
	}
}

func (db *LogDB) dumpChannels(w *strings.Builder, f DumpFlags, tx *bbolt.Tx) {
	for _, key := range channelKeys(tx) {
		ch, meta, err := db.channel(tx, key)
		if err != nil {
			fmt.Fprintf(w, "%s ** ERROR: %v\n", key, err)
			continue
		}
		rows := ch.Bucket(rowsBucket)
		if f.Contains(DumpChannels) {
			fmt.Fprintln(w, dumpSep2)
			fmt.Fprintf(w, "%s (%d rows) %s, %v\n", key, rows.Sequence(), meta.describe(), meta.Compression)
		}
		if f.Contains(DumpStats) {
			bs := rows.Stats()
			fmt.Fprintf(w, "%s.stats: data_size = %d, data_alloc = %d\n", key, bs.LeafInuse+bs.InlineBucketInuse, bs.BranchAlloc+bs.LeafAlloc)
		}
		if f.Contains(DumpRows) {
			c := rows.Cursor()
			var rowPos int
			for _, v := c.First(); v != nil; _, v = c.Next() {
				dumpRow(w, key, rowPos, v)
				rowPos++
			}
		}
	}
}

func dumpRow(w *strings.Builder, key string, rowPos int, raw []byte) {
	v, err := decodeRow(raw)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = ** ERROR: %v\n", key, rowPos, err)
		return
	}
	fmt.Fprintf(w, "%s.%d = %s\n", key, rowPos, summarizeValue(v))
}

func describeLeaf(raw []byte) string {
	lf, err := decodeLeaf(raw)
	if err != nil {
		return fmt.Sprintf("** ERROR: %v", err)
	}
	var desc string
	switch lf.Kind {
	case leafTensor:
		t, err := decodeTensor(lf.Payload)
		if err != nil {
			return fmt.Sprintf("** ERROR: %v", err)
		}
		desc = "array " + t.String()
	case leafString:
		desc = "string " + truncate(fmt.Sprintf("%q", lf.Payload), dumpValueMax)
	case leafBytes:
		if isTagged(lf.Payload) {
			desc = "object"
		} else {
			desc = "bytes"
		}
	}
	return fmt.Sprintf("%s (%d bytes, %d stored, %v)", desc, len(lf.Payload), lf.StoredSize, lf.Flags.compression())
}

func summarizeValue(v any) string {
	if t, ok := v.(*Tensor); ok {
		if t.NumElements() <= 8 {
			return fmt.Sprintf("%v %v", t, t.elems())
		}
		return t.String()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return truncate(fmt.Sprintf("%v", v), dumpValueMax)
	}
	return truncate(string(raw), dumpValueMax)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
