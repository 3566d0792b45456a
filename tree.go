package hstore

import (
	"fmt"
	"log/slog"

	"go.etcd.io/bbolt"
)

var rootBucket = []byte("root")

// treeWriter emits encoded nodes into bbolt buckets. Failures confined to one
// child are logged and the child is skipped.
type treeWriter struct {
	logger *slog.Logger
	comp   Compression
}

func (w *treeWriter) writeChildren(b *bbolt.Bucket, path []string, g *NodeGroup, force bool) {
	for i, name := range g.namesOrNil() {
		cpath := childPath(path, name)
		if force {
			if err := deleteChild(b, name); err != nil {
				logSkipped(w.logger, "delete", cpath, err)
				continue
			}
		}
		if err := w.writeNode(b, cpath, name, g.Nodes[i], force); err != nil {
			logSkipped(w.logger, "write", cpath, err)
		}
	}
}

func (w *treeWriter) writeNode(b *bbolt.Bucket, path []string, name string, n Node, force bool) error {
	key := []byte(name)
	if n.Kind == KindGroup {
		sub, err := b.CreateBucketIfNotExists(key)
		if err != nil {
			return nodeErrf(path, err, "cannot create group")
		}
		w.writeChildren(sub, path, n.Children, force)
		return nil
	}
	// bbolt keeps the value until commit, so each leaf gets its own buffer.
	if err := b.Put(key, appendNodeLeaf(nil, n, w.comp)); err != nil {
		return nodeErrf(path, err, "cannot write %v", n.Kind)
	}
	return nil
}

// deleteChild removes a group or leaf; a missing child is not an error.
func deleteChild(b *bbolt.Bucket, name string) error {
	key := []byte(name)
	if b.Bucket(key) != nil {
		return b.DeleteBucket(key)
	}
	return b.Delete(key)
}

// ensureBucketPath walks or creates nested buckets under b.
func ensureBucketPath(b *bbolt.Bucket, path []string) (*bbolt.Bucket, error) {
	for i, name := range path {
		sub, err := b.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return nil, nodeErrf(path[:i+1], err, "cannot create group")
		}
		b = sub
	}
	return b, nil
}

// readGroup loads every child of b. Leaves that cannot be decoded are logged
// and skipped.
func readGroup(b *bbolt.Bucket, path []string, logger *slog.Logger) *NodeGroup {
	out := &NodeGroup{}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		name := string(k)
		cpath := childPath(path, name)
		if v == nil {
			sub := b.Bucket(k)
			if sub == nil {
				logSkipped(logger, "read", cpath, nodeErrf(cpath, ErrCorrupt, "no such node"))
				continue
			}
			out.add(name, Node{Kind: KindGroup, Children: readGroup(sub, cpath, logger)})
			continue
		}
		n, err := decodeNodeLeaf(v)
		if err != nil {
			logSkipped(logger, "read", cpath, err)
			continue
		}
		out.add(name, n)
	}
	return out
}

func loadTree(tx *bbolt.Tx, logger *slog.Logger) (*Group, error) {
	b := tx.Bucket(rootBucket)
	if b == nil {
		return nil, fmt.Errorf("%w: missing root group", ErrCorrupt)
	}
	return decodeGroup(readGroup(b, nil, logger), nil, logger), nil
}
