package hstore

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// AttrDB keeps a tree in memory and writes selected parts of it back to its
// file on Flush, leaving everything else in the file untouched.
type AttrDB struct {
	*store
	data *Group
}

// OpenAttrDB opens path in the given mode. Read and Append modes load the
// stored tree into memory; Write mode truncates the file and starts empty.
func OpenAttrDB(path string, mode Mode, opt Options) (*AttrDB, error) {
	s, err := openStore(path, mode, kindTree, opt)
	if err != nil {
		return nil, err
	}
	db := &AttrDB{store: s}

	if mode == ModeWrite {
		db.data = NewGroup()
		err = s.bdb.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(rootBucket)
			return err
		})
	} else {
		err = s.bdb.View(func(tx *bbolt.Tx) error {
			if tx.Bucket(rootBucket) == nil {
				db.data = NewGroup()
				return nil
			}
			var err error
			db.data, err = loadTree(tx, s.logger)
			return err
		})
	}
	if err != nil {
		s.close()
		return nil, fmt.Errorf("hstore: opening %s: %w", s.path, err)
	}
	return db, nil
}

// WithAttrDB opens path, runs fn and closes the store on every exit path.
func WithAttrDB(path string, mode Mode, opt Options, fn func(db *AttrDB) error) (err error) {
	db, err := OpenAttrDB(path, mode, opt)
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

// Data returns the in-memory tree. Changes made to it reach the file only
// through Flush.
func (db *AttrDB) Data() *Group {
	return db.data
}

// Flush writes every child of subtree (the whole in-memory tree when nil)
// under the root group. With force, existing nodes at those paths are removed
// first. Flushed children are also set in the in-memory tree.
func (db *AttrDB) Flush(subtree *Group, force bool) error {
	return db.FlushAt(nil, subtree, force)
}

// FlushAll is Flush(nil, true).
func (db *AttrDB) FlushAll() error {
	return db.Flush(nil, true)
}

// FlushAt is like Flush but writes the children of subtree under the group at
// path, creating intermediate groups as needed.
func (db *AttrDB) FlushAt(path []string, subtree *Group, force bool) error {
	if err := db.checkWritable("flush"); err != nil {
		return err
	}
	if subtree == nil {
		if len(path) != 0 {
			return fmt.Errorf("hstore: flush at %s: nil subtree", nodePathString(path))
		}
		subtree = db.data
	}

	encoded, err := encodeGroup(subtree, path, db.logger)
	if err != nil {
		return err
	}
	w := &treeWriter{logger: db.logger, comp: db.opt.Compression}
	err = db.bdb.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(rootBucket)
		if err != nil {
			return err
		}
		b, err := ensureBucketPath(root, path)
		if err != nil {
			return err
		}
		w.writeChildren(b, path, encoded, force)
		return nil
	})
	if err != nil {
		return fmt.Errorf("hstore: flushing %s: %w", db.path, err)
	}

	if subtree != db.data {
		target := db.data
		for _, name := range path {
			next, ok := target.Get(name).(*Group)
			if !ok {
				next = NewGroup()
				target.Set(name, next)
			}
			target = next
		}
		if target != subtree {
			subtree.Each(target.Set)
		}
	}
	return nil
}

// Close releases the file. It does not flush; calling it again is a no-op.
func (db *AttrDB) Close() error {
	return db.store.close()
}
