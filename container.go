package hstore

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// Save writes tree to path, replacing whatever the file held. Missing parent
// directories are created. Children that cannot be encoded or written are
// logged and skipped; any file-level failure aborts the save.
func Save(path string, tree *Group, opt Options) error {
	s, err := openStore(path, ModeWrite, kindTree, opt)
	if err != nil {
		return err
	}
	defer s.close()

	root, err := encodeGroup(tree, nil, s.logger)
	if err != nil {
		return fmt.Errorf("hstore: saving %s: %w", s.path, err)
	}
	w := &treeWriter{logger: s.logger, comp: s.opt.Compression}
	err = s.bdb.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(rootBucket)
		if err != nil {
			return err
		}
		w.writeChildren(b, nil, root, true)
		return nil
	})
	if err != nil {
		return fmt.Errorf("hstore: saving %s: %w", s.path, err)
	}
	return s.close()
}

// Load reads the whole tree stored at path. Nodes that cannot be decoded are
// logged and skipped, so the result may be partial.
func Load(path string, opt Options) (*Group, error) {
	s, err := openStore(path, ModeRead, kindTree, opt)
	if err != nil {
		return nil, err
	}
	defer s.close()

	var tree *Group
	err = s.bdb.View(func(tx *bbolt.Tx) error {
		var err error
		tree, err = loadTree(tx, s.logger)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("hstore: loading %s: %w", s.path, err)
	}
	return tree, nil
}
