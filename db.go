package hstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// Mode is fixed when a store is opened and never changes.
type Mode int

const (
	ModeRead Mode = iota
	ModeAppend
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeAppend:
		return "append"
	case ModeWrite:
		return "write"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m Mode) Writable() bool {
	return m == ModeAppend || m == ModeWrite
}

type Options struct {
	Logger    *slog.Logger
	Verbose   bool
	IsTesting bool
	MmapSize  int

	// Timeout bounds the wait for bbolt's file lock. Defaults to 10s.
	Timeout time.Duration

	// Compression applies to tree leaves and to channels created by this
	// handle. Existing channels keep the compression they were created with.
	Compression Compression

	// CommitEvery groups this many LogDB appends into one transaction.
	// Zero or one commits every call.
	CommitEvery int

	FileMode fs.FileMode
}

const (
	formatVersion = 1

	kindTree = "tree"
	kindLog  = "log"
)

var (
	metaBucket = []byte("_hstore")
	metaKey    = []byte("meta")
)

type storeMeta struct {
	Format  int       `msgpack:"f"`
	Kind    string    `msgpack:"k"`
	ID      string    `msgpack:"id"`
	Created time.Time `msgpack:"ct"`
}

// store owns one bbolt file opened in one mode.
type store struct {
	bdb    *bbolt.DB
	path   string
	mode   Mode
	meta   storeMeta
	logger *slog.Logger
	opt    Options
	opened time.Time

	// closed may be read by a Registry on another goroutine.
	closed atomic.Bool
}

func openStore(path string, mode Mode, kind string, opt Options) (*store, error) {
	if mode < ModeRead || mode > ModeWrite {
		return nil, fmt.Errorf("hstore: unknown mode %v", mode)
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Timeout == 0 {
		opt.Timeout = 10 * time.Second
	}
	if opt.FileMode == 0 {
		opt.FileMode = 0o666
	}
	if opt.Compression > maxCompression {
		return nil, fmt.Errorf("hstore: %w: compression %v", ErrUnknownEncoding, opt.Compression)
	}

	path, err := expandPath(path)
	if err != nil {
		return nil, err
	}

	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = opt.Timeout
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	switch mode {
	case ModeRead:
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("hstore: failed to open %s: %w", path, ErrNotFound)
			}
			return nil, fmt.Errorf("hstore: %w", err)
		}
		bopt.ReadOnly = true
	case ModeWrite:
		if err := createParentDirs(path); err != nil {
			return nil, err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("hstore: truncating %s: %w", path, err)
		}
	case ModeAppend:
		if err := createParentDirs(path); err != nil {
			return nil, err
		}
	}

	bdb, err := bbolt.Open(path, opt.FileMode, bopt)
	if err != nil {
		return nil, fmt.Errorf("hstore: opening %s: %w", path, err)
	}

	s := &store{
		bdb:    bdb,
		path:   path,
		mode:   mode,
		logger: opt.Logger,
		opt:    opt,
		opened: time.Now(),
	}
	if err := s.prepareMeta(kind); err != nil {
		bdb.Close()
		return nil, err
	}
	if opt.Verbose {
		s.logger.LogAttrs(context.Background(), slog.LevelInfo, "hstore: opened",
			slog.String("path", path),
			slog.String("mode", mode.String()),
			slog.String("kind", s.meta.Kind),
			slog.String("id", s.meta.ID))
	}
	return s, nil
}

func (s *store) prepareMeta(kind string) error {
	check := func(raw []byte) error {
		if err := unmarshalMeta(raw, &s.meta); err != nil {
			return fmt.Errorf("hstore: %s: %w", s.path, err)
		}
		if s.meta.Format != formatVersion {
			return fmt.Errorf("hstore: %s: %w: format %d, expected %d", s.path, ErrIncompatible, s.meta.Format, formatVersion)
		}
		if kind != "" && s.meta.Kind != kind {
			return fmt.Errorf("hstore: %s: %w: holds a %s store, expected %s", s.path, ErrIncompatible, s.meta.Kind, kind)
		}
		return nil
	}

	if !s.mode.Writable() {
		return s.bdb.View(func(tx *bbolt.Tx) error {
			b := tx.Bucket(metaBucket)
			if b == nil || b.Get(metaKey) == nil {
				return fmt.Errorf("hstore: %s: %w: missing store header", s.path, ErrIncompatible)
			}
			return check(b.Get(metaKey))
		})
	}

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if raw := b.Get(metaKey); raw != nil {
			return check(raw)
		}
		s.meta = storeMeta{
			Format:  formatVersion,
			Kind:    kind,
			ID:      uuid.Must(uuid.NewV7()).String(),
			Created: time.Now().UTC(),
		}
		return b.Put(metaKey, marshalMeta(&s.meta))
	})
}

func (s *store) Path() string {
	return s.path
}

func (s *store) Mode() Mode {
	return s.mode
}

// ID returns the identifier assigned when the file was created.
func (s *store) ID() string {
	return s.meta.ID
}

// Kind returns "tree" for containers and attribute stores, "log" for logs.
func (s *store) Kind() string {
	return s.meta.Kind
}

func (s *store) IsClosed() bool {
	return s.closed.Load()
}

func (s *store) checkOpen() error {
	if s.closed.Load() {
		return fmt.Errorf("hstore: %s: %w", s.path, ErrClosed)
	}
	return nil
}

func (s *store) checkWritable(op string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !s.mode.Writable() {
		return fmt.Errorf("hstore: %s on %s: %w (opened in %v mode)", op, s.path, ErrModeViolation, s.mode)
	}
	return nil
}

func (s *store) close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.bdb.Close()
	if s.opt.Verbose {
		s.logger.LogAttrs(context.Background(), slog.LevelInfo, "hstore: closed",
			slog.String("path", s.path),
			slog.Duration("open_for", time.Since(s.opened)))
	}
	if err != nil {
		return fmt.Errorf("hstore: closing %s: %w", s.path, err)
	}
	return nil
}
