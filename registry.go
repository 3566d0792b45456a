package hstore

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"
)

// Handle is an open store tracked by a Registry.
type Handle interface {
	Path() string
	Mode() Mode
	IsClosed() bool
	Close() error
}

var (
	_ Handle = (*AttrDB)(nil)
	_ Handle = (*LogDB)(nil)
)

// Registry keeps track of open stores so a program can close them all on
// shutdown and report the ones it forgot about. The zero value is ready to
// use. A Registry may be shared between goroutines; the handles it tracks
// may not.
type Registry struct {
	// CaptureStacks records where each handle was tracked, for Describe.
	CaptureStacks bool

	mu      sync.Mutex
	entries []*registryEntry
}

type registryEntry struct {
	h      Handle
	opened time.Time
	stack  string
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Track adds h. Tracking the same handle twice has no effect.
func (r *Registry) Track(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.find(h) >= 0 {
		return
	}
	e := &registryEntry{h: h, opened: time.Now()}
	if r.CaptureStacks {
		e.stack = string(debug.Stack())
	}
	r.entries = append(r.entries, e)
}

// Untrack forgets h without closing it and reports whether it was tracked.
func (r *Registry) Untrack(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := r.find(h)
	if found < 0 {
		return false
	}
	r.entries = slices.Delete(r.entries, found, found+1)
	return true
}

func (r *Registry) find(h Handle) int {
	return slices.IndexFunc(r.entries, func(e *registryEntry) bool {
		return e.h == h
	})
}

// Len returns the number of tracked handles that are still open.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	return len(r.entries)
}

// prune drops handles that were closed directly.
func (r *Registry) prune() {
	r.entries = slices.DeleteFunc(r.entries, func(e *registryEntry) bool {
		return e.h.IsClosed()
	})
}

// LogWriter returns the Write-mode LogDB tracked for path, opening and
// tracking a new one if there is none. Paths are compared in absolute form.
// The first call truncates the file; later calls return the same handle until
// it is closed.
func (r *Registry) LogWriter(path string, opt Options) (*LogDB, error) {
	expanded, err := expandPath(path)
	if err != nil {
		return nil, err
	}
	key, err := filepath.Abs(expanded)
	if err != nil {
		return nil, fmt.Errorf("hstore: %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	for _, e := range r.entries {
		if db, ok := e.h.(*LogDB); ok && db.Path() == key && db.Mode() == ModeWrite {
			return db, nil
		}
	}

	db, err := OpenLogDB(key, ModeWrite, opt)
	if err != nil {
		return nil, err
	}
	r.entries = append(r.entries, &registryEntry{h: db, opened: time.Now()})
	return db, nil
}

// CloseAll closes and forgets every tracked handle, returning the joined
// close errors.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Describe lists open handles, oldest first.
func (r *Registry) Describe() string {
	r.mu.Lock()
	r.prune()
	entries := slices.Clone(r.entries)
	r.mu.Unlock()

	if len(entries) == 0 {
		return "NO OPEN STORES"
	}

	slices.SortFunc(entries, func(a, b *registryEntry) int {
		return a.opened.Compare(b.opened)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN STORES:\n", len(entries))
	for _, e := range entries {
		ms := now.Sub(e.opened).Milliseconds()
		fmt.Fprintf(&buf, "\n---\n%s (%v) open for %d ms\n", e.h.Path(), e.h.Mode(), ms)
		if e.stack != "" {
			buf.WriteString(e.stack)
		}
	}
	return buf.String()
}
