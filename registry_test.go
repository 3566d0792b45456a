package hstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestRegistry_TrackAndCloseAll(t *testing.T) {
	var reg Registry
	a := must(OpenLogDB(tempPath(t, "a.db"), ModeWrite, testOptions()))
	b := must(OpenAttrDB(tempPath(t, "b.db"), ModeWrite, testOptions()))
	reg.Track(a)
	reg.Track(b)
	reg.Track(a)
	deepEqual(t, reg.Len(), 2)

	desc := reg.Describe()
	if !strings.Contains(desc, "2 OPEN STORES") || !strings.Contains(desc, a.Path()) || !strings.Contains(desc, "(write)") {
		t.Fatalf("Describe() = %q", desc)
	}

	ensure(reg.CloseAll())
	if !a.IsClosed() || !b.IsClosed() {
		t.Fatalf("CloseAll left handles open")
	}
	deepEqual(t, reg.Len(), 0)
	deepEqual(t, reg.Describe(), "NO OPEN STORES")
}

func TestRegistry_Untrack(t *testing.T) {
	reg := NewRegistry()
	db := must(OpenLogDB(tempPath(t, "a.db"), ModeWrite, testOptions()))
	defer db.Close()

	reg.Track(db)
	deepEqual(t, reg.Untrack(db), true)
	deepEqual(t, reg.Untrack(db), false)
	ensure(reg.CloseAll())
	if db.IsClosed() {
		t.Fatalf("CloseAll closed an untracked handle")
	}
}

func TestRegistry_ForgetsHandlesClosedDirectly(t *testing.T) {
	reg := NewRegistry()
	db := must(OpenLogDB(tempPath(t, "a.db"), ModeWrite, testOptions()))
	reg.Track(db)
	ensure(db.Close())
	deepEqual(t, reg.Len(), 0)
}

func TestRegistry_PrunesWhileHandlesClose(t *testing.T) {
	reg := NewRegistry()
	var dbs []*LogDB
	for i := range 4 {
		db := must(OpenLogDB(tempPath(t, fmt.Sprintf("log%d.db", i)), ModeWrite, testOptions()))
		reg.Track(db)
		dbs = append(dbs, db)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, db := range dbs {
			ensure(db.Close())
		}
	}()
	for reg.Len() > 0 {
		_ = reg.Describe()
	}
	wg.Wait()
	deepEqual(t, reg.Describe(), "NO OPEN STORES")
}

func TestRegistry_LogWriterResolvesRelativePaths(t *testing.T) {
	wd := must(os.Getwd())
	ensure(os.Chdir(t.TempDir()))
	t.Cleanup(func() { ensure(os.Chdir(wd)) })
	reg := NewRegistry()
	defer reg.CloseAll()

	w1 := must(reg.LogWriter("log.db", testOptions()))
	w2 := must(reg.LogWriter("./log.db", testOptions()))
	if w1 != w2 {
		t.Fatalf("LogWriter opened log.db and ./log.db as different handles")
	}
	if !filepath.IsAbs(w1.Path()) {
		t.Errorf("Path() = %q, wanted an absolute path", w1.Path())
	}
	deepEqual(t, reg.Len(), 1)
}

func TestRegistry_LogWriterCachesByPath(t *testing.T) {
	reg := NewRegistry()
	path := tempPath(t, "log.db")

	w1 := must(reg.LogWriter(path, testOptions()))
	ensure(w1.Append("x", Scalar(1)))
	w2 := must(reg.LogWriter(path, testOptions()))
	if w1 != w2 {
		t.Fatalf("LogWriter returned a new handle for the same path")
	}
	ensure(w2.Append("x", Scalar(2)))
	deepEqual(t, must(w1.Len("x")), 2)

	other := must(reg.LogWriter(tempPath(t, "other.db"), testOptions()))
	if other == w1 {
		t.Fatalf("LogWriter returned the same handle for different paths")
	}
	deepEqual(t, reg.Len(), 2)

	ensure(reg.CloseAll())
	ensure(WithLogDB(path, ModeRead, testOptions(), func(db *LogDB) error {
		deepEqual(t, must(db.Len("x")), 2)
		return nil
	}))

	// After the writer is closed, the next call starts a fresh file.
	w3 := must(reg.LogWriter(path, testOptions()))
	defer reg.CloseAll()
	isempty(t, must(w3.Keys()))
}

func TestRegistry_CaptureStacks(t *testing.T) {
	reg := &Registry{CaptureStacks: true}
	db := must(OpenLogDB(tempPath(t, "a.db"), ModeWrite, testOptions()))
	reg.Track(db)
	defer reg.CloseAll()

	if desc := reg.Describe(); !strings.Contains(desc, "TestRegistry_CaptureStacks") {
		t.Fatalf("Describe() has no stack:\n%s", desc)
	}
}
