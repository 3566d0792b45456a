package hstore

import (
	"errors"
	"strings"
	"testing"
)

func setupLog(t testing.TB, opt Options) *LogDB {
	t.Helper()
	path := tempPath(t, "log.db")
	t.Logf("DB: %s", path)
	db := must(OpenLogDB(path, ModeWrite, opt))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLogDB_AppendLenAndKeys(t *testing.T) {
	db := setupLog(t, testOptions())

	for i := range 5 {
		ensure(db.Append("x", Vector(float64(i), float64(i*i))))
		deepEqual(t, must(db.Len("x")), i+1)
	}
	ensure(db.Append("meta", map[string]any{"step": 1}))
	ensure(db.Append("b", "text"))

	deepEqual(t, must(db.Keys()), []string{"b", "meta", "x"})
	deepEqual(t, must(db.Has("x")), true)
	deepEqual(t, must(db.Has("nope")), false)
}

func TestLogDB_ArrayChannelValidation(t *testing.T) {
	db := setupLog(t, testOptions())
	ensure(db.Append("x", MustTensor([]int{2, 3}, make([]float32, 6))))

	ok := []*Tensor{
		MustTensor([]int{5, 3}, make([]float32, 15)),
		MustTensor([]int{0, 3}, []float32{}),
	}
	for _, item := range ok {
		if err := db.Append("x", item); err != nil {
			t.Errorf("Append(%v) err = %v, wanted nil", item, err)
		}
	}

	bad := []any{
		MustTensor([]int{2, 3}, make([]float64, 6)),
		MustTensor([]int{2, 4}, make([]float32, 8)),
		MustTensor([]int{6}, make([]float32, 6)),
		"not a tensor",
		[]float32{1, 2, 3},
	}
	for _, item := range bad {
		err := db.Append("x", item)
		if !errors.Is(err, ErrTypeMismatch) {
			t.Errorf("Append(%v) err = %v, wanted ErrTypeMismatch", item, err)
		}
	}
	deepEqual(t, must(db.Len("x")), 3)

	stats := must(db.Stats("x"))
	deepEqual(t, stats.Encoding, "array")
	deepEqual(t, stats.DType, Float32)
	deepEqual(t, stats.TrailingShape, []int{3})
	deepEqual(t, stats.Rows, 3)
}

func TestLogDB_OpaqueChannelRejectsTensors(t *testing.T) {
	db := setupLog(t, testOptions())
	ensure(db.Append("events", map[string]any{"kind": "start"}))
	ensure(db.Append("events", []float64{1, 2}))
	ensure(db.Append("events", nil))

	err := db.Append("events", Vector(1.0))
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("Append(tensor) to opaque channel err = %v, wanted ErrTypeMismatch", err)
	}
	err = db.Append("events", make(chan int))
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("Append(chan) err = %v, wanted ErrTypeMismatch", err)
	}

	got := collect(t, must(db.Values("events", 1)))
	deepEqual(t, got, []any{
		map[string]any{"kind": "start"},
		[]any{1.0, 2.0},
		nil,
	})
}

func TestLogDB_FailedFirstAppendCreatesNoChannel(t *testing.T) {
	db := setupLog(t, testOptions())
	err := db.Append("c", make(chan int))
	if err == nil {
		t.Fatalf("Append(chan) err = nil, wanted error")
	}
	isempty(t, must(db.Keys()))

	err = db.Append("t", &Tensor{DType: Float64, Shape: []int{2}, Data: []byte{1}})
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("Append(invalid tensor) err = %v, wanted ErrTypeMismatch", err)
	}
	isempty(t, must(db.Keys()))
}

func TestLogDB_Extend(t *testing.T) {
	db := setupLog(t, testOptions())

	err := db.Extend("x", []any{Vector(1.0)})
	var ke *KeyError
	if !errors.As(err, &ke) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("Extend(missing) err = %v, wanted *KeyError", err)
	}

	ensure(db.Append("x", Vector(0.0)))
	ensure(db.Extend("x", []any{Vector(1.0), Vector(2.0), Vector(3.0)}))
	deepEqual(t, must(db.Len("x")), 4)

	// One bad item rejects the whole batch.
	err = db.Extend("x", []any{Vector(4.0), "bad", Vector(5.0)})
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("Extend(mixed) err = %v, wanted ErrTypeMismatch", err)
	}
	deepEqual(t, must(db.Len("x")), 4)

	ensure(db.Extend("x", nil))
	deepEqual(t, must(db.Len("x")), 4)
}

func TestLogDB_MissingKey(t *testing.T) {
	db := setupLog(t, testOptions())
	ensure(db.Append("alpha", 1))
	ensure(db.Append("beta", 2))

	_, err := db.Len("gamma")
	var ke *KeyError
	if !errors.As(err, &ke) {
		t.Fatalf("Len(missing) err = %v, wanted *KeyError", err)
	}
	deepEqual(t, ke.Key, "gamma")
	deepEqual(t, ke.Available, []string{"alpha", "beta"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("errors.Is(err, ErrNotFound) = false")
	}
	if !strings.Contains(err.Error(), `key "gamma" not found in dataset, keys: [alpha, beta]`) {
		t.Fatalf("err = %q", err)
	}

	if _, err := db.Values("gamma", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Values(missing) err = %v, wanted ErrNotFound", err)
	}
	if _, err := db.Chunks("gamma", 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("Chunks(missing) err = %v, wanted ErrNotFound", err)
	}
	if _, err := db.ValuesForKeys([]string{"alpha", "gamma"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("ValuesForKeys(missing) err = %v, wanted ErrNotFound", err)
	}
	if _, err := db.ChunksForKeys([]string{"gamma", "alpha"}, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("ChunksForKeys(missing) err = %v, wanted ErrNotFound", err)
	}
	if _, err := db.Stats("gamma"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stats(missing) err = %v, wanted ErrNotFound", err)
	}
	if _, err := db.Row("gamma", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Row(missing) err = %v, wanted ErrNotFound", err)
	}
}

func TestLogDB_ReadModeRejectsWrites(t *testing.T) {
	path := tempPath(t, "log.db")
	ensure(WithLogDB(path, ModeWrite, testOptions(), func(db *LogDB) error {
		return db.Append("x", Vector(1.0))
	}))

	db := must(OpenLogDB(path, ModeRead, testOptions()))
	defer db.Close()

	if err := db.Append("x", Vector(2.0)); !errors.Is(err, ErrModeViolation) {
		t.Errorf("Append in read mode err = %v, wanted ErrModeViolation", err)
	}
	if err := db.Append("new", Vector(2.0)); !errors.Is(err, ErrModeViolation) {
		t.Errorf("Append(new key) in read mode err = %v, wanted ErrModeViolation", err)
	}
	if err := db.Extend("x", []any{Vector(2.0)}); !errors.Is(err, ErrModeViolation) {
		t.Errorf("Extend in read mode err = %v, wanted ErrModeViolation", err)
	}
	deepEqual(t, must(db.Keys()), []string{"x"})
	deepEqual(t, must(db.Len("x")), 1)
}

func TestLogDB_AppendModeContinues(t *testing.T) {
	path := tempPath(t, "log.db")
	for i := range 3 {
		ensure(WithLogDB(path, ModeAppend, testOptions(), func(db *LogDB) error {
			return db.Append("step", Scalar(i))
		}))
	}
	ensure(WithLogDB(path, ModeRead, testOptions(), func(db *LogDB) error {
		got := collect(t, must(db.Values("step", 1)))
		deepEqual(t, len(got), 3)
		for i, v := range got {
			deepEqual(t, v.(*Tensor).Item(), any(int64(i)))
		}
		return nil
	}))
}

func TestLogDB_CompressedChannels(t *testing.T) {
	for _, c := range []Compression{LZ4, Zstd} {
		t.Run(c.String(), func(t *testing.T) {
			path := tempPath(t, "log.db")
			opt := testOptions()
			opt.Compression = c

			rows := make([]*Tensor, 10)
			for i := range rows {
				values := make([]float64, 256)
				values[i] = float64(i)
				rows[i] = MustTensor([]int{16, 16}, values)
			}
			events := []any{strings.Repeat("event ", 100), map[string]any{"note": strings.Repeat("z", 500)}}

			ensure(WithLogDB(path, ModeWrite, opt, func(db *LogDB) error {
				for _, r := range rows {
					ensure(db.Append("grid", r))
				}
				for _, e := range events {
					ensure(db.Append("events", e))
				}
				return nil
			}))

			// Channels keep their compression regardless of the reader's options.
			ensure(WithLogDB(path, ModeRead, testOptions(), func(db *LogDB) error {
				got := collect(t, must(db.Values("grid", 1)))
				deepEqual(t, len(got), len(rows))
				for i, v := range got {
					if !v.(*Tensor).Equal(rows[i]) {
						t.Errorf("grid row %d differs", i)
					}
				}
				deepEqual(t, collect(t, must(db.Values("events", 1))), events)

				stats := must(db.Stats("grid"))
				deepEqual(t, stats.Compression, c)
				if stats.DataSize >= len(rows)*256*8 {
					t.Errorf("grid occupies %d bytes, wanted it compressed", stats.DataSize)
				}
				return nil
			}))
		})
	}
}

func TestLogDB_CommitEvery(t *testing.T) {
	path := tempPath(t, "log.db")
	opt := testOptions()
	opt.CommitEvery = 4

	db := must(OpenLogDB(path, ModeWrite, opt))
	for i := range 10 {
		ensure(db.Append("x", Scalar(i)))
	}
	// Pending appends are visible through the same handle.
	deepEqual(t, must(db.Len("x")), 10)
	deepEqual(t, len(collect(t, must(db.Values("x", 1)))), 10)

	// A rejected append keeps earlier pending ones.
	if err := db.Append("x", "bad"); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("Append(bad) err = %v, wanted ErrTypeMismatch", err)
	}
	ensure(db.Flush())
	ensure(db.Append("x", Scalar(10)))
	ensure(db.Close())

	ensure(WithLogDB(path, ModeRead, testOptions(), func(db *LogDB) error {
		deepEqual(t, must(db.Len("x")), 11)
		return nil
	}))
}

func TestLogDB_CloseTwice(t *testing.T) {
	path := tempPath(t, "log.db")
	db := must(OpenLogDB(path, ModeWrite, testOptions()))
	ensure(db.Append("x", 1))
	ensure(db.Close())
	ensure(db.Close())

	if err := db.Append("x", 2); !errors.Is(err, ErrClosed) {
		t.Fatalf("Append after Close err = %v, wanted ErrClosed", err)
	}
	if _, err := db.Len("x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Len after Close err = %v, wanted ErrClosed", err)
	}
	if _, err := db.Keys(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Keys after Close err = %v, wanted ErrClosed", err)
	}
}

func TestPackUnpack(t *testing.T) {
	v := Vector(1.0, 2.0)
	deepEqual(t, must(Pack(v)), any(v))
	deepEqual(t, must(Unpack(v)), any(v))

	packed := must(Pack(map[string]any{"a": "b"})).([]byte)
	if !strings.HasPrefix(string(packed), "OBJ_") {
		t.Fatalf("Pack(map) = %q, wanted OBJ_ prefix", packed)
	}
	deepEqual(t, must(Unpack(packed)), any(map[string]any{"a": "b"}))
	deepEqual(t, must(Unpack(string(packed))), any(map[string]any{"a": "b"}))

	for _, item := range []any{[]byte("plain"), "plain", 42, nil} {
		if _, err := Unpack(item); !errors.Is(err, ErrUnknownEncoding) {
			t.Errorf("Unpack(%v) err = %v, wanted ErrUnknownEncoding", item, err)
		}
	}

	var target struct{ A string }
	ensure(UnmarshalObject(must(Pack(map[string]any{"A": "x"})).([]byte), &target))
	deepEqual(t, target.A, "x")
}
