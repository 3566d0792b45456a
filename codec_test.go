package hstore

import (
	"errors"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		value any
		kind  Kind
	}{
		{NewGroup(), KindGroup},
		{*NewGroup(), KindGroup},
		{map[string]any{}, KindGroup},
		{map[string]int{"a": 1}, KindGroup},
		{map[int]string{}, KindGroup},
		{Vector(1.0), KindArray},
		{*Vector(1.0), KindArray},
		{nil, KindOpaque},
		{"s", KindOpaque},
		{[]byte("b"), KindOpaque},
		{42, KindOpaque},
		{[]float64{1, 2}, KindOpaque},
		{struct{}{}, KindOpaque},
	}
	for _, tt := range tests {
		if got := Classify(tt.value); got != tt.kind {
			t.Errorf("Classify(%T) = %v, wanted %v", tt.value, got, tt.kind)
		}
	}
}

func TestEncodeDecode_Leaves(t *testing.T) {
	tests := []struct {
		name  string
		value any
		kind  Kind
		want  any
	}{
		{"string", "hello", KindOpaque, "hello"},
		{"bytes", []byte{0, 1, 2}, KindOpaque, []byte{0, 1, 2}},
		{"int", 7, KindArray, int64(7)},
		{"float", 0.25, KindArray, 0.25},
		{"bool", true, KindArray, true},
		{"nil", nil, KindOpaque, nil},
		{"list", []any{"a", 1, 2.5}, KindOpaque, []any{"a", int64(1), 2.5}},
		{"struct", struct {
			Name  string
			Count int
		}{"x", 3}, KindOpaque, map[string]any{"Name": "x", "Count": int64(3)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := must(Encode(tt.value))
			deepEqual(t, n.Kind, tt.kind)
			deepEqual(t, must(Decode(n)), tt.want)
		})
	}
}

func TestEncodeDecode_Arrays(t *testing.T) {
	n := must(Encode([][]float64{{1, 2}, {3, 4}}))
	deepEqual(t, n.Kind, KindArray)
	got := must(Decode(n)).(*Tensor)
	deepEqual(t, got.Shape, []int{2, 2})
	deepEqual(t, must(Values[float64](got)), []float64{1, 2, 3, 4})

	v := Vector[int32](5, 6)
	n = must(Encode(v))
	if n.Array != v {
		t.Fatalf("Encode(*Tensor) copied the tensor")
	}

	_, err := Encode(&Tensor{DType: Float64, Shape: []int{2}, Data: []byte{1}})
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("Encode(invalid tensor) err = %v, wanted ErrTypeMismatch", err)
	}
}

func TestEncode_RaggedFallsBackToObject(t *testing.T) {
	n := must(Encode([][]int{{1, 2}, {3}}))
	deepEqual(t, n.Kind, KindOpaque)
	if !isTagged(n.Data) {
		t.Fatalf("ragged array not stored as a tagged object: %q", n.Data)
	}
	deepEqual(t, must(Decode(n)), any([]any{[]any{int64(1), int64(2)}, []any{int64(3)}}))
}

func TestEncodeDecode_Groups(t *testing.T) {
	tree := GroupOf(
		"b", "second",
		"a", GroupOf("x", 1.5),
		"m", map[string]any{"z": "last", "y": "first"},
	)
	n := must(Encode(tree))
	deepEqual(t, n.Kind, KindGroup)
	deepEqual(t, n.Children.Names, []string{"b", "a", "m"})
	deepEqual(t, n.Children.Nodes[2].Children.Names, []string{"y", "z"})

	got := must(Decode(n)).(*Group)
	deepEqual(t, got.Keys(), []string{"b", "a", "m"})
	deepEqual(t, got.Get("a").(*Group).Get("x"), any(1.5))
	deepEqual(t, got.Get("m").(*Group).Map(), map[string]any{"y": "first", "z": "last"})
}

func TestEncodeGroup_SkipsNonStringKeys(t *testing.T) {
	logger, buf := captureLogger()
	g := must(encodeGroup(map[any]any{"ok": 1, 2: "bad"}, nil, logger))
	deepEqual(t, g.Names, []string{"ok"})
	if !strings.Contains(buf.String(), "hstore: skipping node") || !strings.Contains(buf.String(), "type mismatch") {
		t.Fatalf("missing skip warning in log:\n%s", buf.String())
	}

	_, err := encodeGroup(42, []string{"x"}, logger)
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("encodeGroup(42) err = %v, wanted ErrTypeMismatch", err)
	}
}

func TestEncodeGroup_SkipsUnencodableChildren(t *testing.T) {
	logger, buf := captureLogger()
	tree := GroupOf(
		"good", 1,
		"bad", make(chan int),
	)
	g := must(encodeGroup(tree, nil, logger))
	deepEqual(t, g.Names, []string{"good"})
	if !strings.Contains(buf.String(), "path=/bad") {
		t.Fatalf("skip warning does not name the path:\n%s", buf.String())
	}
}

func TestDecode_TaggedStringIsDeserialized(t *testing.T) {
	data := must(packObject(nil, "inner"))
	n := must(Encode(string(data)))
	deepEqual(t, must(Decode(n)), any("inner"))
}

func TestGroup_Accessors(t *testing.T) {
	g := NewGroup()
	g.Set("a", 1)
	g.Set("b", 2)
	g.Set("a", 3)
	deepEqual(t, g.Keys(), []string{"a", "b"})
	deepEqual(t, g.Get("a"), any(3))
	deepEqual(t, g.Has("c"), false)

	sub := g.Sub("c")
	sub.Set("x", "y")
	if g.Sub("c") != sub {
		t.Fatalf("Sub() returned a different group the second time")
	}
	assertPanics(t, func() { g.Sub("a") })

	g.Delete("a")
	g.Delete("missing")
	deepEqual(t, g.Keys(), []string{"b", "c"})
	deepEqual(t, g.Map(), map[string]any{"b": 2, "c": map[string]any{"x": "y"}})

	var zero Group
	zero.Set("k", "v")
	deepEqual(t, zero.Len(), 1)

	var nilGroup *Group
	deepEqual(t, nilGroup.Len(), 0)
	deepEqual(t, nilGroup.Get("x"), nil)

	assertPanics(t, func() { GroupOf("a") })
	assertPanics(t, func() { GroupOf(1, 2) })
}
