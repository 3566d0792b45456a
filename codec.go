package hstore

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
)

// Encode converts an in-memory value into a node. Children of a group that
// fail to encode are logged to slog.Default() and left out.
func Encode(value any) (Node, error) {
	return encodeValue(value, nil, slog.Default())
}

// Decode converts a node back into an in-memory value: groups become *Group,
// rank-0 arrays become Go scalars, other arrays stay *Tensor, tagged opaque
// leaves are deserialized and literal leaves become string or []byte.
func Decode(n Node) (any, error) {
	return decodeValue(n, nil, slog.Default())
}

func encodeValue(value any, path []string, logger *slog.Logger) (Node, error) {
	switch Classify(value) {
	case KindGroup:
		g, err := encodeGroup(value, path, logger)
		if err != nil {
			return Node{}, err
		}
		return Node{Kind: KindGroup, Children: g}, nil
	case KindArray:
		var t *Tensor
		switch v := value.(type) {
		case *Tensor:
			t = v
		case Tensor:
			t = &v
		}
		if t == nil {
			return Node{}, nodeErrf(path, ErrTypeMismatch, "nil tensor")
		}
		if err := t.validate(); err != nil {
			return Node{}, nodeErrf(path, err, "invalid tensor")
		}
		return Node{Kind: KindArray, Array: t}, nil
	default:
		return encodeOpaque(value, path)
	}
}

func encodeOpaque(value any, path []string) (Node, error) {
	if value != nil {
		switch v := value.(type) {
		case string:
			return Node{Kind: KindOpaque, Data: []byte(v), Text: true}, nil
		case []byte:
			return Node{Kind: KindOpaque, Data: slices.Clone(v)}, nil
		}
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.String {
			return Node{Kind: KindOpaque, Data: []byte(rv.String()), Text: true}, nil
		}
		if t, err := tensorFromValue(rv); err == nil {
			return Node{Kind: KindArray, Array: t}, nil
		}
	}
	data, err := packObject(nil, value)
	if err != nil {
		return Node{}, nodeErrf(path, fmt.Errorf("%w: %w", ErrTypeMismatch, err), "cannot encode %T", value)
	}
	return Node{Kind: KindOpaque, Data: data}, nil
}

func encodeGroup(value any, path []string, logger *slog.Logger) (*NodeGroup, error) {
	out := &NodeGroup{}
	add := func(name string, child any) {
		cpath := childPath(path, name)
		n, err := encodeValue(child, cpath, logger)
		if err != nil {
			logSkipped(logger, "encode", cpath, err)
			return
		}
		out.add(name, n)
	}

	switch g := value.(type) {
	case *Group:
		g.Each(add)
		return out, nil
	case Group:
		g.Each(add)
		return out, nil
	case map[string]any:
		for _, k := range sortedKeys(g) {
			add(k, g[k])
		}
		return out, nil
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Map {
		return nil, nodeErrf(path, ErrTypeMismatch, "%T is not a mapping", value)
	}
	type entry struct {
		name  string
		value any
	}
	var entries []entry
	iter := rv.MapRange()
	for iter.Next() {
		k := iter.Key()
		if k.Kind() == reflect.Interface {
			k = k.Elem()
		}
		if !k.IsValid() || k.Kind() != reflect.String {
			logSkipped(logger, "encode", childPath(path, fmt.Sprint(iter.Key().Interface())),
				fmt.Errorf("%w: group key %v is %s, not a string", ErrTypeMismatch, iter.Key().Interface(), iter.Key().Type()))
			continue
		}
		entries = append(entries, entry{k.String(), iter.Value().Interface()})
	}
	slices.SortFunc(entries, func(a, b entry) int {
		if a.name < b.name {
			return -1
		} else if a.name > b.name {
			return 1
		}
		return 0
	})
	for _, e := range entries {
		add(e.name, e.value)
	}
	return out, nil
}

func decodeValue(n Node, path []string, logger *slog.Logger) (any, error) {
	switch n.Kind {
	case KindGroup:
		return decodeGroup(n.Children, path, logger), nil
	case KindArray:
		if n.Array == nil {
			return nil, nodeErrf(path, ErrCorrupt, "array node without tensor")
		}
		if n.Array.Rank() == 0 {
			return n.Array.Item(), nil
		}
		return n.Array, nil
	case KindOpaque:
		if isTagged(n.Data) {
			v, err := unpackObject(n.Data)
			if err != nil {
				return nil, nodeErrf(path, err, "")
			}
			return v, nil
		}
		if n.Text {
			return string(n.Data), nil
		}
		return n.Data, nil
	default:
		return nil, nodeErrf(path, ErrUnknownEncoding, "unknown node kind %v", n.Kind)
	}
}

func decodeGroup(g *NodeGroup, path []string, logger *slog.Logger) *Group {
	out := NewGroup()
	for i, name := range g.namesOrNil() {
		cpath := childPath(path, name)
		v, err := decodeValue(g.Nodes[i], cpath, logger)
		if err != nil {
			logSkipped(logger, "decode", cpath, err)
			continue
		}
		out.Set(name, v)
	}
	return out
}

func (g *NodeGroup) namesOrNil() []string {
	if g == nil {
		return nil
	}
	return g.Names
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func logSkipped(logger *slog.Logger, op string, path []string, err error) {
	logger.LogAttrs(context.Background(), slog.LevelWarn, "hstore: skipping node",
		slog.String("op", op),
		slog.String("path", nodePathString(path)),
		slog.Any("err", err))
}
