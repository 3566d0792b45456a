package hstore

import (
	"fmt"
	"reflect"
	"slices"
)

// Kind is the closed set of node variants.
type Kind uint8

const (
	KindGroup Kind = iota + 1
	KindArray
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindGroup:
		return "group"
	case KindArray:
		return "array"
	case KindOpaque:
		return "opaque"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Node is an encoded value. Exactly one of Children, Array or Data is
// meaningful, selected by Kind.
type Node struct {
	Kind     Kind
	Children *NodeGroup
	Array    *Tensor

	// Data holds an opaque leaf: a literal string or byte slice, or a
	// sentinel-tagged serialized object.
	Data []byte
	// Text marks a literal leaf that decodes back to a string.
	Text bool
}

// NodeGroup is an ordered set of named child nodes.
type NodeGroup struct {
	Names []string
	Nodes []Node
}

func (g *NodeGroup) add(name string, n Node) {
	g.Names = append(g.Names, name)
	g.Nodes = append(g.Nodes, n)
}

func (g *NodeGroup) Len() int {
	if g == nil {
		return 0
	}
	return len(g.Names)
}

// Group is an in-memory tree node: an ordered mapping from names to values.
// Values are *Group, *Tensor, or anything else the codec can carry.
type Group struct {
	keys   []string
	values map[string]any
}

func NewGroup() *Group {
	return &Group{values: make(map[string]any)}
}

// GroupOf builds a group from alternating name, value arguments.
func GroupOf(kv ...any) *Group {
	if len(kv)%2 != 0 {
		panic("GroupOf needs an even number of arguments")
	}
	g := NewGroup()
	for i := 0; i < len(kv); i += 2 {
		name, ok := kv[i].(string)
		if !ok {
			panic(fmt.Errorf("GroupOf: name at %d is %T, not string", i, kv[i]))
		}
		g.Set(name, kv[i+1])
	}
	return g
}

func (g *Group) Len() int {
	if g == nil {
		return 0
	}
	return len(g.keys)
}

// Keys returns child names in insertion order.
func (g *Group) Keys() []string {
	if g == nil {
		return nil
	}
	return slices.Clone(g.keys)
}

func (g *Group) Has(name string) bool {
	if g == nil {
		return false
	}
	_, ok := g.values[name]
	return ok
}

func (g *Group) Get(name string) any {
	if g == nil {
		return nil
	}
	return g.values[name]
}

func (g *Group) Lookup(name string) (any, bool) {
	if g == nil {
		return nil, false
	}
	v, ok := g.values[name]
	return v, ok
}

// Set replaces the value of an existing child in place or appends a new one.
func (g *Group) Set(name string, value any) {
	if g.values == nil {
		g.values = make(map[string]any)
	}
	if _, ok := g.values[name]; !ok {
		g.keys = append(g.keys, name)
	}
	g.values[name] = value
}

func (g *Group) Delete(name string) {
	if _, ok := g.values[name]; !ok {
		return
	}
	delete(g.values, name)
	if i := slices.Index(g.keys, name); i >= 0 {
		g.keys = slices.Delete(g.keys, i, i+1)
	}
}

// Sub returns the child group with the given name, creating it if missing.
// It panics if the child exists and is not a group.
func (g *Group) Sub(name string) *Group {
	if v, ok := g.Lookup(name); ok {
		sub, ok := v.(*Group)
		if !ok {
			panic(fmt.Errorf("child %q is %T, not a group", name, v))
		}
		return sub
	}
	sub := NewGroup()
	g.Set(name, sub)
	return sub
}

// Each calls f for every child in insertion order.
func (g *Group) Each(f func(name string, value any)) {
	if g == nil {
		return
	}
	for _, k := range g.keys {
		f(k, g.values[k])
	}
}

// Map returns a plain map copy, converting nested groups recursively.
func (g *Group) Map() map[string]any {
	m := make(map[string]any, g.Len())
	g.Each(func(name string, value any) {
		if sub, ok := value.(*Group); ok {
			m[name] = sub.Map()
		} else {
			m[name] = value
		}
	})
	return m
}

// Classify decides which node variant value encodes to. It is the only place
// that branches on the dynamic type of a value.
func Classify(value any) Kind {
	switch value.(type) {
	case *Group, Group, map[string]any:
		return KindGroup
	case *Tensor, Tensor:
		return KindArray
	case nil:
		return KindOpaque
	}
	if reflect.TypeOf(value).Kind() == reflect.Map {
		return KindGroup
	}
	return KindOpaque
}
