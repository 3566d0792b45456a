package hstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// DType identifies the element type of a Tensor. Values are persisted, never
// renumber them.
type DType uint8

const (
	InvalidDType DType = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float32
	Float64

	maxDType = Float64
)

var dtypeNames = [...]string{
	InvalidDType: "invalid",
	Bool:         "bool",
	Int8:         "int8",
	Int16:        "int16",
	Int32:        "int32",
	Int64:        "int64",
	Uint8:        "uint8",
	Uint16:       "uint16",
	Uint32:       "uint32",
	Uint64:       "uint64",
	Float32:      "float32",
	Float64:      "float64",
}

func (dt DType) String() string {
	if dt > maxDType {
		return "dtype(" + strconv.Itoa(int(dt)) + ")"
	}
	return dtypeNames[dt]
}

func (dt DType) Valid() bool {
	return dt != InvalidDType && dt <= maxDType
}

// Size returns the number of bytes one element occupies.
func (dt DType) Size() int {
	switch dt {
	case Bool, Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	default:
		return 0
	}
}

// Element is the set of Go types a Tensor can be built from. int and uint are
// stored as Int64 and Uint64.
type Element interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64 | int | uint
}

// Tensor is a dense row-major array with an explicit dtype and shape. Elements
// are stored little-endian in Data.
type Tensor struct {
	DType DType
	Shape []int
	Data  []byte
}

func DTypeOf[T Element]() DType {
	var z T
	switch any(z).(type) {
	case bool:
		return Bool
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64, int:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64, uint:
		return Uint64
	case float32:
		return Float32
	case float64:
		return Float64
	default:
		panic("unreachable")
	}
}

// NewTensor builds a tensor of the given shape from row-major values.
func NewTensor[T Element](shape []int, values []T) (*Tensor, error) {
	n, err := shapeElements(shape)
	if err != nil {
		return nil, err
	}
	if n != len(values) {
		return nil, fmt.Errorf("%w: shape %v holds %d elements, got %d values", ErrTypeMismatch, shape, n, len(values))
	}
	dt := DTypeOf[T]()
	sz := dt.Size()
	t := &Tensor{
		DType: dt,
		Shape: slices.Clone(shape),
		Data:  make([]byte, n*sz),
	}
	for i, v := range values {
		putElem(t.Data[i*sz:], dt, reflect.ValueOf(v))
	}
	return t, nil
}

// MustTensor is like NewTensor but panics on a shape mismatch.
func MustTensor[T Element](shape []int, values []T) *Tensor {
	return must(NewTensor(shape, values))
}

// Vector builds a rank-1 tensor.
func Vector[T Element](values ...T) *Tensor {
	return must(NewTensor([]int{len(values)}, values))
}

// Scalar builds a rank-0 tensor holding one value.
func Scalar[T Element](v T) *Tensor {
	return must(NewTensor(nil, []T{v}))
}

// Values returns the elements of t converted to T. T must match the tensor's
// dtype (int and uint match Int64 and Uint64).
func Values[T Element](t *Tensor) ([]T, error) {
	if dt := DTypeOf[T](); dt != t.DType {
		return nil, fmt.Errorf("%w: tensor is %v, requested %v", ErrTypeMismatch, t.DType, dt)
	}
	n := t.NumElements()
	out := make([]T, n)
	for i := range out {
		e := t.elem(i)
		switch p := any(&out[i]).(type) {
		case *int:
			*p = int(e.(int64))
		case *uint:
			*p = uint(e.(uint64))
		default:
			out[i] = e.(T)
		}
	}
	return out, nil
}

func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Len returns the size of the leading dimension (1 for a scalar).
func (t *Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// TrailingShape returns every dimension except the leading one.
func (t *Tensor) TrailingShape() []int {
	if len(t.Shape) <= 1 {
		return []int{}
	}
	return slices.Clone(t.Shape[1:])
}

// Item returns the scalar stored in a rank-0 or single-element tensor as its
// native Go type (int64, uint64, float64, float32, bool, ...).
func (t *Tensor) Item() any {
	if t.NumElements() != 1 {
		panic(fmt.Errorf("Item called on tensor of shape %v", t.Shape))
	}
	return t.elem(0)
}

func (t *Tensor) Equal(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.DType == o.DType && slices.Equal(t.Shape, o.Shape) && bytes.Equal(t.Data, o.Data)
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		DType: t.DType,
		Shape: slices.Clone(t.Shape),
		Data:  slices.Clone(t.Data),
	}
}

func (t *Tensor) String() string {
	var buf strings.Builder
	buf.WriteString(t.DType.String())
	buf.WriteByte('[')
	for i, d := range t.Shape {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(strconv.Itoa(d))
	}
	buf.WriteByte(']')
	return buf.String()
}

func (t *Tensor) validate() error {
	if !t.DType.Valid() {
		return fmt.Errorf("%w: invalid dtype %v", ErrTypeMismatch, t.DType)
	}
	n, err := shapeElements(t.Shape)
	if err != nil {
		return err
	}
	if n*t.DType.Size() != len(t.Data) {
		return fmt.Errorf("%w: tensor %v needs %d bytes, has %d", ErrTypeMismatch, t, n*t.DType.Size(), len(t.Data))
	}
	return nil
}

func (t *Tensor) elem(i int) any {
	sz := t.DType.Size()
	b := t.Data[i*sz : (i+1)*sz]
	switch t.DType {
	case Bool:
		return b[0] != 0
	case Int8:
		return int8(b[0])
	case Int16:
		return int16(binary.LittleEndian.Uint16(b))
	case Int32:
		return int32(binary.LittleEndian.Uint32(b))
	case Int64:
		return int64(binary.LittleEndian.Uint64(b))
	case Uint8:
		return b[0]
	case Uint16:
		return binary.LittleEndian.Uint16(b)
	case Uint32:
		return binary.LittleEndian.Uint32(b)
	case Uint64:
		return binary.LittleEndian.Uint64(b)
	case Float32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	default:
		panic(fmt.Errorf("invalid dtype %v", t.DType))
	}
}

func (t *Tensor) elems() []any {
	out := make([]any, t.NumElements())
	for i := range out {
		out[i] = t.elem(i)
	}
	return out
}

// putElem writes v, which must have a kind compatible with dt, into b.
func putElem(b []byte, dt DType, v reflect.Value) {
	switch dt {
	case Bool:
		if v.Bool() {
			b[0] = 1
		} else {
			b[0] = 0
		}
	case Int8:
		b[0] = byte(v.Int())
	case Int16:
		binary.LittleEndian.PutUint16(b, uint16(v.Int()))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(v.Int()))
	case Int64:
		binary.LittleEndian.PutUint64(b, uint64(v.Int()))
	case Uint8:
		b[0] = byte(v.Uint())
	case Uint16:
		binary.LittleEndian.PutUint16(b, uint16(v.Uint()))
	case Uint32:
		binary.LittleEndian.PutUint32(b, uint32(v.Uint()))
	case Uint64:
		binary.LittleEndian.PutUint64(b, v.Uint())
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v.Float())))
	case Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v.Float()))
	default:
		panic(fmt.Errorf("invalid dtype %v", dt))
	}
}

func dtypeOfKind(k reflect.Kind) DType {
	switch k {
	case reflect.Bool:
		return Bool
	case reflect.Int8:
		return Int8
	case reflect.Int16:
		return Int16
	case reflect.Int32:
		return Int32
	case reflect.Int64, reflect.Int:
		return Int64
	case reflect.Uint8:
		return Uint8
	case reflect.Uint16:
		return Uint16
	case reflect.Uint32:
		return Uint32
	case reflect.Uint64, reflect.Uint:
		return Uint64
	case reflect.Float32:
		return Float32
	case reflect.Float64:
		return Float64
	default:
		return InvalidDType
	}
}

func shapeElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension in shape %v", ErrTypeMismatch, shape)
		}
		n *= d
	}
	return n, nil
}

// tensorFromValue is the compact fixed-type array attempt: numeric scalars and
// rectangular (possibly nested) slices or arrays of one numeric kind.
func tensorFromValue(v reflect.Value) (*Tensor, error) {
	if !v.IsValid() {
		return nil, fmt.Errorf("%w: nil has no array form", ErrTypeMismatch)
	}
	var shape []int
	elemType := v.Type()
	cur := v
	for elemType.Kind() == reflect.Slice || elemType.Kind() == reflect.Array {
		if elemType.Kind() == reflect.Slice && cur.IsNil() {
			return nil, fmt.Errorf("%w: nil slice has no array form", ErrTypeMismatch)
		}
		shape = append(shape, cur.Len())
		elemType = elemType.Elem()
		if cur.Len() > 0 {
			cur = cur.Index(0)
		} else {
			cur = reflect.Zero(elemType)
		}
	}
	dt := dtypeOfKind(elemType.Kind())
	if dt == InvalidDType {
		return nil, fmt.Errorf("%w: %v elements have no array form", ErrTypeMismatch, elemType)
	}
	n, _ := shapeElements(shape)
	t := &Tensor{
		DType: dt,
		Shape: shape,
		Data:  make([]byte, 0, n*dt.Size()),
	}
	if err := t.fill(v, 0); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tensor) fill(v reflect.Value, depth int) error {
	if depth == len(t.Shape) {
		off, data := grow(t.Data, t.DType.Size())
		putElem(data[off:], t.DType, v)
		t.Data = data
		return nil
	}
	if v.Len() != t.Shape[depth] {
		return fmt.Errorf("%w: ragged array, dimension %d has length %d, expected %d", ErrTypeMismatch, depth, v.Len(), t.Shape[depth])
	}
	for i := 0; i < v.Len(); i++ {
		if err := t.fill(v.Index(i), depth+1); err != nil {
			return err
		}
	}
	return nil
}
