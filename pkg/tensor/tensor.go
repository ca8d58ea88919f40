package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sync/atomic"

	"github.com/justinsb/ktrace/pkg/tracer"
)

type DType string

const (
	Float16 DType = "float16"
	Float32 DType = "float32"
	Float64 DType = "float64"
	Int32   DType = "int32"
	Int64   DType = "int64"
)

// Size is the byte width of one element, or 0 for an unknown dtype.
func (d DType) Size() int {
	switch d {
	case Float16:
		return 2
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	default:
		return 0
	}
}

var nextID atomic.Uint64

// Tensor is a dense little-endian tensor. Every tensor gets its own ValueID, so
// results of operations are distinct runtime values even when their contents match.
type Tensor struct {
	id    tracer.ValueID
	dtype DType
	dims  []int64
	data  []byte
}

var _ tracer.Tensor = (*Tensor)(nil)

// New wraps data as a tensor. data is not copied.
func New(dtype DType, dims []int64, data []byte) (*Tensor, error) {
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("unknown dtype %q", dtype)
	}
	n := int64(1)
	for _, d := range dims {
		if d < 0 {
			return nil, fmt.Errorf("negative dimension in %v", dims)
		}
		n *= d
	}
	if want := n * int64(dtype.Size()); int64(len(data)) != want {
		return nil, fmt.Errorf("%s%v needs %d bytes, got %d", dtype, dims, want, len(data))
	}
	return &Tensor{
		id:    tracer.ValueID(nextID.Add(1)),
		dtype: dtype,
		dims:  slices.Clone(dims),
		data:  data,
	}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(dtype DType, dims ...int64) (*Tensor, error) {
	n := int64(1)
	for _, d := range dims {
		n *= d
	}
	if n < 0 {
		return nil, fmt.Errorf("negative dimension in %v", dims)
	}
	return New(dtype, dims, make([]byte, n*int64(dtype.Size())))
}

func FromFloat32(dims []int64, values []float32) (*Tensor, error) {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return New(Float32, dims, data)
}

// Vector is FromFloat32 for a 1-d tensor.
func Vector(values ...float32) *Tensor {
	t, err := FromFloat32([]int64{int64(len(values))}, values)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Tensor) ValueID() tracer.ValueID { return t.id }

func (t *Tensor) DType() string { return string(t.dtype) }

func (t *Tensor) Dims() []int64 { return slices.Clone(t.dims) }

func (t *Tensor) NDimensions() int { return len(t.dims) }

func (t *Tensor) ElementSize() int { return t.dtype.Size() }

func (t *Tensor) NumElements() int {
	if t.dtype.Size() == 0 {
		return 0
	}
	return len(t.data) / t.dtype.Size()
}

// Bytes returns the underlying storage; writes through it are visible to the tensor.
func (t *Tensor) Bytes() []byte { return t.data }

func (t *Tensor) Float32s() ([]float32, error) {
	if t.dtype != Float32 {
		return nil, fmt.Errorf("tensor %d is %s, not float32", t.id, t.dtype)
	}
	values := make([]float32, t.NumElements())
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.data[4*i:]))
	}
	return values, nil
}

func (t *Tensor) SetFloat32(i int, v float32) error {
	if t.dtype != Float32 {
		return fmt.Errorf("tensor %d is %s, not float32", t.id, t.dtype)
	}
	if i < 0 || i >= t.NumElements() {
		return fmt.Errorf("index %d out of range for tensor %d with %d elements", i, t.id, t.NumElements())
	}
	binary.LittleEndian.PutUint32(t.data[4*i:], math.Float32bits(v))
	return nil
}

// SameShape reports whether t1 and t2 have identical dimensions.
func SameShape(t1 *Tensor, t2 *Tensor) bool {
	return slices.Equal(t1.dims, t2.dims)
}
