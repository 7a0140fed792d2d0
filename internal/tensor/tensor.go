// Package tensor provides dense row-major float64 tensors and the handful of
// shape operations the fusion models need.
package tensor

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates a shape that cannot describe a tensor.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// Tensor is a multi-dimensional array stored in row-major order.
// It is not safe for concurrent mutation.
type Tensor struct {
	data  []float64
	shape []int
}

// New returns a zero-filled tensor. It panics on a non-positive dimension,
// which is a programmer error.
func New(shape ...int) *Tensor {
	size, err := volume(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{data: make([]float64, size), shape: append([]int(nil), shape...)}
}

// FromData wraps data (without copying) in a tensor of the given shape.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	size, err := volume(shape)
	if err != nil {
		return nil, err
	}
	if size != len(data) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d values for shape %v", len(data), shape)
	}
	return &Tensor{data: data, shape: append([]int(nil), shape...)}, nil
}

// Full returns a tensor with every element set to v.
func Full(v float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// Ones returns a tensor of ones.
func Ones(shape ...int) *Tensor { return Full(1, shape...) }

func volume(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, errors.Wrap(ErrInvalidShape, "empty shape")
	}
	size := 1
	for i, d := range shape {
		if d <= 0 {
			return 0, errors.Wrapf(ErrInvalidShape, "shape[%d]=%d", i, d)
		}
		size *= d
	}
	return size, nil
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Dims returns the rank.
func (t *Tensor) Dims() int { return len(t.shape) }

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Data exposes the backing slice.
func (t *Tensor) Data() []float64 { return t.data }

// At returns the element at the given index.
func (t *Tensor) At(idx ...int) float64 { return t.data[t.offset(idx)] }

// Set writes v at the given index.
func (t *Tensor) Set(v float64, idx ...int) { t.data[t.offset(idx)] = v }

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(idx)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range for axis %d (size %d)", v, i, t.shape[i]))
		}
		off = off*t.shape[i] + v
	}
	return off
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{data: append([]float64(nil), t.data...), shape: t.Shape()}
}

// Reshape returns a view sharing data with t.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return FromData(t.data, shape...)
}

// Equal reports whether shapes match and every element is within tol.
func (t *Tensor) Equal(o *Tensor, tol float64) bool {
	if !shapeEqual(t.shape, o.shape) {
		return false
	}
	for i, v := range t.data {
		d := v - o.data[i]
		if d > tol || d < -tol {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ToDense views a 2D tensor as a gonum matrix sharing the same storage.
func (t *Tensor) ToDense() (*mat.Dense, error) {
	if len(t.shape) != 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "dense view needs rank 2, got %v", t.shape)
	}
	return mat.NewDense(t.shape[0], t.shape[1], t.data), nil
}

// FromDense copies a gonum matrix into a new 2D tensor.
func FromDense(m mat.Matrix) *Tensor {
	r, c := m.Dims()
	out := New(r, c)
	mat.NewDense(r, c, out.data).Copy(m)
	return out
}
