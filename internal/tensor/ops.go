package tensor

import (
	"math"

	"github.com/pkg/errors"
)

// Cat concatenates tensors along axis dim. Every other axis must match.
func Cat(dim int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("tensor: cat of nothing")
	}
	first := ts[0]
	if dim < 0 || dim >= first.Dims() {
		return nil, errors.Wrapf(ErrShapeMismatch, "cat axis %d for rank %d", dim, first.Dims())
	}
	outShape := first.Shape()
	outShape[dim] = 0
	for _, t := range ts {
		if t.Dims() != first.Dims() {
			return nil, errors.Wrapf(ErrShapeMismatch, "cat %v with %v", first.shape, t.shape)
		}
		for i := range t.shape {
			if i != dim && t.shape[i] != first.shape[i] {
				return nil, errors.Wrapf(ErrShapeMismatch, "cat %v with %v on axis %d", first.shape, t.shape, dim)
			}
		}
		outShape[dim] += t.shape[dim]
	}

	outer := 1
	for _, d := range first.shape[:dim] {
		outer *= d
	}
	inner := 1
	for _, d := range first.shape[dim+1:] {
		inner *= d
	}

	out := New(outShape...)
	pos := 0
	for o := 0; o < outer; o++ {
		for _, t := range ts {
			n := t.shape[dim] * inner
			copy(out.data[pos:pos+n], t.data[o*n:(o+1)*n])
			pos += n
		}
	}
	return out, nil
}

// Squeeze drops axis dim when it has size 1 and otherwise returns t unchanged.
func Squeeze(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim >= t.Dims() {
		return nil, errors.Wrapf(ErrShapeMismatch, "squeeze axis %d for rank %d", dim, t.Dims())
	}
	if t.shape[dim] != 1 {
		return t, nil
	}
	shape := append(t.Shape()[:dim], t.shape[dim+1:]...)
	return &Tensor{data: t.data, shape: shape}, nil
}

// SqueezeSpatial removes every singleton axis at position 2 and beyond,
// leaving (B, C) for a globally pooled feature map.
func SqueezeSpatial(t *Tensor) *Tensor {
	shape := t.Shape()
	for len(shape) > 2 && shape[len(shape)-1] == 1 {
		shape = shape[:len(shape)-1]
	}
	return &Tensor{data: t.data, shape: shape}
}

// Flatten2D reshapes (B, ...) to (B, N).
func Flatten2D(t *Tensor) *Tensor {
	b := t.shape[0]
	return &Tensor{data: t.data, shape: []int{b, len(t.data) / b}}
}

// ReLU returns max(x, 0) element-wise.
func ReLU(t *Tensor) *Tensor {
	out := t.Clone()
	for i, v := range out.data {
		if v < 0 {
			out.data[i] = 0
		}
	}
	return out
}

// Softmax applies a numerically stable softmax to each row of a 2D tensor.
func Softmax(t *Tensor) (*Tensor, error) {
	if t.Dims() != 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "softmax needs rank 2, got %v", t.shape)
	}
	rows, cols := t.shape[0], t.shape[1]
	out := New(rows, cols)
	for r := 0; r < rows; r++ {
		row := t.data[r*cols : (r+1)*cols]
		dst := out.data[r*cols : (r+1)*cols]
		maxv := row[0]
		for _, v := range row {
			if v > maxv {
				maxv = v
			}
		}
		sum := 0.0
		for i, v := range row {
			dst[i] = math.Exp(v - maxv)
			sum += dst[i]
		}
		for i := range dst {
			dst[i] /= sum
		}
	}
	return out, nil
}

// Argmax returns the index of the largest element in each row.
func Argmax(t *Tensor) ([]int, error) {
	if t.Dims() != 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "argmax needs rank 2, got %v", t.shape)
	}
	rows, cols := t.shape[0], t.shape[1]
	out := make([]int, rows)
	for r := 0; r < rows; r++ {
		best := 0
		for c := 1; c < cols; c++ {
			if t.data[r*cols+c] > t.data[r*cols+best] {
				best = c
			}
		}
		out[r] = best
	}
	return out, nil
}

// Row returns a copy of row r of a 2D tensor.
func (t *Tensor) Row(r int) []float64 {
	cols := t.shape[1]
	return append([]float64(nil), t.data[r*cols:(r+1)*cols]...)
}
