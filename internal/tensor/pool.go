package tensor

import (
	"math"

	"github.com/pkg/errors"
)

// PoolMode selects the reduction used by GlobalPool.
type PoolMode string

const (
	PoolMax PoolMode = "max"
	PoolAvg PoolMode = "avg"
)

// GlobalPool reduces every spatial axis of x to size 1. x must have shape
// (B, C, s1, ..., sN) with N == spatial; the result is (B, C, 1, ..., 1).
func GlobalPool(x *Tensor, mode PoolMode, spatial int) (*Tensor, error) {
	if x.Dims() != spatial+2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "%dd pooling expects rank %d, got %v", spatial, spatial+2, x.shape)
	}
	b, c := x.shape[0], x.shape[1]
	window := len(x.data) / (b * c)

	outShape := []int{b, c}
	for i := 0; i < spatial; i++ {
		outShape = append(outShape, 1)
	}
	out := New(outShape...)

	for i := 0; i < b*c; i++ {
		cell := x.data[i*window : (i+1)*window]
		switch mode {
		case PoolMax:
			m := math.Inf(-1)
			for _, v := range cell {
				if v > m {
					m = v
				}
			}
			out.data[i] = m
		case PoolAvg:
			s := 0.0
			for _, v := range cell {
				s += v
			}
			out.data[i] = s / float64(window)
		default:
			return nil, errors.Errorf("tensor: unknown pool mode %q", mode)
		}
	}
	return out, nil
}

// MaxPool2x2 downsamples (B, C, H, W) by taking the max over 2x2 windows.
// Odd trailing rows and columns are dropped.
func MaxPool2x2(x *Tensor) (*Tensor, error) {
	if x.Dims() != 4 {
		return nil, errors.Wrapf(ErrShapeMismatch, "max pool 2x2 expects rank 4, got %v", x.shape)
	}
	b, c, h, w := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	oh, ow := h/2, w/2
	if oh == 0 || ow == 0 {
		return nil, errors.Wrapf(ErrShapeMismatch, "max pool 2x2 on spatial %dx%d", h, w)
	}
	out := New(b, c, oh, ow)
	for bc := 0; bc < b*c; bc++ {
		src := x.data[bc*h*w : (bc+1)*h*w]
		dst := out.data[bc*oh*ow : (bc+1)*oh*ow]
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				m := src[(2*y)*w+2*xx]
				for _, v := range []float64{src[(2*y)*w+2*xx+1], src[(2*y+1)*w+2*xx], src[(2*y+1)*w+2*xx+1]} {
					if v > m {
						m = v
					}
				}
				dst[y*ow+xx] = m
			}
		}
	}
	return out, nil
}
