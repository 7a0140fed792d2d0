// Package nn holds the tensor-to-tensor building blocks used as backbones and
// projections: linear and convolutional layers, activations and containers.
package nn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"fusion-forge/internal/tensor"
)

// Module maps one tensor to another.
type Module interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// Params maps a dotted parameter name to its matrix.
type Params map[string]*mat.Dense

// Parameterized modules contribute their matrices to a Params registry.
type Parameterized interface {
	Register(prefix string, p Params)
}

// Register adds m's parameters under prefix if it has any.
func Register(prefix string, m any, p Params) {
	if pm, ok := m.(Parameterized); ok {
		pm.Register(prefix, p)
	}
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// uniformInit fills m with U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func uniformInit(m *mat.Dense, fanIn int, rng *rand.Rand) {
	bound := 1 / math.Sqrt(float64(fanIn))
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, (rng.Float64()*2-1)*bound)
		}
	}
}

// Identity returns its input.
type Identity struct{}

func (Identity) Forward(x *tensor.Tensor) (*tensor.Tensor, error) { return x, nil }

// ReLU applies max(x, 0).
type ReLU struct{}

func (ReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) { return tensor.ReLU(x), nil }

// Sequential chains modules in order.
type Sequential []Module

func (s Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i, m := range s {
		x, err = m.Forward(x)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
	}
	return x, nil
}

func (s Sequential) Register(prefix string, p Params) {
	for i, m := range s {
		Register(join(prefix, fmt.Sprint(i)), m, p)
	}
}
