package nn

import (
	"math/rand"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"fusion-forge/internal/tensor"
)

// Linear computes y = x·Wᵀ + b for x of shape (B, In).
type Linear struct {
	In, Out int
	Weight  *mat.Dense // Out x In
	Bias    *mat.Dense // 1 x Out
}

// NewLinear returns a layer with uniform fan-in initialization.
func NewLinear(in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		In:     in,
		Out:    out,
		Weight: mat.NewDense(out, in, nil),
		Bias:   mat.NewDense(1, out, nil),
	}
	uniformInit(l.Weight, in, rng)
	uniformInit(l.Bias, in, rng)
	return l
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dims() != 2 || x.Dim(1) != l.In {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "linear %d->%d on %v", l.In, l.Out, x.Shape())
	}
	in, err := x.ToDense()
	if err != nil {
		return nil, err
	}
	out := tensor.New(x.Dim(0), l.Out)
	y, _ := out.ToDense()
	y.Mul(in, l.Weight.T())
	bias := l.Bias.RawRowView(0)
	for r := 0; r < x.Dim(0); r++ {
		row := y.RawRowView(r)
		for c := range row {
			row[c] += bias[c]
		}
	}
	return out, nil
}

func (l *Linear) Register(prefix string, p Params) {
	p[join(prefix, "weight")] = l.Weight
	p[join(prefix, "bias")] = l.Bias
}

// MLP is a stack of Linear layers with ReLU between them. The last layer is
// left linear.
type MLP struct {
	Layers []*Linear
}

// NewMLP builds Linear layers in -> sizes[0] -> ... -> sizes[n-1].
func NewMLP(in int, sizes []int, rng *rand.Rand) *MLP {
	m := &MLP{}
	for _, s := range sizes {
		m.Layers = append(m.Layers, NewLinear(in, s, rng))
		in = s
	}
	return m
}

// OutDim is the width of the last layer, or 0 for an empty stack.
func (m *MLP) OutDim() int {
	if len(m.Layers) == 0 {
		return 0
	}
	return m.Layers[len(m.Layers)-1].Out
}

func (m *MLP) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i, l := range m.Layers {
		x, err = l.Forward(x)
		if err != nil {
			return nil, errors.Wrapf(err, "mlp layer %d", i)
		}
		if i < len(m.Layers)-1 {
			x = tensor.ReLU(x)
		}
	}
	return x, nil
}

func (m *MLP) Register(prefix string, p Params) {
	for i, l := range m.Layers {
		l.Register(join(prefix, "layers."+strconv.Itoa(i)), p)
	}
}
