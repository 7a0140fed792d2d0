package nn

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"fusion-forge/internal/tensor"
)

func TestLinearForward(t *testing.T) {
	l := NewLinear(2, 2, rand.New(rand.NewSource(1)))
	l.Weight.Set(0, 0, 1)
	l.Weight.Set(0, 1, 2)
	l.Weight.Set(1, 0, -1)
	l.Weight.Set(1, 1, 0)
	l.Bias.Set(0, 0, 0.5)
	l.Bias.Set(0, 1, 0)

	x, _ := tensor.FromData([]float64{1, 1, 2, 3}, 2, 2)
	y, err := l.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	want := []float64{3.5, -1, 8.5, -2}
	for i, v := range want {
		if math.Abs(y.Data()[i]-v) > 1e-12 {
			t.Fatalf("y[%d]=%f want %f", i, y.Data()[i], v)
		}
	}

	if _, err := l.Forward(tensor.New(2, 3)); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestConv2DIdentityKernel(t *testing.T) {
	c := NewConv2D(1, 1, 3, 1, 1, rand.New(rand.NewSource(1)))
	c.Weight.Zero()
	c.Bias.Zero()
	c.Weight.Set(0, 4, 1) // centre tap

	x := tensor.New(1, 1, 3, 3)
	for i := range x.Data() {
		x.Data()[i] = float64(i)
	}
	y, err := c.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !y.Equal(x, 1e-12) {
		t.Fatalf("centre-tap conv should be identity, got %v", y.Data())
	}
}

func TestPointwiseMatchesLinearOnPooledMap(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	p := NewPointwise(3, 2, rng)
	x := tensor.New(2, 3, 1, 1)
	for i := range x.Data() {
		x.Data()[i] = float64(i) - 2
	}
	y, err := p.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got := y.Shape(); len(got) != 4 || got[1] != 2 {
		t.Fatalf("unexpected shape %v", got)
	}
	l := &Linear{In: 3, Out: 2, Weight: p.Weight, Bias: p.Bias}
	flat, _ := l.Forward(tensor.Flatten2D(x))
	if !tensor.Flatten2D(y).Equal(flat, 1e-12) {
		t.Fatalf("pointwise %v differs from linear %v", y.Data(), flat.Data())
	}
}

func TestConvBackboneShape(t *testing.T) {
	bb := NewConvBackbone(1, []int{4, 8}, true, rand.New(rand.NewSource(5)))
	y, err := bb.Forward(tensor.Ones(2, 1, 8, 8))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	want := []int{2, 8, 2, 2}
	for i, d := range want {
		if y.Dim(i) != d {
			t.Fatalf("shape %v want %v", y.Shape(), want)
		}
	}
	p := Params{}
	bb.Register("imaging_backbone", p)
	if _, ok := p["imaging_backbone.blocks.1.weight"]; !ok || len(p) != 4 {
		t.Fatalf("unexpected params %v", len(p))
	}
}

func TestMLPOutDim(t *testing.T) {
	m := NewMLP(5, []int{7, 3}, rand.New(rand.NewSource(9)))
	y, err := m.Forward(tensor.Ones(4, 5))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if y.Dim(1) != 3 || m.OutDim() != 3 {
		t.Fatalf("unexpected out dim %v", y.Shape())
	}
}
