package head

import (
	"math"
	"math/rand"
	"testing"

	"fusion-forge/internal/batch"
	"fusion-forge/internal/nn"
	"fusion-forge/internal/tensor"
)

func TestClassifierWritesOutputs(t *testing.T) {
	h, err := New(Config{
		Name:       "head_0",
		ConvInput:  batch.ImagingFeatures,
		InChannels: 4,
		Layers:     []int{6},
		NumClasses: 2,
	}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := batch.New()
	rec.Set(batch.ImagingFeatures, tensor.Ones(3, 4, 5, 5))
	if err := h.Forward(rec); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	out, err := rec.Tensor(batch.Output("head_0"))
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	if out.Dim(0) != 3 || out.Dim(1) != 2 {
		t.Fatalf("unexpected output shape %v", out.Shape())
	}
	for r := 0; r < 3; r++ {
		row := out.Row(r)
		if math.Abs(row[0]+row[1]-1) > 1e-9 {
			t.Fatalf("row %d not a distribution: %v", r, row)
		}
	}
	features, err := rec.Tensor(batch.Features("head_0"))
	if err != nil || features.Dim(1) != 6 {
		t.Fatalf("features missing or wrong width: %v", err)
	}
	if !rec.Has(batch.Logits("head_0")) {
		t.Fatalf("logits not written")
	}

	p := nn.Params{}
	h.Register("heads.0", p)
	if _, ok := p["heads.0.classifier.weight"]; !ok || len(p) != 4 {
		t.Fatalf("unexpected params: %d", len(p))
	}
}

func TestClassifierDropoutOnlyInTraining(t *testing.T) {
	h, err := New(Config{
		Name:        "head_0",
		ConvInput:   batch.MultimodalFeatures,
		InChannels:  8,
		NumClasses:  2,
		DropoutRate: 0.5,
	}, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	run := func() *tensor.Tensor {
		rec := batch.New()
		rec.Set(batch.MultimodalFeatures, tensor.Ones(2, 8))
		if err := h.Forward(rec); err != nil {
			t.Fatalf("Forward: %v", err)
		}
		f, _ := rec.Tensor(batch.Features("head_0"))
		return f
	}
	if !run().Equal(tensor.Ones(2, 8), 0) {
		t.Fatalf("eval mode must not drop features")
	}
	h.SetTraining(true)
	dropped := run()
	zeros := 0
	for _, v := range dropped.Data() {
		if v == 0 {
			zeros++
		} else if v != 2 {
			t.Fatalf("kept features should be rescaled to 2, got %f", v)
		}
	}
	if zeros == 0 {
		t.Fatalf("expected some dropped features")
	}
}

func TestClassifierRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{Name: "h", ConvInput: "x", InChannels: 1, NumClasses: 2, DropoutRate: 1}, rand.New(rand.NewSource(1))); err == nil {
		t.Fatalf("expected dropout rate error")
	}
	if _, err := New(Config{ConvInput: "x", InChannels: 1, NumClasses: 2}, rand.New(rand.NewSource(1))); err == nil {
		t.Fatalf("expected missing name error")
	}
}
