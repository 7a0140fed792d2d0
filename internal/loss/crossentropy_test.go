package loss

import (
	"errors"
	"math"
	"testing"

	"fusion-forge/internal/batch"
	"fusion-forge/internal/tensor"
)

func TestCrossEntropyUniformLogits(t *testing.T) {
	rec := batch.New()
	rec.Set(batch.Logits("head_0"), tensor.New(2, 2))
	rec.Set(batch.GroundTruth, []int{0, 1})

	l := CrossEntropy{Pred: batch.Logits("head_0"), Target: batch.GroundTruth, Weight: 1}
	value, grad, err := l.Compute(rec)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if math.Abs(value-math.Log(2)) > 1e-12 {
		t.Fatalf("loss=%f want ln2", value)
	}
	want := []float64{-0.25, 0.25, 0.25, -0.25}
	for i, v := range want {
		if math.Abs(grad.Data()[i]-v) > 1e-12 {
			t.Fatalf("grad[%d]=%f want %f", i, grad.Data()[i], v)
		}
	}
}

func TestCrossEntropyErrors(t *testing.T) {
	rec := batch.New()
	rec.Set(batch.Logits("head_0"), tensor.New(2, 2))
	l := CrossEntropy{Pred: batch.Logits("head_0"), Target: batch.GroundTruth}
	if _, _, err := l.Compute(rec); !errors.Is(err, batch.ErrKeyNotFound) {
		t.Fatalf("expected missing target, got %v", err)
	}
	rec.Set(batch.GroundTruth, []int{0, 5})
	if _, _, err := l.Compute(rec); err == nil {
		t.Fatalf("expected label range error")
	}
	rec.Set(batch.GroundTruth, []int{0})
	if _, _, err := l.Compute(rec); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}
