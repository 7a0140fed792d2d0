package trainer

import (
	"math"
	"testing"
)

func TestPlateauReducesAfterPatience(t *testing.T) {
	p := &Plateau{Factor: 0.5, Patience: 2, MinLR: 0.01}
	lr := 0.1
	for i, loss := range []float64{1.0, 0.8, 0.8, 0.9} {
		lr = p.Step(lr, loss)
		if lr != 0.1 {
			t.Fatalf("epoch %d: lr reduced too early to %g", i, lr)
		}
	}
	lr = p.Step(lr, 0.85)
	if math.Abs(lr-0.05) > 1e-12 {
		t.Fatalf("expected lr 0.05 after patience ran out, got %g", lr)
	}
	lr = p.Step(lr, 0.7)
	if math.Abs(lr-0.05) > 1e-12 {
		t.Fatalf("improvement must keep lr, got %g", lr)
	}
	for i := 0; i < 9; i++ {
		lr = p.Step(lr, 5)
	}
	if lr != 0.01 {
		t.Fatalf("expected lr clamped at min, got %g", lr)
	}
}
