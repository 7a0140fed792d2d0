package checkpoint

import (
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"fusion-forge/internal/nn"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	src := nn.NewLinear(3, 2, rand.New(rand.NewSource(1)))
	dst := nn.NewLinear(3, 2, rand.New(rand.NewSource(2)))
	srcParams, dstParams := nn.Params{}, nn.Params{}
	src.Register("heads.0.classifier", srcParams)
	dst.Register("heads.0.classifier", dstParams)

	path := filepath.Join(t.TempDir(), "checkpoint_best.ckpt")
	if err := Save(path, Meta{RunID: "run", Epoch: 4, BestSource: "validation.auc", BestValue: 0.8, HasBest: true}, srcParams); err != nil {
		t.Fatalf("Save: %v", err)
	}
	meta, err := Load(path, dstParams)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if meta.Epoch != 4 || meta.RunID != "run" || !meta.HasBest || meta.Saved.IsZero() {
		t.Fatalf("unexpected meta %+v", meta)
	}
	if !mat.Equal(src.Weight, dst.Weight) || !mat.Equal(src.Bias, dst.Bias) {
		t.Fatalf("parameters not restored")
	}
}

func TestLoadRejectsMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	saved := nn.Params{}
	nn.NewLinear(3, 2, rng).Register("a", saved)
	path := filepath.Join(t.TempDir(), "c.ckpt")
	if err := Save(path, Meta{}, saved); err != nil {
		t.Fatalf("Save: %v", err)
	}

	wrongShape := nn.Params{}
	nn.NewLinear(4, 2, rng).Register("a", wrongShape)
	if _, err := Load(path, wrongShape); !errors.Is(err, ErrParamMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}

	wrongName := nn.Params{}
	nn.NewLinear(3, 2, rng).Register("b", wrongName)
	if _, err := Load(path, wrongName); !errors.Is(err, ErrParamMismatch) {
		t.Fatalf("expected name mismatch, got %v", err)
	}
}
