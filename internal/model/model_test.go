package model

import (
	"testing"

	"fusion-forge/internal/batch"
	"fusion-forge/internal/config"
	"fusion-forge/internal/tensor"
)

func baseConfig(kind string) config.ModelConfig {
	return config.ModelConfig{
		Kind:             kind,
		Grid:             4,
		Channels:         []int{3},
		Pooling:          "avg",
		Dim:              "2d",
		ContinuousWidth:  2,
		CategoricalWidth: 3,
		Head:             config.HeadConfig{Name: "head_0", NumClasses: 2},
	}
}

func inputs() *batch.Record {
	rec := batch.New()
	img := tensor.New(2, 1, 4, 4)
	for i := range img.Data() {
		img.Data()[i] = float64(i%7) / 7
	}
	cont, _ := tensor.FromData([]float64{0.2, 0.4, 0.9, 0.1}, 2, 2)
	cat, _ := tensor.FromData([]float64{1, 0, 0, 0, 0, 1}, 2, 3)
	rec.Set(batch.Image, img)
	rec.Set(batch.TabularContinuous, cont)
	rec.Set(batch.TabularCategorical, cat)
	rec.Set(batch.GroundTruth, []int{0, 1})
	return rec
}

func TestBuildEveryKind(t *testing.T) {
	for _, kind := range []string{config.KindImaging, config.KindTabular, config.KindMultimodal} {
		cfg := baseConfig(kind)
		cfg.ImagingProjection = 0
		if kind == config.KindMultimodal {
			cfg.ImagingProjection = 4
			cfg.TabularProjection = 3
			cfg.CategoricalEmbedding = []int{4}
		}
		built, err := Build(cfg, 1)
		if err != nil {
			t.Fatalf("%s: Build: %v", kind, err)
		}
		out, err := built.Predict(inputs())
		if err != nil {
			t.Fatalf("%s: Predict: %v", kind, err)
		}
		probs, err := out.Tensor("output.head_0")
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if probs.Dim(0) != 2 || probs.Dim(1) != 2 {
			t.Fatalf("%s: unexpected output shape %v", kind, probs.Shape())
		}
		if kind == config.KindMultimodal {
			fused, _ := out.Tensor("multimodal_features")
			if fused.Dim(1) != 7 {
				t.Fatalf("expected 3 tabular + 4 imaging features, got %v", fused.Shape())
			}
		}
		if len(built.Params()) == 0 {
			t.Fatalf("%s: no parameters registered", kind)
		}
		if built.Clinical != (kind != config.KindImaging) {
			t.Fatalf("%s: clinical=%t", kind, built.Clinical)
		}
	}
}

func TestBuildRejectsSharedEmbeddingWidthMismatch(t *testing.T) {
	cfg := baseConfig(config.KindTabular)
	cfg.CategoricalEmbedding = []int{4}
	cfg.ContinuousEmbedding = []int{4}
	if _, err := Build(cfg, 1); err == nil {
		t.Fatalf("expected width error for the shared embedding")
	}
	cfg.SeparateContinuousBackbone = true
	if _, err := Build(cfg, 1); err != nil {
		t.Fatalf("separate embeddings should build: %v", err)
	}
}

func TestProbeTrainStepReducesLoss(t *testing.T) {
	built, err := Build(baseConfig(config.KindMultimodal), 1)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	probe := NewProbe(built, 0.5, 0)
	loss1, err := probe.TrainStep(inputs())
	if err != nil {
		t.Fatalf("TrainStep: %v", err)
	}
	var loss2 float64
	for i := 0; i < 5; i++ {
		if loss2, err = probe.TrainStep(inputs()); err != nil {
			t.Fatalf("TrainStep: %v", err)
		}
	}
	if loss2 >= loss1 {
		t.Fatalf("expected loss to decrease; loss1=%f loss2=%f", loss1, loss2)
	}
}
