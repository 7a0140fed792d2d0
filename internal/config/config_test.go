package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `
paths:
  data_roots: [/data/site-a, /data/site-b]
  model_dir: /runs/cmmd
train:
  batch_size: 8
  learning_rate: 0.01
  manager_train_params:
    num_epochs: 3
    steps_per_epoch: 20
model:
  kind: multimodal
  channels: [4, 8]
  continuous_width: 1
  categorical_width: 3
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Paths.DataRoots) != 2 || cfg.Train.ManagerTrainParams.StepsPerEpoch != 20 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Train.PortionTrain != 0.7 || cfg.Train.ManagerBestEpochSource != "validation.auc" || cfg.Train.LogEvery != 50 {
		t.Fatalf("train defaults not applied: %+v", cfg.Train)
	}
	if cfg.Model.Grid != 16 || cfg.Model.Pooling != "avg" || cfg.Model.Head.Name != "head_0" || cfg.Model.Head.NumClasses != 2 {
		t.Fatalf("model defaults not applied: %+v", cfg.Model)
	}
	if cfg.Infer.Checkpoint != "best" || cfg.Infer.OutputColumns[0] != "model.output.head_0" {
		t.Fatalf("infer defaults not applied: %+v", cfg.Infer)
	}
	if !cfg.Model.UsesClinical() {
		t.Fatalf("multimodal model reads clinical inputs")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, sample+"bogus: 1\n"))
	if err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLoadRejectsAvgPool3D(t *testing.T) {
	body := strings.Replace(sample, "kind: multimodal", "kind: multimodal\n  avg_pool_3d: true", 1)
	_, err := Load(writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "avg_pool_3d") {
		t.Fatalf("expected avg_pool_3d to be rejected, got %v", err)
	}
}

func TestValidateRejectsBadModel(t *testing.T) {
	cases := map[string]string{
		"kind":      strings.Replace(sample, "kind: multimodal", "kind: fusion", 1),
		"channels":  strings.Replace(sample, "channels: [4, 8]", "channels: []", 1),
		"widths":    strings.Replace(sample, "continuous_width: 1", "continuous_width: 0", 1),
		"epochs":    strings.Replace(sample, "num_epochs: 3", "num_epochs: 0", 1),
		"model_dir": strings.Replace(sample, "model_dir: /runs/cmmd", "model_dir: \"\"", 1),
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.ApplyOverrides(Overrides{DataRoots: []string{"/x"}, Epochs: 9, NumWorkers: 2, Seed: 7})
	if cfg.Paths.DataRoots[0] != "/x" || cfg.Train.ManagerTrainParams.NumEpochs != 9 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Train.NumWorkers != 2 || cfg.Infer.NumWorkers != 2 || cfg.Train.Seed != 7 {
		t.Fatalf("overrides not applied: %+v", cfg.Train)
	}
	if cfg.Train.BatchSize != 8 {
		t.Fatalf("zero override changed batch size")
	}
}
