package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"fusion-forge/internal/config"
	"fusion-forge/internal/device"
	"fusion-forge/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "configs/cmmd.yaml", "Path to YAML config")
	modes := flag.String("modes", "train,infer,eval", "Comma separated modes to run")
	dataRoots := flag.String("data-roots", "", "Override training site roots (comma separated)")
	testRoots := flag.String("test-roots", "", "Override inference roots (comma separated)")
	modelDir := flag.String("model-dir", "", "Override model directory")
	epochs := flag.Int("epochs", 0, "Number of training epochs")
	steps := flag.Int("steps", 0, "Training steps per epoch")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	numWorkers := flag.Int("num-workers", 0, "Number of data loader workers")
	learningRate := flag.Float64("lr", 0, "Learning rate")
	seed := flag.Int64("seed", 0, "PRNG seed")
	logEvery := flag.Int("log-every", 0, "Log every N steps")

	flag.Parse()

	runModes, err := trainer.ParseModes(*modes)
	if err != nil {
		log.Fatalf("invalid modes: %v", err)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cfg.ApplyOverrides(config.Overrides{
		DataRoots:    splitList(*dataRoots),
		TestRoots:    splitList(*testRoots),
		ModelDir:     *modelDir,
		Epochs:       *epochs,
		Steps:        *steps,
		BatchSize:    *batchSize,
		NumWorkers:   *numWorkers,
		LearningRate: *learningRate,
		Seed:         *seed,
		LogEvery:     *logEvery,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := trainer.New(cfg, device.Probe())
	if err := r.Run(ctx, runModes); err != nil {
		log.Fatalf("run %s failed: %v", r.RunID(), err)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
