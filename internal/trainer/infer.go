package trainer

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"fusion-forge/internal/batch"
	"fusion-forge/internal/checkpoint"
	"fusion-forge/internal/dataset"
	"fusion-forge/internal/device"
	"fusion-forge/internal/model"
	"fusion-forge/internal/tensor"
)

// Infer loads the configured checkpoint, predicts every test shard and
// writes one JSON line per sample with the configured output columns.
func (r *Runner) Infer(ctx context.Context) error {
	cfg := r.cfg
	if cfg.Paths.InferenceDir == "" {
		return errors.New("paths.inference_dir must be set for infer")
	}
	stopLog, err := StartLog(cfg.Paths.InferenceDir)
	if err != nil {
		return err
	}
	defer stopLog()

	sel := device.Select(r.info, 0, cfg.Infer.NumWorkers)

	sites, err := dataset.DiscoverByRoot(cfg.Paths.TestRoots)
	if err != nil {
		return err
	}
	shards, _ := flatten(sites)

	built, err := model.Build(cfg.Model, cfg.Train.Seed)
	if err != nil {
		return err
	}
	path := r.inferCheckpoint()
	meta, err := checkpoint.Load(path, built.Params())
	if err != nil {
		return err
	}
	log.Printf("checkpoint=%s from_run=%s epoch=%d shards=%d", path, meta.RunID, meta.Epoch, len(shards))

	outPath := filepath.Join(cfg.Paths.InferenceDir, cfg.Infer.InferFilename)
	f, err := os.Create(outPath)
	if err != nil {
		return errors.Wrap(err, "create inference output")
	}
	defer f.Close()

	rows, done := StartRowWriter(f, 0)
	count := 0
	pass := passOptions{workers: sel.Workers, batchSize: cfg.Train.BatchSize, grid: cfg.Model.Grid}
	passErr := forEachBatch(ctx, built, shards, pass, func(rec *batch.Record) error {
		out, err := extractRows(rec, cfg.Infer.OutputColumns)
		if err != nil {
			return err
		}
		for _, row := range out {
			rows <- row
		}
		count += len(out)
		return nil
	})
	close(rows)
	if err := <-done; err != nil {
		return errors.Wrap(err, "write inference output")
	}
	if passErr != nil {
		return passErr
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close inference output")
	}
	log.Printf("inference=%s samples=%d", outPath, count)
	return nil
}

// extractRows turns a predicted batch into one Row per sample holding the
// sample id and the requested columns.
func extractRows(rec *batch.Record, columns []string) ([]Row, error) {
	ids, err := rec.IDs(batch.SampleID)
	if err != nil {
		return nil, err
	}
	out := make([]Row, len(ids))
	for i, id := range ids {
		out[i] = Row{"id": id}
	}
	for _, col := range columns {
		v, err := rec.Get(col)
		if err != nil {
			return nil, err
		}
		switch vals := v.(type) {
		case *tensor.Tensor:
			flat := vals
			if vals.Dims() != 2 {
				flat = tensor.Flatten2D(vals)
			}
			for i := range out {
				out[i][col] = flat.Row(i)
			}
		case []int:
			for i := range out {
				out[i][col] = vals[i]
			}
		case []string:
			for i := range out {
				out[i][col] = vals[i]
			}
		default:
			return nil, errors.Wrapf(batch.ErrWrongType, "column %s holds %T", col, v)
		}
	}
	return out, nil
}

// inferCheckpoint resolves infer.checkpoint. A missing best checkpoint falls
// back to the last one, which happens when the best-epoch metric was never
// produced during training.
func (r *Runner) inferCheckpoint() string {
	ref := r.cfg.Infer.Checkpoint
	path := r.resolveCheckpoint(ref)
	if ref != "best" {
		return path
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return path
	}
	last := r.checkpointPath("last")
	if _, err := os.Stat(last); err != nil {
		return path
	}
	log.Printf("warning: %s missing (%s never improved); using %s", path, r.cfg.Train.ManagerBestEpochSource, last)
	return last
}
