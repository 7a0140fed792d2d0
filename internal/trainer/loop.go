package trainer

import (
	"context"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"fusion-forge/internal/batch"
	"fusion-forge/internal/checkpoint"
	"fusion-forge/internal/dataset"
	"fusion-forge/internal/device"
	"fusion-forge/internal/loss"
	"fusion-forge/internal/metrics"
	"fusion-forge/internal/model"
)

// StatisticsFile collects one row of epoch metrics per epoch.
const StatisticsFile = "metrics.csv"

// statisticsColumns is the fixed value set of every StatisticsFile row.
var statisticsColumns = []string{
	"learning_rate",
	"train.loss",
	"validation.accuracy",
	"validation.auc",
	"validation.loss",
}

// Train runs the training workload: balanced batches from the training
// shards, a validation pass per epoch and best/last checkpoints.
func (r *Runner) Train(ctx context.Context) error {
	cfg := r.cfg
	if cfg.Paths.ForceResetModelDir {
		if err := os.RemoveAll(cfg.Paths.ModelDir); err != nil {
			return errors.Wrap(err, "reset model dir")
		}
	}
	stopLog, err := StartLog(cfg.Paths.ModelDir)
	if err != nil {
		return err
	}
	defer stopLog()

	sel := device.Select(r.info, cfg.Train.ManagerTrainParams.NumGPUs, cfg.Train.NumWorkers)

	sites, err := dataset.DiscoverByRoot(cfg.Paths.DataRoots)
	if err != nil {
		return err
	}
	trainSites, valShards, err := r.partition(sites)
	if err != nil {
		return err
	}

	built, err := model.Build(cfg.Model, cfg.Train.Seed)
	if err != nil {
		return err
	}
	params := built.Params()
	probe := model.NewProbe(built, cfg.Train.LearningRate, cfg.Train.WeightDecay)

	source := cfg.Train.ManagerBestEpochSource
	st := bestTracker{source: source, lower: strings.HasSuffix(source, "loss")}
	startEpoch := 0
	if name := cfg.Train.ResumeCheckpointFilename; name != "" {
		path := r.resolveCheckpoint(name)
		meta, err := checkpoint.Load(path, params)
		if err != nil {
			return errors.Wrap(err, "resume")
		}
		startEpoch = meta.Epoch + 1
		if meta.LearningRate > 0 {
			probe.LearningRate = meta.LearningRate
		}
		if meta.BestSource == source && meta.HasBest {
			st.value, st.ok = meta.BestValue, true
		}
		log.Printf("resume=%s from_run=%s epoch=%d lr=%g", path, meta.RunID, meta.Epoch, probe.LearningRate)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	samples, samplerErr, err := dataset.StartSampler(ctx, dataset.SamplerOptions{
		Sites:      trainSites,
		Seed:       cfg.Train.Seed,
		NumWorkers: sel.Workers,
		Shard:      dataset.ShardOptions{RequireClinical: built.Clinical},
	})
	if err != nil {
		return err
	}
	batcher, err := dataset.NewBalancedBatcher(cfg.Model.Head.NumClasses, cfg.Train.BatchSize)
	if err != nil {
		return err
	}

	stats := metrics.NewStatisticsWriter(filepath.Join(cfg.Paths.ModelDir, StatisticsFile), statisticsColumns...)
	sched := &Plateau{Factor: cfg.Train.LRFactor, Patience: cfg.Train.LRPatience, MinLR: cfg.Train.LearningRate * 1e-3}
	pass := passOptions{workers: sel.Workers, batchSize: cfg.Train.BatchSize, grid: cfg.Model.Grid}
	var window metrics.Window

	step := startEpoch * cfg.Train.ManagerTrainParams.StepsPerEpoch
	for epoch := startEpoch; epoch < cfg.Train.ManagerTrainParams.NumEpochs; epoch++ {
		epochLoss := 0.0
		for i := 0; i < cfg.Train.ManagerTrainParams.StepsPerEpoch; i++ {
			step++
			startData := time.Now()
			items, err := nextBatch(ctx, samples, samplerErr, batcher, cfg.Model.Grid)
			if err != nil {
				return err
			}
			rec, err := dataset.Collate(items, cfg.Model.Grid, built.Clinical)
			if err != nil {
				return err
			}
			dataTime := time.Since(startData)

			startCompute := time.Now()
			stepLoss, err := probe.TrainStep(rec)
			if err != nil {
				return errors.Wrapf(err, "step %d", step)
			}
			computeTime := time.Since(startCompute)

			window.Record(rec.BatchSize(), dataTime, computeTime, stepLoss)
			epochLoss += stepLoss

			if step%cfg.Train.LogEvery == 0 {
				snap := window.Snapshot()
				log.Printf("epoch=%d step=%d samples_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f lr=%g",
					epoch,
					step,
					snap.SamplesPerSec,
					snap.AvgDataMS,
					snap.AvgComputeMS,
					snap.AvgLoss,
					probe.LearningRate,
				)
			}
		}

		values := map[string]float64{
			"train.loss":    epochLoss / float64(cfg.Train.ManagerTrainParams.StepsPerEpoch),
			"learning_rate": probe.LearningRate,
		}
		if err := r.validate(ctx, built, valShards, pass, values); err != nil {
			return errors.Wrapf(err, "validate epoch %d", epoch)
		}
		if err := stats.Append(epoch, values); err != nil {
			return err
		}

		improved := st.update(values)
		if v, ok := values[source]; !ok || math.IsNaN(v) {
			log.Printf("epoch=%d best source %s not produced; checkpoint_best unchanged", epoch, source)
		}
		meta := checkpoint.Meta{
			RunID:        r.runID,
			Epoch:        epoch,
			BestSource:   source,
			BestValue:    st.value,
			HasBest:      st.ok,
			LearningRate: probe.LearningRate,
		}
		if err := checkpoint.Save(r.checkpointPath("last"), meta, params); err != nil {
			return err
		}
		if improved {
			if err := checkpoint.Save(r.checkpointPath("best"), meta, params); err != nil {
				return err
			}
		}
		log.Printf("epoch=%d train_loss=%.4f val_loss=%.4f val_auc=%.4f val_accuracy=%.4f best=%t pending=%v",
			epoch, values["train.loss"], values["validation.loss"], values["validation.auc"], values["validation.accuracy"], improved, batcher.Pending())

		probe.LearningRate = sched.Step(probe.LearningRate, values["validation.loss"])
	}
	if !st.ok {
		log.Printf("warning: %s never produced a value; checkpoint_best was not written and infer falls back to checkpoint_last", source)
	}
	return nil
}

// partition splits the sorted shard list into training sites and
// validation shards using the persisted partition file.
func (r *Runner) partition(sites map[string][]string) (map[string][]string, []string, error) {
	cfg := r.cfg
	all, siteOf := flatten(sites)
	path := cfg.Paths.PartitionFile
	if path == "" {
		path = filepath.Join(cfg.Paths.ModelDir, "partition.json")
	}
	split, err := dataset.LoadOrCreateSplit(path, len(all), cfg.Train.PortionTrain, cfg.Train.OverridePartition)
	if err != nil {
		return nil, nil, err
	}
	if len(split.Train) == 0 || len(split.Val) == 0 {
		return nil, nil, errors.Errorf("partition of %d shards leaves train=%d val=%d; add shards or change portion_train",
			len(all), len(split.Train), len(split.Val))
	}
	train := map[string][]string{}
	for _, shard := range dataset.Select(all, split.Train) {
		train[siteOf[shard]] = append(train[siteOf[shard]], shard)
	}
	val := dataset.Select(all, split.Val)
	log.Printf("partition=%s train_shards=%d val_shards=%d sites=%d", path, len(split.Train), len(val), len(train))
	return train, val, nil
}

// validate predicts valShards and adds validation.loss, validation.auc and
// validation.accuracy of the first head to values. AUC is NaN when the
// validation set holds a single class.
func (r *Runner) validate(ctx context.Context, built *model.Built, valShards []string, pass passOptions, values map[string]float64) error {
	h := built.Heads[0]
	ce := loss.CrossEntropy{Pred: batch.Logits(h.Name()), Target: batch.GroundTruth}
	var (
		probs   [][]float64
		labels  []int
		lossSum float64
	)
	err := forEachBatch(ctx, built, valShards, pass, func(rec *batch.Record) error {
		value, _, err := ce.Compute(rec)
		if err != nil {
			return err
		}
		out, err := rec.Tensor(batch.Output(h.Name()))
		if err != nil {
			return err
		}
		gt, err := rec.Labels(batch.GroundTruth)
		if err != nil {
			return err
		}
		for i := range gt {
			probs = append(probs, out.Row(i))
		}
		labels = append(labels, gt...)
		lossSum += value * float64(len(gt))
		return nil
	})
	if err != nil {
		return err
	}
	if len(labels) == 0 {
		return errors.New("validation produced no samples")
	}

	values["validation.loss"] = lossSum / float64(len(labels))
	acc, err := metrics.Accuracy(metrics.ApplyThresholds(probs, 0), labels)
	if err != nil {
		return err
	}
	values["validation.accuracy"] = acc
	auc, err := metrics.AUCROC(metrics.PositiveScores(probs), labels)
	switch {
	case errors.Is(err, metrics.ErrSingleClass):
		log.Printf("validation auc skipped: %v", err)
		values["validation.auc"] = math.NaN()
	case err != nil:
		return err
	default:
		values["validation.auc"] = auc
	}
	return nil
}

// bestTracker remembers the best value seen for one metric.
type bestTracker struct {
	source string
	lower  bool
	value  float64
	ok     bool
}

func (b *bestTracker) update(values map[string]float64) bool {
	v, present := values[b.source]
	if !present || math.IsNaN(v) {
		return false
	}
	if b.ok && ((b.lower && v >= b.value) || (!b.lower && v <= b.value)) {
		return false
	}
	b.value, b.ok = v, true
	return true
}

func nextBatch(ctx context.Context, samples <-chan dataset.Sample, errs <-chan error, batcher *dataset.BalancedBatcher, grid int) ([]dataset.Item, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		case sample, ok := <-samples:
			if !ok {
				return nil, errors.New("sampler closed")
			}
			item, err := dataset.Decode(sample, grid)
			if err != nil {
				log.Printf("skip sample=%s err=%v", sample.Key, err)
				continue
			}
			items, err := batcher.Add(item)
			if err != nil {
				return nil, err
			}
			if items != nil {
				return items, nil
			}
		}
	}
}
