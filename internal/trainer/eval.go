package trainer

import (
	"bufio"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"fusion-forge/internal/batch"
	"fusion-forge/internal/metrics"
)

// Results is the eval summary written to results.json.
type Results struct {
	NumSamples     int                `json:"num_samples"`
	OperationPoint float64            `json:"operation_point"`
	Accuracy       float64            `json:"accuracy"`
	AUC            *float64           `json:"auc,omitempty"`
	ROC            []metrics.ROCPoint `json:"roc,omitempty"`
	ClassCounts    map[string]int     `json:"class_counts"`
}

type scored struct {
	probs  [][]float64
	labels []int
}

// Eval scores the inference output against the ground truth stored with it.
func (r *Runner) Eval() error {
	cfg := r.cfg
	if cfg.Paths.InferenceDir == "" || cfg.Paths.EvalDir == "" {
		return errors.New("paths.inference_dir and paths.eval_dir must be set for eval")
	}
	stopLog, err := StartLog(cfg.Paths.EvalDir)
	if err != nil {
		return err
	}
	defer stopLog()

	inPath := filepath.Join(cfg.Paths.InferenceDir, cfg.Infer.InferFilename)
	data, err := readInference(inPath, batch.Output(cfg.Model.Head.Name), batch.GroundTruth)
	if err != nil {
		return err
	}

	res, err := score(data, cfg.Eval.OperationPoint)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	outPath := filepath.Join(cfg.Paths.EvalDir, cfg.Eval.ResultsFilename)
	if err := os.WriteFile(outPath, raw, 0o644); err != nil {
		return errors.Wrap(err, "write eval results")
	}
	auc := "n/a"
	if res.AUC != nil {
		auc = strconv.FormatFloat(*res.AUC, 'f', 4, 64)
	}
	log.Printf("eval=%s samples=%d accuracy=%.4f auc=%s", outPath, res.NumSamples, res.Accuracy, auc)
	return nil
}

func readInference(path, predCol, targetCol string) (scored, error) {
	f, err := os.Open(path)
	if err != nil {
		return scored{}, errors.Wrap(err, "open inference output")
	}
	defer f.Close()

	var out scored
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var row map[string]json.RawMessage
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			return scored{}, errors.Wrapf(err, "%s line %d", path, lineNo)
		}
		pred, ok := row[predCol]
		if !ok {
			return scored{}, errors.Errorf("%s line %d: missing column %s", path, lineNo, predCol)
		}
		target, ok := row[targetCol]
		if !ok {
			return scored{}, errors.Errorf("%s line %d: missing column %s", path, lineNo, targetCol)
		}
		var probs []float64
		if err := json.Unmarshal(pred, &probs); err != nil {
			return scored{}, errors.Wrapf(err, "%s line %d: %s", path, lineNo, predCol)
		}
		var label int
		if err := json.Unmarshal(target, &label); err != nil {
			return scored{}, errors.Wrapf(err, "%s line %d: %s", path, lineNo, targetCol)
		}
		out.probs = append(out.probs, probs)
		out.labels = append(out.labels, label)
	}
	if err := scanner.Err(); err != nil {
		return scored{}, errors.Wrap(err, "read inference output")
	}
	return out, nil
}

func score(data scored, operationPoint float64) (Results, error) {
	res := Results{NumSamples: len(data.labels), OperationPoint: operationPoint, ClassCounts: map[string]int{}}
	acc, err := metrics.Accuracy(metrics.ApplyThresholds(data.probs, operationPoint), data.labels)
	if err != nil {
		return Results{}, err
	}
	res.Accuracy = acc
	for _, l := range data.labels {
		res.ClassCounts[strconv.Itoa(l)]++
	}

	scores := metrics.PositiveScores(data.probs)
	auc, err := metrics.AUCROC(scores, data.labels)
	switch {
	case errors.Is(err, metrics.ErrSingleClass):
		log.Printf("eval auc skipped: %v", err)
		return res, nil
	case err != nil:
		return Results{}, err
	}
	res.AUC = &auc
	if res.ROC, err = metrics.ROCCurve(scores, data.labels); err != nil {
		return Results{}, err
	}
	return res, nil
}
