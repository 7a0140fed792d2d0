// Package metrics computes classification metrics and training-window
// statistics.
package metrics

import (
	"sort"

	"github.com/pkg/errors"
)

// ErrSingleClass is returned when a ranking metric sees only one class.
var ErrSingleClass = errors.New("metrics: only one class present in targets")

// ApplyThresholds turns per-sample class probabilities into class
// predictions. With operationPoint <= 0 the arg-max class is chosen;
// otherwise a sample is positive when its class-1 probability reaches the
// operation point.
func ApplyThresholds(probs [][]float64, operationPoint float64) []int {
	out := make([]int, len(probs))
	for i, p := range probs {
		if operationPoint > 0 && len(p) >= 2 {
			if p[1] >= operationPoint {
				out[i] = 1
			}
			continue
		}
		best := 0
		for c := 1; c < len(p); c++ {
			if p[c] > p[best] {
				best = c
			}
		}
		out[i] = best
	}
	return out
}

// Accuracy is the fraction of predictions equal to the targets.
func Accuracy(pred, target []int) (float64, error) {
	if len(pred) != len(target) {
		return 0, errors.Errorf("metrics: %d predictions for %d targets", len(pred), len(target))
	}
	if len(pred) == 0 {
		return 0, errors.New("metrics: accuracy of empty set")
	}
	hits := 0
	for i := range pred {
		if pred[i] == target[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(pred)), nil
}

// PositiveScores extracts the class-1 column of per-sample probabilities.
func PositiveScores(probs [][]float64) []float64 {
	out := make([]float64, len(probs))
	for i, p := range probs {
		if len(p) > 1 {
			out[i] = p[1]
		}
	}
	return out
}

// AUCROC is the area under the ROC curve for binary targets, computed from
// average ranks so tied scores count one half.
func AUCROC(scores []float64, target []int) (float64, error) {
	if len(scores) != len(target) {
		return 0, errors.Errorf("metrics: %d scores for %d targets", len(scores), len(target))
	}
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	ranks := make([]float64, len(scores))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && scores[idx[j+1]] == scores[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}

	var pos, neg int
	var rankSum float64
	for i, t := range target {
		if t == 1 {
			pos++
			rankSum += ranks[i]
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0, ErrSingleClass
	}
	return (rankSum - float64(pos*(pos+1))/2) / float64(pos*neg), nil
}

// ROCPoint is one operating point of a ROC curve.
type ROCPoint struct {
	Threshold float64 `json:"threshold"`
	FPR       float64 `json:"fpr"`
	TPR       float64 `json:"tpr"`
}

// ROCCurve returns the curve from (0,0) to (1,1), one point per distinct
// score in descending order.
func ROCCurve(scores []float64, target []int) ([]ROCPoint, error) {
	if len(scores) != len(target) {
		return nil, errors.Errorf("metrics: %d scores for %d targets", len(scores), len(target))
	}
	var pos, neg int
	for _, t := range target {
		if t == 1 {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return nil, ErrSingleClass
	}
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	curve := []ROCPoint{{Threshold: 1, FPR: 0, TPR: 0}}
	var tp, fp int
	for i, k := range idx {
		if target[k] == 1 {
			tp++
		} else {
			fp++
		}
		if i+1 < len(idx) && scores[idx[i+1]] == scores[k] {
			continue
		}
		curve = append(curve, ROCPoint{
			Threshold: scores[k],
			FPR:       float64(fp) / float64(neg),
			TPR:       float64(tp) / float64(pos),
		})
	}
	return curve, nil
}
