// Package loss computes training losses from the batch record.
package loss

import (
	"math"

	"github.com/pkg/errors"

	"fusion-forge/internal/batch"
	"fusion-forge/internal/tensor"
)

// CrossEntropy is a weighted softmax cross-entropy between the logits under
// Pred and the integer labels under Target.
type CrossEntropy struct {
	Pred   string
	Target string
	Weight float64
}

// Compute returns the mean loss over the batch scaled by Weight, and the
// gradient of that value with respect to the logits.
func (l CrossEntropy) Compute(rec *batch.Record) (float64, *tensor.Tensor, error) {
	logits, err := rec.Tensor(l.Pred)
	if err != nil {
		return 0, nil, err
	}
	labels, err := rec.Labels(l.Target)
	if err != nil {
		return 0, nil, err
	}
	if logits.Dims() != 2 || logits.Dim(0) != len(labels) {
		return 0, nil, errors.Wrapf(tensor.ErrShapeMismatch, "logits %v for %d labels", logits.Shape(), len(labels))
	}
	weight := l.Weight
	if weight == 0 {
		weight = 1
	}

	probs, err := tensor.Softmax(logits)
	if err != nil {
		return 0, nil, err
	}
	n, classes := logits.Dim(0), logits.Dim(1)
	grad := probs.Clone()
	total := 0.0
	for i, label := range labels {
		if label < 0 || label >= classes {
			return 0, nil, errors.Errorf("loss: label %d outside [0,%d)", label, classes)
		}
		total += -math.Log(math.Max(probs.At(i, label), 1e-9))
		grad.Set(grad.At(i, label)-1, i, label)
	}
	scale := weight / float64(n)
	for i := range grad.Data() {
		grad.Data()[i] *= scale
	}
	return weight * total / float64(n), grad, nil
}
