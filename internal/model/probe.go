package model

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"fusion-forge/internal/batch"
	"fusion-forge/internal/loss"
)

// Probe trains the final classifier layer of every head with SGD and
// weight decay. Backbones and hidden head layers stay frozen.
type Probe struct {
	built        *Built
	losses       []loss.CrossEntropy
	LearningRate float64
	WeightDecay  float64
}

// NewProbe attaches a cross-entropy loss on data.gt.classification to each
// head of b.
func NewProbe(b *Built, learningRate, weightDecay float64) *Probe {
	p := &Probe{built: b, LearningRate: learningRate, WeightDecay: weightDecay}
	for _, h := range b.Heads {
		p.losses = append(p.losses, loss.CrossEntropy{
			Pred:   batch.Logits(h.Name()),
			Target: batch.GroundTruth,
			Weight: 1,
		})
	}
	return p
}

// TrainStep executes one SGD step on rec and returns the summed head loss.
func (p *Probe) TrainStep(rec *batch.Record) (float64, error) {
	p.built.Net.SetTraining(true)
	defer p.built.Net.SetTraining(false)
	if _, err := p.built.Net.Forward(rec); err != nil {
		return 0, err
	}

	total := 0.0
	for i, h := range p.built.Heads {
		value, grad, err := p.losses[i].Compute(rec)
		if err != nil {
			return 0, errors.Wrapf(err, "loss %s", h.Name())
		}
		total += value

		x, err := rec.Tensor(batch.Features(h.Name()))
		if err != nil {
			return 0, err
		}
		xd, err := x.ToDense()
		if err != nil {
			return 0, err
		}
		gd, err := grad.ToDense()
		if err != nil {
			return 0, err
		}

		cls := h.Classifier()
		var gw mat.Dense
		gw.Mul(gd.T(), xd)
		gw.Add(&gw, scaled(p.WeightDecay, cls.Weight))
		cls.Weight.Sub(cls.Weight, scaled(p.LearningRate, &gw))

		rows, cols := gd.Dims()
		for j := 0; j < cols; j++ {
			sum := 0.0
			for r := 0; r < rows; r++ {
				sum += gd.At(r, j)
			}
			cls.Bias.Set(0, j, cls.Bias.At(0, j)-p.LearningRate*sum)
		}
	}
	return total, nil
}

func scaled(alpha float64, m mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Scale(alpha, m)
	return &out
}
