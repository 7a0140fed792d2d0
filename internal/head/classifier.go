// Package head implements classification heads that read a feature tensor
// from the batch record and write logits and class probabilities back.
package head

import (
	"math/rand"
	"strconv"

	"github.com/pkg/errors"

	"fusion-forge/internal/batch"
	"fusion-forge/internal/nn"
	"fusion-forge/internal/tensor"
)

// Config describes a GlobalPoolingClassifier.
type Config struct {
	Name        string
	ConvInput   string
	InChannels  int
	Pooling     tensor.PoolMode
	Layers      []int
	NumClasses  int
	DropoutRate float64
}

// GlobalPoolingClassifier pools a feature map to (B, C), applies dropout in
// training mode, then hidden Linear+ReLU layers and a final Linear layer.
type GlobalPoolingClassifier struct {
	cfg        Config
	hidden     []*nn.Linear
	classifier *nn.Linear
	training   bool
	rng        *rand.Rand
}

// New builds a head with freshly initialized layers.
func New(cfg Config, rng *rand.Rand) (*GlobalPoolingClassifier, error) {
	if cfg.Name == "" || cfg.ConvInput == "" {
		return nil, errors.New("head: name and conv input are required")
	}
	if cfg.InChannels <= 0 || cfg.NumClasses <= 0 {
		return nil, errors.Errorf("head %s: in_channels and num_classes must be > 0", cfg.Name)
	}
	if cfg.DropoutRate < 0 || cfg.DropoutRate >= 1 {
		return nil, errors.Errorf("head %s: dropout rate %.2f out of [0,1)", cfg.Name, cfg.DropoutRate)
	}
	if cfg.Pooling == "" {
		cfg.Pooling = tensor.PoolAvg
	}
	h := &GlobalPoolingClassifier{cfg: cfg, rng: rng}
	in := cfg.InChannels
	for _, width := range cfg.Layers {
		h.hidden = append(h.hidden, nn.NewLinear(in, width, rng))
		in = width
	}
	h.classifier = nn.NewLinear(in, cfg.NumClasses, rng)
	return h, nil
}

// Name identifies the head in record keys.
func (h *GlobalPoolingClassifier) Name() string { return h.cfg.Name }

// Classifier is the final layer, the only one updated by linear-probe
// training.
func (h *GlobalPoolingClassifier) Classifier() *nn.Linear { return h.classifier }

// SetTraining enables dropout.
func (h *GlobalPoolingClassifier) SetTraining(on bool) { h.training = on }

// Forward writes model.features.<name>, model.logits.<name> and
// model.output.<name>.
func (h *GlobalPoolingClassifier) Forward(rec *batch.Record) error {
	x, err := rec.Tensor(h.cfg.ConvInput)
	if err != nil {
		return errors.Wrapf(err, "head %s", h.cfg.Name)
	}
	if x.Dims() > 2 {
		x, err = tensor.GlobalPool(x, h.cfg.Pooling, x.Dims()-2)
		if err != nil {
			return errors.Wrapf(err, "head %s", h.cfg.Name)
		}
		x = tensor.Flatten2D(x)
	}
	if h.training && h.cfg.DropoutRate > 0 {
		x = h.dropout(x)
	}
	for i, l := range h.hidden {
		x, err = l.Forward(x)
		if err != nil {
			return errors.Wrapf(err, "head %s layer %d", h.cfg.Name, i)
		}
		x = tensor.ReLU(x)
	}
	rec.Set(batch.Features(h.cfg.Name), x)

	logits, err := h.classifier.Forward(x)
	if err != nil {
		return errors.Wrapf(err, "head %s classifier", h.cfg.Name)
	}
	probs, err := tensor.Softmax(logits)
	if err != nil {
		return err
	}
	rec.Set(batch.Logits(h.cfg.Name), logits)
	rec.Set(batch.Output(h.cfg.Name), probs)
	return nil
}

func (h *GlobalPoolingClassifier) dropout(x *tensor.Tensor) *tensor.Tensor {
	out := x.Clone()
	keep := 1 - h.cfg.DropoutRate
	for i := range out.Data() {
		if h.rng.Float64() < h.cfg.DropoutRate {
			out.Data()[i] = 0
		} else {
			out.Data()[i] /= keep
		}
	}
	return out
}

func (h *GlobalPoolingClassifier) Register(prefix string, p nn.Params) {
	for i, l := range h.hidden {
		l.Register(prefix+".layers."+strconv.Itoa(i), p)
	}
	h.classifier.Register(prefix+".classifier", p)
}
