package fusion

import (
	"github.com/pkg/errors"

	"fusion-forge/internal/batch"
	"fusion-forge/internal/nn"
	"fusion-forge/internal/tensor"
)

// TabularModelConfig configures NewTabularModel.
type TabularModelConfig struct {
	ContinuousInput  string
	CategoricalInput string

	CategoricalBackbone Stage[nn.Module]
	ContinuousBackbone  Stage[nn.Module]
	CatBackbone         nn.Module
	Heads               []BatchModule

	// SeparateContinuousBackbone routes the continuous input through
	// ContinuousBackbone. When false the continuous input goes through
	// CategoricalBackbone whenever ContinuousBackbone is configured, matching
	// models trained before the two were split.
	SeparateContinuousBackbone bool
}

// TabularModel embeds categorical and continuous inputs, concatenates them,
// runs the joint backbone into model.tabular_features and applies the heads.
type TabularModel struct {
	cfg TabularModelConfig
}

// NewTabularModel checks that the required inputs are named.
func NewTabularModel(cfg TabularModelConfig) (*TabularModel, error) {
	if cfg.ContinuousInput == "" || cfg.CategoricalInput == "" {
		return nil, errors.New("fusion: tabular model needs continuous and categorical input keys")
	}
	if cfg.CatBackbone == nil {
		cfg.CatBackbone = nn.Identity{}
	}
	return &TabularModel{cfg: cfg}, nil
}

// Forward writes model.tabular_features and runs every head on rec. It lets
// the model serve as the tabular backbone of a MultiModalModel.
func (m *TabularModel) Forward(rec *batch.Record) error {
	categorical, err := m.embed(rec, m.cfg.CategoricalInput, m.cfg.CategoricalBackbone)
	if err != nil {
		return errors.Wrap(err, "categorical branch")
	}

	continuousBackbone := m.cfg.ContinuousBackbone
	if continuousBackbone.Present() && !m.cfg.SeparateContinuousBackbone {
		continuousBackbone = m.cfg.CategoricalBackbone
		if !continuousBackbone.Present() {
			return errors.New("continuous branch: shares the categorical backbone, which is not configured")
		}
	}
	continuous, err := m.embed(rec, m.cfg.ContinuousInput, continuousBackbone)
	if err != nil {
		return errors.Wrap(err, "continuous branch")
	}

	joined, err := tensor.Cat(1, categorical, continuous)
	if err != nil {
		return errors.Wrap(err, "tabular concat")
	}
	features, err := m.cfg.CatBackbone.Forward(joined)
	if err != nil {
		return errors.Wrap(err, "cat tabular backbone")
	}
	rec.Set(batch.TabularFeatures, features)

	_, err = runHeads(rec, m.cfg.Heads)
	return err
}

// Apply runs Forward and returns the model sub-record.
func (m *TabularModel) Apply(rec *batch.Record) (*batch.Record, error) {
	if err := m.Forward(rec); err != nil {
		return nil, err
	}
	return rec.Sub(batch.Model)
}

func (m *TabularModel) embed(rec *batch.Record, key string, backbone Stage[nn.Module]) (*tensor.Tensor, error) {
	x, err := rec.Tensor(key)
	if err != nil {
		return nil, err
	}
	if bb, ok := backbone.Get(); ok {
		return bb.Forward(x)
	}
	return x, nil
}

func (m *TabularModel) Register(prefix string, p nn.Params) {
	if bb, ok := m.cfg.CategoricalBackbone.Get(); ok {
		nn.Register(join(prefix, "backbone_categorical_tabular"), bb, p)
	}
	if bb, ok := m.cfg.ContinuousBackbone.Get(); ok {
		nn.Register(join(prefix, "backbone_continuous_tabular"), bb, p)
	}
	nn.Register(join(prefix, "backbone_cat_tabular"), m.cfg.CatBackbone, p)
	registerHeads(prefix, m.cfg.Heads, p)
}

// SetTraining toggles training behaviour on every head that supports it.
func (m *TabularModel) SetTraining(on bool) {
	setTraining(m.cfg.Heads, on)
}
