package fusion

import (
	"strconv"

	"github.com/pkg/errors"

	"fusion-forge/internal/batch"
	"fusion-forge/internal/nn"
)

// MultiModalConfig lists the optional stages of a MultiModalModel.
type MultiModalConfig struct {
	// ImagingInput is the key the imaging backbone reads, e.g.
	// data.input.image.
	ImagingInput string

	TabularBackbone    Stage[BatchModule]
	ImagingBackbone    Stage[nn.Module]
	TabularProjection  Stage[nn.Module]
	ImagingProjection  Stage[nn.Module]
	MultimodalBackbone Stage[Fuser]
	Heads              []BatchModule
}

// MultiModalModel runs its stages in a fixed order: tabular backbone,
// imaging backbone, tabular projection, imaging projection, multimodal
// backbone, then every head.
type MultiModalModel struct {
	cfg MultiModalConfig
}

// NewMultiModalModel fixes the topology. It does not validate stage
// prerequisites; see Validate.
func NewMultiModalModel(cfg MultiModalConfig) *MultiModalModel {
	return &MultiModalModel{cfg: cfg}
}

// Forward runs the configured stages on rec and returns its model
// sub-record. Reading a key no earlier stage wrote fails with
// batch.ErrKeyNotFound.
func (m *MultiModalModel) Forward(rec *batch.Record) (*batch.Record, error) {
	if bb, ok := m.cfg.TabularBackbone.Get(); ok {
		if err := bb.Forward(rec); err != nil {
			return nil, errors.Wrap(err, "tabular backbone")
		}
	}

	if bb, ok := m.cfg.ImagingBackbone.Get(); ok {
		x, err := rec.Tensor(m.cfg.ImagingInput)
		if err != nil {
			return nil, errors.Wrap(err, "imaging backbone")
		}
		features, err := bb.Forward(x)
		if err != nil {
			return nil, errors.Wrap(err, "imaging backbone")
		}
		rec.Set(batch.ImagingFeatures, features)
	}

	if proj, ok := m.cfg.TabularProjection.Get(); ok {
		if err := project(rec, batch.TabularFeatures, proj); err != nil {
			return nil, errors.Wrap(err, "tabular projection")
		}
	}

	if proj, ok := m.cfg.ImagingProjection.Get(); ok {
		if err := project(rec, batch.ImagingFeatures, proj); err != nil {
			return nil, errors.Wrap(err, "imaging projection")
		}
	}

	if fuser, ok := m.cfg.MultimodalBackbone.Get(); ok {
		features, err := fuser.Fuse(rec)
		if err != nil {
			return nil, errors.Wrap(err, "multimodal backbone")
		}
		rec.Set(batch.MultimodalFeatures, features)
	}

	return runHeads(rec, m.cfg.Heads)
}

func project(rec *batch.Record, key string, proj nn.Module) error {
	x, err := rec.Tensor(key)
	if err != nil {
		return err
	}
	y, err := proj.Forward(x)
	if err != nil {
		return err
	}
	rec.Set(key, y)
	return nil
}

// Register adds every stage's parameters under the stage names.
func (m *MultiModalModel) Register(prefix string, p nn.Params) {
	if bb, ok := m.cfg.TabularBackbone.Get(); ok {
		nn.Register(join(prefix, "tabular_backbone"), bb, p)
	}
	if bb, ok := m.cfg.ImagingBackbone.Get(); ok {
		nn.Register(join(prefix, "imaging_backbone"), bb, p)
	}
	if proj, ok := m.cfg.TabularProjection.Get(); ok {
		nn.Register(join(prefix, "tabular_projection"), proj, p)
	}
	if proj, ok := m.cfg.ImagingProjection.Get(); ok {
		nn.Register(join(prefix, "imaging_projection"), proj, p)
	}
	if fuser, ok := m.cfg.MultimodalBackbone.Get(); ok {
		nn.Register(join(prefix, "multimodal_backbone"), fuser, p)
	}
	registerHeads(prefix, m.cfg.Heads, p)
}

// SetTraining toggles training behaviour on the heads and on a tabular
// backbone that supports it.
func (m *MultiModalModel) SetTraining(on bool) {
	if bb, ok := m.cfg.TabularBackbone.Get(); ok {
		if t, ok := bb.(trainingToggle); ok {
			t.SetTraining(on)
		}
	}
	setTraining(m.cfg.Heads, on)
}

type trainingToggle interface {
	SetTraining(on bool)
}

func setTraining(heads []BatchModule, on bool) {
	for _, h := range heads {
		if t, ok := h.(trainingToggle); ok {
			t.SetTraining(on)
		}
	}
}

func registerHeads(prefix string, heads []BatchModule, p nn.Params) {
	for i, h := range heads {
		nn.Register(join(prefix, "heads."+strconv.Itoa(i)), h, p)
	}
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
