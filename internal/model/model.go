// Package model assembles fusion topologies from configuration and trains
// their classifier layers.
package model

import (
	"math/rand"

	"github.com/pkg/errors"

	"fusion-forge/internal/batch"
	"fusion-forge/internal/config"
	"fusion-forge/internal/fusion"
	"fusion-forge/internal/head"
	"fusion-forge/internal/nn"
	"fusion-forge/internal/tensor"
)

// Model is a runnable topology that returns the model sub-record of the
// batch it was given.
type Model interface {
	Forward(rec *batch.Record) (*batch.Record, error)
	SetTraining(on bool)
	Register(prefix string, p nn.Params)
}

// Built is a model together with its heads and the inputs it needs.
type Built struct {
	Net      Model
	Heads    []*head.GlobalPoolingClassifier
	Clinical bool
}

// Params returns the named parameter registry of the whole model.
func (b *Built) Params() nn.Params {
	p := nn.Params{}
	b.Net.Register("", p)
	return p
}

// Predict runs the model in evaluation mode.
func (b *Built) Predict(rec *batch.Record) (*batch.Record, error) {
	b.Net.SetTraining(false)
	return b.Net.Forward(rec)
}

type tabularNet struct {
	*fusion.TabularModel
}

func (t tabularNet) Forward(rec *batch.Record) (*batch.Record, error) {
	return t.Apply(rec)
}

// Build assembles the topology named by cfg.Kind with weights drawn from
// seed.
func Build(cfg config.ModelConfig, seed int64) (*Built, error) {
	rng := rand.New(rand.NewSource(seed))
	switch cfg.Kind {
	case config.KindImaging:
		return buildImaging(cfg, rng)
	case config.KindTabular:
		return buildTabular(cfg, rng)
	case config.KindMultimodal:
		return buildMultimodal(cfg, rng)
	default:
		return nil, errors.Errorf("model: unknown kind %q", cfg.Kind)
	}
}

func newHead(cfg config.ModelConfig, input string, inChannels int, rng *rand.Rand) (*head.GlobalPoolingClassifier, error) {
	return head.New(head.Config{
		Name:        cfg.Head.Name,
		ConvInput:   input,
		InChannels:  inChannels,
		Pooling:     tensor.PoolMode(cfg.Pooling),
		Layers:      cfg.Head.Layers,
		NumClasses:  cfg.Head.NumClasses,
		DropoutRate: cfg.Head.DropoutRate,
	}, rng)
}

// imagingStages builds the conv backbone and, when width is set or the
// features must be flat, the projector.
func imagingStages(cfg config.ModelConfig, flatten bool, rng *rand.Rand) (*nn.ConvBackbone, fusion.Stage[nn.Module], int, error) {
	backbone := nn.NewConvBackbone(1, cfg.Channels, cfg.Downsample, rng)
	width := backbone.OutChannels()
	if cfg.ImagingProjection <= 0 && !flatten {
		return backbone, fusion.Absent[nn.Module](), width, nil
	}
	projection := fusion.Absent[nn.Module]()
	if cfg.ImagingProjection > 0 {
		projection = fusion.Present[nn.Module](nn.NewPointwise(width, cfg.ImagingProjection, rng))
		width = cfg.ImagingProjection
	}
	projector, err := fusion.NewImagingProjector(fusion.ImagingProjectorConfig{
		Pooling:    tensor.PoolMode(cfg.Pooling),
		Dim:        fusion.Dim(cfg.Dim),
		Projection: projection,
	})
	if err != nil {
		return nil, fusion.Stage[nn.Module]{}, 0, err
	}
	return backbone, fusion.Present[nn.Module](projector), width, nil
}

func buildImaging(cfg config.ModelConfig, rng *rand.Rand) (*Built, error) {
	backbone, projection, width, err := imagingStages(cfg, false, rng)
	if err != nil {
		return nil, err
	}
	h, err := newHead(cfg, batch.ImagingFeatures, width, rng)
	if err != nil {
		return nil, err
	}
	mm := fusion.MultiModalConfig{
		ImagingInput:      batch.Image,
		ImagingBackbone:   fusion.Present[nn.Module](backbone),
		ImagingProjection: projection,
		Heads:             []fusion.BatchModule{h},
	}
	if err := mm.Validate(); err != nil {
		return nil, err
	}
	return &Built{Net: fusion.NewMultiModalModel(mm), Heads: []*head.GlobalPoolingClassifier{h}, Clinical: cfg.UsesClinical()}, nil
}

// tabularModel builds the tabular embedding model and reports the width of
// model.tabular_features. attach, when set, builds the heads for that width.
func tabularModel(cfg config.ModelConfig, rng *rand.Rand, attach func(width int) ([]fusion.BatchModule, error)) (*fusion.TabularModel, int, error) {
	categorical := fusion.Absent[nn.Module]()
	catWidth := cfg.CategoricalWidth
	if len(cfg.CategoricalEmbedding) > 0 {
		mlp := nn.NewMLP(cfg.CategoricalWidth, cfg.CategoricalEmbedding, rng)
		categorical = fusion.Present[nn.Module](mlp)
		catWidth = mlp.OutDim()
	}

	continuous := fusion.Absent[nn.Module]()
	contWidth := cfg.ContinuousWidth
	if len(cfg.ContinuousEmbedding) > 0 {
		mlp := nn.NewMLP(cfg.ContinuousWidth, cfg.ContinuousEmbedding, rng)
		continuous = fusion.Present[nn.Module](mlp)
		contWidth = mlp.OutDim()
		if !cfg.SeparateContinuousBackbone {
			// The continuous input runs through the categorical embedding.
			if !categorical.Present() {
				return nil, 0, errors.New("model: continuous_embedding shares the categorical embedding; set categorical_embedding or separate_continuous_backbone")
			}
			if cfg.ContinuousWidth != cfg.CategoricalWidth {
				return nil, 0, errors.Errorf("model: shared tabular embedding needs equal widths (continuous %d, categorical %d); set separate_continuous_backbone",
					cfg.ContinuousWidth, cfg.CategoricalWidth)
			}
			contWidth = catWidth
		}
	}

	var joint nn.Module = nn.Identity{}
	width := catWidth + contWidth
	if len(cfg.CatTabular) > 0 {
		mlp := nn.NewMLP(width, cfg.CatTabular, rng)
		joint = mlp
		width = mlp.OutDim()
	}

	var heads []fusion.BatchModule
	if attach != nil {
		var err error
		if heads, err = attach(width); err != nil {
			return nil, 0, err
		}
	}

	m, err := fusion.NewTabularModel(fusion.TabularModelConfig{
		ContinuousInput:            batch.TabularContinuous,
		CategoricalInput:           batch.TabularCategorical,
		CategoricalBackbone:        categorical,
		ContinuousBackbone:         continuous,
		CatBackbone:                joint,
		Heads:                      heads,
		SeparateContinuousBackbone: cfg.SeparateContinuousBackbone,
	})
	if err != nil {
		return nil, 0, err
	}
	return m, width, nil
}

func buildTabular(cfg config.ModelConfig, rng *rand.Rand) (*Built, error) {
	var h *head.GlobalPoolingClassifier
	m, _, err := tabularModel(cfg, rng, func(width int) ([]fusion.BatchModule, error) {
		var err error
		h, err = newHead(cfg, batch.TabularFeatures, width, rng)
		if err != nil {
			return nil, err
		}
		return []fusion.BatchModule{h}, nil
	})
	if err != nil {
		return nil, err
	}
	return &Built{Net: tabularNet{m}, Heads: []*head.GlobalPoolingClassifier{h}, Clinical: cfg.UsesClinical()}, nil
}

func buildMultimodal(cfg config.ModelConfig, rng *rand.Rand) (*Built, error) {
	tab, tabWidth, err := tabularModel(cfg, rng, nil)
	if err != nil {
		return nil, err
	}
	tabProjection := fusion.Absent[nn.Module]()
	if cfg.TabularProjection > 0 {
		tabProjection = fusion.Present[nn.Module](nn.NewLinear(tabWidth, cfg.TabularProjection, rng))
		tabWidth = cfg.TabularProjection
	}

	backbone, imgProjection, imgWidth, err := imagingStages(cfg, true, rng)
	if err != nil {
		return nil, err
	}
	h, err := newHead(cfg, batch.MultimodalFeatures, tabWidth+imgWidth, rng)
	if err != nil {
		return nil, err
	}

	mm := fusion.MultiModalConfig{
		ImagingInput:       batch.Image,
		TabularBackbone:    fusion.Present[fusion.BatchModule](tab),
		ImagingBackbone:    fusion.Present[nn.Module](backbone),
		TabularProjection:  fusion.Present[nn.Module](fusion.NewTabularProjector(tabProjection)),
		ImagingProjection:  imgProjection,
		MultimodalBackbone: fusion.Present[fusion.Fuser](fusion.Concat{}),
		Heads:              []fusion.BatchModule{h},
	}
	if err := mm.Validate(); err != nil {
		return nil, err
	}
	return &Built{Net: fusion.NewMultiModalModel(mm), Heads: []*head.GlobalPoolingClassifier{h}, Clinical: cfg.UsesClinical()}, nil
}
