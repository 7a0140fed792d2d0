package fusion

import (
	"github.com/pkg/errors"

	"fusion-forge/internal/nn"
	"fusion-forge/internal/tensor"
)

// Dim tags the spatial rank of an imaging feature map.
type Dim string

const (
	Dim2D Dim = "2d"
	Dim3D Dim = "3d"
)

func (d Dim) spatial() int {
	if d == Dim3D {
		return 3
	}
	return 2
}

// ImagingProjectorConfig configures NewImagingProjector.
type ImagingProjectorConfig struct {
	Pooling    tensor.PoolMode
	Dim        Dim
	Projection Stage[nn.Module]

	// AvgPool3D makes avg pooling on 3d maps average. When false, avg on 3d
	// falls back to max pooling, which is what existing checkpoints were
	// trained with.
	AvgPool3D bool
}

// ImagingProjector globally pools a (B, C, spatial...) feature map, applies
// the optional projection and returns (B, C').
type ImagingProjector struct {
	mode       tensor.PoolMode
	spatial    int
	projection Stage[nn.Module]
}

// NewImagingProjector validates cfg and resolves the effective pooling mode.
func NewImagingProjector(cfg ImagingProjectorConfig) (*ImagingProjector, error) {
	if cfg.Pooling != tensor.PoolMax && cfg.Pooling != tensor.PoolAvg {
		return nil, errors.Errorf("fusion: pooling must be max or avg (got %q)", cfg.Pooling)
	}
	if cfg.Dim != Dim2D && cfg.Dim != Dim3D {
		return nil, errors.Errorf("fusion: dim must be 2d or 3d (got %q)", cfg.Dim)
	}
	mode := cfg.Pooling
	if mode == tensor.PoolAvg && cfg.Dim == Dim3D && !cfg.AvgPool3D {
		mode = tensor.PoolMax
	}
	return &ImagingProjector{mode: mode, spatial: cfg.Dim.spatial(), projection: cfg.Projection}, nil
}

// Mode reports the pooling actually applied.
func (p *ImagingProjector) Mode() tensor.PoolMode { return p.mode }

func (p *ImagingProjector) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	pooled, err := tensor.GlobalPool(x, p.mode, p.spatial)
	if err != nil {
		return nil, errors.Wrap(err, "project imaging")
	}
	if proj, ok := p.projection.Get(); ok {
		pooled, err = proj.Forward(pooled)
		if err != nil {
			return nil, errors.Wrap(err, "project imaging")
		}
	}
	return tensor.SqueezeSpatial(pooled), nil
}

func (p *ImagingProjector) Register(prefix string, ps nn.Params) {
	if proj, ok := p.projection.Get(); ok {
		nn.Register(prefix+".projection", proj, ps)
	}
}

// TabularProjector applies an optional projection to tabular features and
// drops singleton axes 3 and 2 when present. Without a projection it passes
// features through.
type TabularProjector struct {
	projection Stage[nn.Module]
}

// NewTabularProjector returns a projector around the optional projection.
func NewTabularProjector(projection Stage[nn.Module]) *TabularProjector {
	return &TabularProjector{projection: projection}
}

func (p *TabularProjector) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	if proj, ok := p.projection.Get(); ok {
		x, err = proj.Forward(x)
		if err != nil {
			return nil, errors.Wrap(err, "project tabular")
		}
	}
	for _, axis := range []int{3, 2} {
		if axis < x.Dims() {
			if x, err = tensor.Squeeze(x, axis); err != nil {
				return nil, err
			}
		}
	}
	return x, nil
}

func (p *TabularProjector) Register(prefix string, ps nn.Params) {
	if proj, ok := p.projection.Get(); ok {
		nn.Register(prefix+".projection", proj, ps)
	}
}
