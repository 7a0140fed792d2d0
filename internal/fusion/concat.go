package fusion

import (
	"github.com/pkg/errors"

	"fusion-forge/internal/batch"
	"fusion-forge/internal/tensor"
)

// Concat joins model.tabular_features and model.imaging_features along the
// channel axis. Both keys must already be present.
type Concat struct{}

func (Concat) Fuse(rec *batch.Record) (*tensor.Tensor, error) {
	tab, err := rec.Tensor(batch.TabularFeatures)
	if err != nil {
		return nil, err
	}
	img, err := rec.Tensor(batch.ImagingFeatures)
	if err != nil {
		return nil, err
	}
	out, err := tensor.Cat(1, tab, img)
	if err != nil {
		return nil, errors.Wrap(err, "concat fusion")
	}
	return out, nil
}

// Requires lists the keys Concat reads.
func (Concat) Requires() []string {
	return []string{batch.TabularFeatures, batch.ImagingFeatures}
}
