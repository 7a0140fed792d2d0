package fusion

import (
	"github.com/pkg/errors"

	"fusion-forge/internal/batch"
)

// ErrTopology reports a stage configured without the stage that produces
// its input.
var ErrTopology = errors.New("fusion: invalid topology")

// requirer is implemented by fusers that read fixed record keys.
type requirer interface {
	Requires() []string
}

// Validate checks stage prerequisites at construction time. Forward does not
// call it: a record may already carry precomputed features, in which case an
// otherwise incomplete topology is legitimate.
func (c MultiModalConfig) Validate() error {
	produced := map[string]bool{}
	if c.TabularBackbone.Present() {
		produced[batch.TabularFeatures] = true
	}
	if c.ImagingBackbone.Present() {
		if c.ImagingInput == "" {
			return errors.Wrap(ErrTopology, "imaging backbone without an imaging input key")
		}
		produced[batch.ImagingFeatures] = true
	}
	if c.TabularProjection.Present() && !produced[batch.TabularFeatures] {
		return errors.Wrap(ErrTopology, "tabular projection without a tabular backbone")
	}
	if c.ImagingProjection.Present() && !produced[batch.ImagingFeatures] {
		return errors.Wrap(ErrTopology, "imaging projection without an imaging backbone")
	}
	if fuser, ok := c.MultimodalBackbone.Get(); ok {
		if r, ok := fuser.(requirer); ok {
			for _, key := range r.Requires() {
				if !produced[key] {
					return errors.Wrapf(ErrTopology, "multimodal backbone reads %s, which no stage writes", key)
				}
			}
		}
	}
	return nil
}
