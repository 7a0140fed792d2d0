// Package fusion routes tabular and imaging features through optional
// backbones and projections, fuses them and hands the batch record to the
// classification heads.
package fusion

import (
	"github.com/pkg/errors"

	"fusion-forge/internal/batch"
	"fusion-forge/internal/tensor"
)

// Stage is an optional submodule fixed at construction time. The zero value
// is absent.
type Stage[M any] struct {
	mod     M
	present bool
}

// Present wraps m as a configured stage.
func Present[M any](m M) Stage[M] {
	return Stage[M]{mod: m, present: true}
}

// Absent returns an unconfigured stage.
func Absent[M any]() Stage[M] {
	return Stage[M]{}
}

// Get returns the module and whether it is configured.
func (s Stage[M]) Get() (M, bool) {
	return s.mod, s.present
}

// Present reports whether the stage is configured.
func (s Stage[M]) Present() bool {
	return s.present
}

// BatchModule reads from and writes to the batch record in place. Heads and
// tabular backbones are batch modules.
type BatchModule interface {
	Forward(rec *batch.Record) error
}

// Fuser builds one tensor out of a batch record.
type Fuser interface {
	Fuse(rec *batch.Record) (*tensor.Tensor, error)
}

// BatchModuleFunc adapts a function to BatchModule.
type BatchModuleFunc func(rec *batch.Record) error

func (f BatchModuleFunc) Forward(rec *batch.Record) error { return f(rec) }

func runHeads(rec *batch.Record, heads []BatchModule) (*batch.Record, error) {
	for i, h := range heads {
		if err := h.Forward(rec); err != nil {
			return nil, errors.Wrapf(err, "head %d", i)
		}
	}
	return rec.Sub(batch.Model)
}
