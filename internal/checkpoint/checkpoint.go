// Package checkpoint persists the named parameter matrices of a model
// together with training metadata.
package checkpoint

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"fusion-forge/internal/nn"
)

// ErrParamMismatch means the checkpoint and the model disagree on parameter
// names or shapes.
var ErrParamMismatch = errors.New("checkpoint: parameter mismatch")

// Meta describes the training state a checkpoint was taken at. HasBest is
// false until BestSource has produced a value.
type Meta struct {
	RunID        string
	Epoch        int
	BestSource   string
	BestValue    float64
	HasBest      bool
	LearningRate float64
	Saved        time.Time
}

type file struct {
	Meta   Meta
	Params map[string][]byte
}

// Save writes meta and every matrix in params to path, replacing it
// atomically.
func Save(path string, meta Meta, params nn.Params) error {
	f := file{Meta: meta, Params: make(map[string][]byte, len(params))}
	if f.Meta.Saved.IsZero() {
		f.Meta.Saved = time.Now().UTC()
	}
	for name, m := range params {
		raw, err := m.MarshalBinary()
		if err != nil {
			return errors.Wrapf(err, "encode %s", name)
		}
		f.Params[name] = raw
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	defer os.Remove(tmp.Name())
	if err := gob.NewEncoder(tmp).Encode(&f); err != nil {
		tmp.Close()
		return errors.Wrap(err, "encode checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close checkpoint")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "publish checkpoint")
}

// Load reads path and copies every stored matrix into the same-named entry
// of params. Both sides must hold exactly the same names and shapes.
func Load(path string, params nn.Params) (Meta, error) {
	fh, err := os.Open(path)
	if err != nil {
		return Meta{}, errors.Wrap(err, "open checkpoint")
	}
	defer fh.Close()

	var f file
	if err := gob.NewDecoder(fh).Decode(&f); err != nil {
		return Meta{}, errors.Wrapf(err, "decode checkpoint %s", path)
	}

	var missing, extra []string
	for name := range params {
		if _, ok := f.Params[name]; !ok {
			missing = append(missing, name)
		}
	}
	for name := range f.Params {
		if _, ok := params[name]; !ok {
			extra = append(extra, name)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(missing)
		sort.Strings(extra)
		return Meta{}, errors.Wrapf(ErrParamMismatch, "missing %v, unexpected %v", missing, extra)
	}

	for name, dst := range params {
		var src mat.Dense
		if err := src.UnmarshalBinary(f.Params[name]); err != nil {
			return Meta{}, errors.Wrapf(err, "decode %s", name)
		}
		sr, sc := src.Dims()
		dr, dc := dst.Dims()
		if sr != dr || sc != dc {
			return Meta{}, errors.Wrapf(ErrParamMismatch, "%s is %dx%d in checkpoint, %dx%d in model", name, sr, sc, dr, dc)
		}
		dst.Copy(&src)
	}
	return f.Meta, nil
}
