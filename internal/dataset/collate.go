package dataset

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/pkg/errors"

	"fusion-forge/internal/batch"
	"fusion-forge/internal/tensor"
)

// Item is a decoded sample ready for collation.
type Item struct {
	ID       string
	Pixels   []float64 // grid*grid grayscale intensities in [0,1]
	Label    int
	Clinical *Clinical
}

// Decode samples the image on a grid x grid lattice.
func Decode(s Sample, grid int) (Item, error) {
	pixels, err := ExtractGrid(s.Image, grid)
	if err != nil {
		return Item{}, errors.Wrapf(err, "decode %s", s.Key)
	}
	return Item{ID: s.Key, Pixels: pixels, Label: s.Label, Clinical: s.Clinical}, nil
}

// ExtractGrid decodes a PNG or JPEG and returns grid*grid intensities
// sampled at evenly spaced points, row-major.
func ExtractGrid(raw []byte, grid int) ([]float64, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("empty image")
	}
	out := make([]float64, grid*grid)
	stepX := float64(width) / float64(grid)
	stepY := float64(height) / float64(grid)
	for gy := 0; gy < grid; gy++ {
		for gx := 0; gx < grid; gx++ {
			px := bounds.Min.X + int(math.Min(float64(width-1), float64(gx)*stepX))
			py := bounds.Min.Y + int(math.Min(float64(height-1), float64(gy)*stepY))
			r, g, b, _ := img.At(px, py).RGBA()
			out[gy*grid+gx] = (float64(r) + float64(g) + float64(b)) / (3 * 65535.0)
		}
	}
	return out, nil
}

// Collate stacks items into a batch record with data.sample_id,
// data.input.image (B, 1, grid, grid) and data.gt.classification. With
// clinical set, the continuous and categorical inputs are added along with
// data.tabular_input, their column-wise concatenation, and every item must
// carry a clinical record of the same widths.
func Collate(items []Item, grid int, clinical bool) (*batch.Record, error) {
	if len(items) == 0 {
		return nil, errors.New("collate: empty batch")
	}
	n := len(items)
	ids := make([]string, n)
	labels := make([]int, n)
	img := tensor.New(n, 1, grid, grid)
	plane := grid * grid
	for i, it := range items {
		if len(it.Pixels) != plane {
			return nil, errors.Wrapf(tensor.ErrShapeMismatch, "collate %s: %d pixels for grid %d", it.ID, len(it.Pixels), grid)
		}
		ids[i] = it.ID
		labels[i] = it.Label
		copy(img.Data()[i*plane:(i+1)*plane], it.Pixels)
	}

	rec := batch.New()
	rec.Set(batch.SampleID, ids)
	rec.Set(batch.Image, img)
	rec.Set(batch.GroundTruth, labels)
	if !clinical {
		return rec, nil
	}

	first := items[0].Clinical
	if first == nil {
		return nil, errors.Errorf("collate %s: missing clinical record", items[0].ID)
	}
	nc, nk := len(first.Continuous), len(first.Categorical)
	if nc == 0 || nk == 0 {
		return nil, errors.Errorf("collate %s: empty clinical record", items[0].ID)
	}
	cont := tensor.New(n, nc)
	cat := tensor.New(n, nk)
	for i, it := range items {
		c := it.Clinical
		if c == nil || len(c.Continuous) != nc || len(c.Categorical) != nk {
			return nil, errors.Wrapf(tensor.ErrShapeMismatch, "collate %s: clinical widths differ from %d/%d", it.ID, nc, nk)
		}
		copy(cont.Data()[i*nc:(i+1)*nc], c.Continuous)
		copy(cat.Data()[i*nk:(i+1)*nk], c.Categorical)
	}
	joined, err := tensor.Cat(1, cont, cat)
	if err != nil {
		return nil, errors.Wrap(err, "collate tabular input")
	}
	rec.Set(batch.TabularContinuous, cont)
	rec.Set(batch.TabularCategorical, cat)
	rec.Set(batch.TabularInput, joined)
	return rec, nil
}
