package dataset

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"fusion-forge/internal/batch"
	"fusion-forge/internal/tensor"
)

func encodeGray(t *testing.T, size int, level func(x, y int) uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetGray(x, y, color.Gray{Y: level(x, y)})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestExtractGrid(t *testing.T) {
	raw := encodeGray(t, 16, func(x, y int) uint8 { return uint8((x + y) % 255) })
	features, err := ExtractGrid(raw, 8)
	if err != nil {
		t.Fatalf("ExtractGrid: %v", err)
	}
	if len(features) != 64 {
		t.Fatalf("expected 64 features, got %d", len(features))
	}
	for _, v := range features {
		if v < 0 || v > 1 {
			t.Fatalf("feature out of range: %f", v)
		}
	}
	if _, err := ExtractGrid([]byte("not an image"), 8); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestCollateWithClinical(t *testing.T) {
	white := encodeGray(t, 4, func(int, int) uint8 { return 255 })
	var items []Item
	for i, key := range []string{"p1", "p2"} {
		it, err := Decode(Sample{
			Key:      key,
			Image:    white,
			Label:    i,
			Clinical: &Clinical{Continuous: []float64{float64(50 + i)}, Categorical: []float64{1, 0, 0}},
		}, 4)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		items = append(items, it)
	}

	rec, err := Collate(items, 4, true)
	if err != nil {
		t.Fatalf("Collate: %v", err)
	}
	img, _ := rec.Tensor(batch.Image)
	if !img.Equal(tensor.Ones(2, 1, 4, 4), 1e-12) {
		t.Fatalf("unexpected image tensor %v", img.Shape())
	}
	ids, _ := rec.IDs(batch.SampleID)
	labels, _ := rec.Labels(batch.GroundTruth)
	if !reflect.DeepEqual(ids, []string{"p1", "p2"}) || !reflect.DeepEqual(labels, []int{0, 1}) {
		t.Fatalf("ids=%v labels=%v", ids, labels)
	}
	cont, _ := rec.Tensor(batch.TabularContinuous)
	cat, _ := rec.Tensor(batch.TabularCategorical)
	if cont.At(1, 0) != 51 || cat.Dim(1) != 3 {
		t.Fatalf("unexpected tabular inputs %v %v", cont.Data(), cat.Shape())
	}
	joined, err := rec.Tensor(batch.TabularInput)
	if err != nil {
		t.Fatalf("tabular input: %v", err)
	}
	if !reflect.DeepEqual(joined.Shape(), []int{2, 4}) || !reflect.DeepEqual(joined.Row(1), []float64{51, 1, 0, 0}) {
		t.Fatalf("unexpected joined tabular input %v %v", joined.Shape(), joined.Data())
	}

	items[1].Clinical = &Clinical{Continuous: []float64{1, 2}, Categorical: []float64{1, 0, 0}}
	if _, err := Collate(items, 4, true); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("expected width mismatch, got %v", err)
	}
	if _, err := Collate(items, 4, false); err != nil {
		t.Fatalf("imaging-only collate should ignore clinical widths: %v", err)
	}
}

func TestBalancedBatcher(t *testing.T) {
	b, err := NewBalancedBatcher(2, 4)
	if err != nil {
		t.Fatalf("NewBalancedBatcher: %v", err)
	}
	labels := []int{0, 0, 0, 0, 1, 0, 1}
	var got []Item
	for i, l := range labels {
		out, err := b.Add(Item{ID: string(rune('a' + i)), Label: l})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if out != nil {
			if got != nil {
				t.Fatalf("expected a single batch")
			}
			got = out
		}
	}
	if len(got) != 4 {
		t.Fatalf("expected a batch of 4, got %d", len(got))
	}
	counts := map[int]int{}
	for _, it := range got {
		counts[it.Label]++
	}
	if counts[0] != 2 || counts[1] != 2 {
		t.Fatalf("unbalanced batch %v", counts)
	}
	if p := b.Pending(); p[0] != 3 || p[1] != 0 {
		t.Fatalf("unexpected leftovers %v", p)
	}
	if _, err := b.Add(Item{ID: "x", Label: 2}); err == nil {
		t.Fatalf("expected label range error")
	}
	if _, err := NewBalancedBatcher(3, 2); err == nil {
		t.Fatalf("expected batch size error")
	}
}

func TestBalancedBatcherMissingClass(t *testing.T) {
	b, err := NewBalancedBatcherCap(2, 4, 8)
	if err != nil {
		t.Fatalf("NewBalancedBatcherCap: %v", err)
	}
	for i := 0; i < 8; i++ {
		out, err := b.Add(Item{ID: string(rune('a' + i)), Label: 0})
		if err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
		if out != nil {
			t.Fatalf("batch emitted without class 1")
		}
	}
	_, err = b.Add(Item{ID: "overflow", Label: 0})
	if !errors.Is(err, ErrStarvedClass) {
		t.Fatalf("expected ErrStarvedClass, got %v", err)
	}
	if !strings.Contains(err.Error(), "classes [1]") {
		t.Fatalf("error does not name the missing class: %v", err)
	}
	if _, err := NewBalancedBatcherCap(2, 4, 3); err == nil {
		t.Fatalf("expected queue bound error")
	}
}

func TestLoadOrCreateSplit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partition.json")
	s, err := LoadOrCreateSplit(path, 10, 0.7, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(s.Train) != 7 || len(s.Val) != 3 || s.Val[0] != 7 {
		t.Fatalf("unexpected split %+v", s)
	}

	reused, err := LoadOrCreateSplit(path, 10, 0.5, false)
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if !reflect.DeepEqual(reused, s) {
		t.Fatalf("stored split not reused: %+v", reused)
	}

	overridden, err := LoadOrCreateSplit(path, 10, 0.5, true)
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if len(overridden.Train) != 5 {
		t.Fatalf("override ignored: %+v", overridden)
	}

	if _, err := LoadOrCreateSplit(path, 3, 0.5, false); err == nil {
		t.Fatalf("expected out-of-range index error")
	}
	got := Select([]string{"a", "b", "c"}, []int{2, 0})
	if !reflect.DeepEqual(got, []string{"c", "a"}) {
		t.Fatalf("Select=%v", got)
	}
}
