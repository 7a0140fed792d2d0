package batch

import (
	"errors"
	"reflect"
	"testing"

	"fusion-forge/internal/tensor"
)

func TestSetGetNested(t *testing.T) {
	r := New()
	x := tensor.Ones(2, 3)
	r.Set(ImagingFeatures, x)
	r.Set(GroundTruth, []int{0, 1})

	got, err := r.Tensor(ImagingFeatures)
	if err != nil {
		t.Fatalf("Tensor: %v", err)
	}
	if got != x {
		t.Fatalf("expected the stored tensor back")
	}
	labels, err := r.Labels(GroundTruth)
	if err != nil || !reflect.DeepEqual(labels, []int{0, 1}) {
		t.Fatalf("Labels=%v err=%v", labels, err)
	}

	want := []string{GroundTruth, ImagingFeatures}
	if !reflect.DeepEqual(r.Keys(), want) {
		t.Fatalf("Keys=%v want %v", r.Keys(), want)
	}
}

func TestGetMissingKey(t *testing.T) {
	r := New()
	r.Set(TabularFeatures, tensor.Ones(1, 1))
	if _, err := r.Tensor(ImagingFeatures); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if _, err := r.Get("model.tabular_features.deeper"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound through a leaf, got %v", err)
	}
}

func TestWrongType(t *testing.T) {
	r := New()
	r.Set(GroundTruth, []int{1})
	if _, err := r.Tensor(GroundTruth); !errors.Is(err, ErrWrongType) {
		t.Fatalf("expected ErrWrongType, got %v", err)
	}
}

func TestSubSharesStorage(t *testing.T) {
	r := New()
	r.Set(TabularFeatures, tensor.Ones(1, 2))
	model, err := r.Sub(Model)
	if err != nil {
		t.Fatalf("Sub: %v", err)
	}
	model.Set("output.head_0", tensor.Ones(1, 2))
	if !r.Has(Output("head_0")) {
		t.Fatalf("write through sub record not visible in parent")
	}
	if r.BatchSize() != 1 {
		t.Fatalf("BatchSize=%d", r.BatchSize())
	}
}
