package dataset

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Split holds train and validation indices into a sorted item list.
type Split struct {
	Train []int `json:"train"`
	Val   []int `json:"val"`
}

// NewSplit puts the first portionTrain of n items in Train and the rest in
// Val.
func NewSplit(n int, portionTrain float64) (Split, error) {
	if portionTrain <= 0 || portionTrain > 1 {
		return Split{}, errors.Errorf("partition: portion_train must be in (0,1] (got %.2f)", portionTrain)
	}
	cut := int(float64(n) * portionTrain)
	s := Split{Train: make([]int, 0, cut), Val: make([]int, 0, n-cut)}
	for i := 0; i < n; i++ {
		if i < cut {
			s.Train = append(s.Train, i)
		} else {
			s.Val = append(s.Val, i)
		}
	}
	return s, nil
}

// LoadOrCreateSplit reuses the split stored at path unless override is set
// or the file does not exist, in which case a new split is written there.
// An empty path always returns a fresh split without persisting it.
func LoadOrCreateSplit(path string, n int, portionTrain float64, override bool) (Split, error) {
	if path == "" {
		return NewSplit(n, portionTrain)
	}
	if !override {
		raw, err := os.ReadFile(path)
		if err == nil {
			var s Split
			if err := json.Unmarshal(raw, &s); err != nil {
				return Split{}, errors.Wrapf(err, "parse partition %s", path)
			}
			for _, idx := range append(append([]int(nil), s.Train...), s.Val...) {
				if idx < 0 || idx >= n {
					return Split{}, errors.Errorf("partition %s: index %d out of range for %d items", path, idx, n)
				}
			}
			return s, nil
		}
		if !os.IsNotExist(err) {
			return Split{}, errors.Wrapf(err, "read partition %s", path)
		}
	}

	s, err := NewSplit(n, portionTrain)
	if err != nil {
		return Split{}, err
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return Split{}, err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return Split{}, errors.Wrapf(err, "write partition %s", path)
	}
	return s, nil
}

// Select picks items by index.
func Select(items []string, idx []int) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, items[i])
	}
	return out
}
