package dataset

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrStarvedClass is returned when one class queue fills up while another
// class never reaches its quota.
var ErrStarvedClass = errors.New("balanced batcher: class starved")

// DefaultMaxQueued is the per-class queue bound as a multiple of the batch
// size.
const DefaultMaxQueued = 64

// BalancedBatcher assembles batches holding a fixed share of every class.
// With a batch size that does not divide evenly, the lower class indices get
// one extra slot each.
type BalancedBatcher struct {
	quota     []int
	queues    [][]Item
	maxQueued int
}

// NewBalancedBatcher returns a batcher for labels in [0, numClasses). A
// class queue may hold DefaultMaxQueued*batchSize items before Add fails.
func NewBalancedBatcher(numClasses, batchSize int) (*BalancedBatcher, error) {
	return NewBalancedBatcherCap(numClasses, batchSize, DefaultMaxQueued*batchSize)
}

// NewBalancedBatcherCap is NewBalancedBatcher with an explicit per-class
// queue bound.
func NewBalancedBatcherCap(numClasses, batchSize, maxQueued int) (*BalancedBatcher, error) {
	if numClasses <= 0 {
		return nil, errors.Errorf("balanced batcher: num classes must be > 0 (got %d)", numClasses)
	}
	if batchSize < numClasses {
		return nil, errors.Errorf("balanced batcher: batch size %d smaller than %d classes", batchSize, numClasses)
	}
	quota := make([]int, numClasses)
	for c := range quota {
		quota[c] = batchSize / numClasses
		if c < batchSize%numClasses {
			quota[c]++
		}
	}
	if maxQueued < batchSize {
		return nil, errors.Errorf("balanced batcher: queue bound %d smaller than batch size %d", maxQueued, batchSize)
	}
	return &BalancedBatcher{quota: quota, queues: make([][]Item, numClasses), maxQueued: maxQueued}, nil
}

// Add queues it and returns a full batch once every class has its quota.
func (b *BalancedBatcher) Add(it Item) ([]Item, error) {
	if it.Label < 0 || it.Label >= len(b.quota) {
		return nil, errors.Errorf("balanced batcher: %s has label %d outside [0,%d)", it.ID, it.Label, len(b.quota))
	}
	b.queues[it.Label] = append(b.queues[it.Label], it)
	for c, q := range b.queues {
		if len(q) < b.quota[c] {
			if len(b.queues[it.Label]) > b.maxQueued {
				return nil, errors.Wrapf(ErrStarvedClass, "classes %v after %d queued items of class %d (pending %v)",
					b.starved(), b.maxQueued, it.Label, b.Pending())
			}
			return nil, nil
		}
	}
	var out []Item
	for c := range b.queues {
		out = append(out, b.queues[c][:b.quota[c]]...)
		b.queues[c] = append([]Item(nil), b.queues[c][b.quota[c]:]...)
	}
	return out, nil
}

// Pending is the number of queued items per class.
func (b *BalancedBatcher) Pending() []int {
	out := make([]int, len(b.queues))
	for c, q := range b.queues {
		out[c] = len(q)
	}
	return out
}

func (b *BalancedBatcher) starved() string {
	var out []int
	for c, q := range b.queues {
		if len(q) < b.quota[c] {
			out = append(out, c)
		}
	}
	return fmt.Sprint(out)
}
