// Package batch implements the batch record: a hierarchical mapping from
// dotted keys such as "model.imaging_features" to the values produced while a
// minibatch flows through a model.
package batch

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"fusion-forge/internal/tensor"
)

// ErrKeyNotFound is returned when a key is read before it was written.
var ErrKeyNotFound = errors.New("batch: key not found")

// ErrWrongType is returned by typed getters when the stored value has a
// different type.
var ErrWrongType = errors.New("batch: unexpected value type")

// Record is a nested string-keyed mapping. Keys are dotted paths; every
// intermediate segment is itself a mapping.
type Record struct {
	root map[string]any
}

// New returns an empty record.
func New() *Record {
	return &Record{root: make(map[string]any)}
}

// Set stores v under key, creating intermediate levels as needed. Setting a
// key whose prefix already holds a leaf value replaces that leaf.
func (r *Record) Set(key string, v any) {
	parts := strings.Split(key, ".")
	node := r.root
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[p] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = v
}

// Get returns the value stored under key. Reading a nested level returns the
// raw map.
func (r *Record) Get(key string) (any, error) {
	var cur any = r.root
	for _, p := range strings.Split(key, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, errors.Wrapf(ErrKeyNotFound, "%q", key)
		}
		cur, ok = node[p]
		if !ok {
			return nil, errors.Wrapf(ErrKeyNotFound, "%q", key)
		}
	}
	return cur, nil
}

// Has reports whether key is present.
func (r *Record) Has(key string) bool {
	_, err := r.Get(key)
	return err == nil
}

// Tensor returns the tensor stored under key.
func (r *Record) Tensor(key string) (*tensor.Tensor, error) {
	v, err := r.Get(key)
	if err != nil {
		return nil, err
	}
	t, ok := v.(*tensor.Tensor)
	if !ok {
		return nil, errors.Wrapf(ErrWrongType, "%q holds %T, want tensor", key, v)
	}
	return t, nil
}

// Labels returns the integer labels stored under key.
func (r *Record) Labels(key string) ([]int, error) {
	v, err := r.Get(key)
	if err != nil {
		return nil, err
	}
	l, ok := v.([]int)
	if !ok {
		return nil, errors.Wrapf(ErrWrongType, "%q holds %T, want []int", key, v)
	}
	return l, nil
}

// IDs returns the sample identifiers stored under key.
func (r *Record) IDs(key string) ([]string, error) {
	v, err := r.Get(key)
	if err != nil {
		return nil, err
	}
	ids, ok := v.([]string)
	if !ok {
		return nil, errors.Wrapf(ErrWrongType, "%q holds %T, want []string", key, v)
	}
	return ids, nil
}

// Sub returns the nested record under prefix. The returned record shares
// storage with r.
func (r *Record) Sub(prefix string) (*Record, error) {
	v, err := r.Get(prefix)
	if err != nil {
		return nil, err
	}
	node, ok := v.(map[string]any)
	if !ok {
		return nil, errors.Wrapf(ErrWrongType, "%q is a leaf", prefix)
	}
	return &Record{root: node}, nil
}

// Keys returns every leaf key in sorted order.
func (r *Record) Keys() []string {
	var keys []string
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for k, v := range node {
			full := k
			if prefix != "" {
				full = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(full, child)
				continue
			}
			keys = append(keys, full)
		}
	}
	walk("", r.root)
	sort.Strings(keys)
	return keys
}

// BatchSize returns the leading dimension of the first tensor found, or the
// length of the first label/id slice.
func (r *Record) BatchSize() int {
	for _, k := range r.Keys() {
		v, _ := r.Get(k)
		switch x := v.(type) {
		case *tensor.Tensor:
			return x.Dim(0)
		case []int:
			return len(x)
		case []string:
			return len(x)
		}
	}
	return 0
}
