package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Clinical is the tabular record stored next to an image as <key>.json.
// Categorical values are expected to be one-hot encoded already.
type Clinical struct {
	Continuous  []float64 `json:"continuous"`
	Categorical []float64 `json:"categorical"`
}

// Sample is one paired record from a shard.
type Sample struct {
	Key      string
	Image    []byte
	Label    int
	Clinical *Clinical
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// ShardOptions controls how entries are paired into samples.
type ShardOptions struct {
	PendingCap int
	// RequireClinical holds a sample back until its .json record arrived.
	RequireClinical bool
}

// StreamShard streams paired samples from the shard at path. Each sample
// needs an image (.png/.jpg/.jpeg) and a .cls label; .json clinical records
// are attached when present.
func StreamShard(ctx context.Context, path string, opts ShardOptions) (<-chan Sample, <-chan error) {
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)
		if err := readShard(ctx, path, opts, out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

func readShard(ctx context.Context, path string, opts ShardOptions, out chan<- Sample) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open shard")
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	pending := make(map[string]*partial)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrap(err, "read tar")
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(hdr.Name)
		ext := strings.ToLower(filepath.Ext(name))
		key := strings.TrimSuffix(name, filepath.Ext(name))

		switch ext {
		case ".jpg", ".jpeg", ".png", ".cls":
		case ".json":
			if !opts.RequireClinical {
				continue
			}
		default:
			continue
		}
		payload, err := io.ReadAll(tr)
		if err != nil {
			return errors.Wrapf(err, "read %s", name)
		}
		part := pending[key]
		if part == nil {
			part = &partial{}
			pending[key] = part
		}

		switch ext {
		case ".cls":
			label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
			if err != nil {
				return errors.Wrapf(err, "parse label %s", name)
			}
			part.label = &label
		case ".json":
			var c Clinical
			if err := json.Unmarshal(payload, &c); err != nil {
				return errors.Wrapf(err, "parse clinical %s", name)
			}
			part.clinical = &c
		default:
			part.image = payload
		}

		if len(pending) > opts.PendingCap {
			return ErrPendingOverflow
		}

		if part.ready(opts.RequireClinical) {
			delete(pending, key)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- Sample{Key: key, Image: part.image, Label: *part.label, Clinical: part.clinical}:
			}
		}
	}

	if len(pending) > 0 {
		return errors.Errorf("%s: %d samples incomplete", filepath.Base(path), len(pending))
	}
	return nil
}

type partial struct {
	image    []byte
	label    *int
	clinical *Clinical
}

func (p *partial) ready(requireClinical bool) bool {
	if requireClinical && p.clinical == nil {
		return false
	}
	return len(p.image) > 0 && p.label != nil
}

// Iterate makes one ordered pass over shards, calling fn for every sample.
func Iterate(ctx context.Context, shards []string, opts ShardOptions, fn func(Sample) error) error {
	for _, shard := range shards {
		if err := iterateShard(ctx, shard, opts, fn); err != nil {
			return err
		}
	}
	return nil
}

func iterateShard(ctx context.Context, shard string, opts ShardOptions, fn func(Sample) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	samples, errCh := StreamShard(ctx, shard, opts)
	for s := range samples {
		if err := fn(s); err != nil {
			cancel()
			for range samples {
			}
			<-errCh
			return err
		}
	}
	if err := <-errCh; err != nil {
		return errors.Wrapf(err, "shard %s", shard)
	}
	return nil
}
