package trainer

import (
	"context"
	"log"

	"github.com/pkg/errors"

	"fusion-forge/internal/batch"
	"fusion-forge/internal/dataset"
	"fusion-forge/internal/model"
)

type passOptions struct {
	workers   int
	batchSize int
	grid      int
}

type shardResult struct {
	recs []*batch.Record
	err  error
}

// forEachBatch predicts every sample of shards in evaluation mode. Up to
// workers shards are processed at once; fn sees the batches in shard order.
func forEachBatch(ctx context.Context, built *model.Built, shards []string, opts passOptions, fn func(*batch.Record) error) error {
	if opts.workers <= 0 {
		opts.workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	built.Net.SetTraining(false)
	results := make([]chan shardResult, len(shards))
	for i := range results {
		results[i] = make(chan shardResult, 1)
	}

	sem := make(chan struct{}, opts.workers)
	go func() {
		for i, shard := range shards {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func(i int, shard string) {
				defer func() { <-sem }()
				recs, err := predictShard(ctx, built, shard, opts)
				results[i] <- shardResult{recs: recs, err: err}
			}(i, shard)
		}
	}()

	for i := range shards {
		var res shardResult
		select {
		case res = <-results[i]:
		case <-ctx.Done():
			return ctx.Err()
		}
		if res.err != nil {
			return res.err
		}
		for _, rec := range res.recs {
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func predictShard(ctx context.Context, built *model.Built, shard string, opts passOptions) ([]*batch.Record, error) {
	var (
		recs    []*batch.Record
		pending []dataset.Item
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		rec, err := dataset.Collate(pending, opts.grid, built.Clinical)
		if err != nil {
			return err
		}
		pending = pending[:0]
		if _, err := built.Net.Forward(rec); err != nil {
			return errors.Wrapf(err, "predict %s", shard)
		}
		recs = append(recs, rec)
		return nil
	}

	shardOpts := dataset.ShardOptions{RequireClinical: built.Clinical}
	err := dataset.Iterate(ctx, []string{shard}, shardOpts, func(s dataset.Sample) error {
		item, err := dataset.Decode(s, opts.grid)
		if err != nil {
			log.Printf("skip sample=%s err=%v", s.Key, err)
			return nil
		}
		pending = append(pending, item)
		if len(pending) == opts.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return recs, nil
}
