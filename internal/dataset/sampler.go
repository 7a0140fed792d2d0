package dataset

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// SamplerOptions configures the multi-site sampler. Sites maps a site root
// (one acquisition centre, for example) to its shard paths.
type SamplerOptions struct {
	Sites      map[string][]string
	Seed       int64
	NumWorkers int
	Shard      ShardOptions
}

// StartSampler streams samples forever, visiting shards in a seeded
// round-robin over sites. Shards are opened concurrently by NumWorkers
// workers but emitted in job order, so a given seed always yields the same
// sample sequence.
func StartSampler(parent context.Context, opts SamplerOptions) (<-chan Sample, <-chan error, error) {
	if len(opts.Sites) == 0 {
		return nil, nil, errors.New("sampler: no dataset sites provided")
	}
	total := 0
	for _, shards := range opts.Sites {
		total += len(shards)
	}
	if total == 0 {
		return nil, nil, errors.New("sampler: no shards discovered")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan shardJob, opts.NumWorkers)
	cursors := make(chan shardCursor, opts.NumWorkers)
	out := make(chan Sample, opts.NumWorkers*2)
	errCh := make(chan error, opts.NumWorkers)

	rng := rand.New(rand.NewSource(opts.Seed))
	go produceJobs(ctx, jobs, opts.Sites, rng)

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, jobs, cursors, opts.Shard)
		}()
	}

	go func() {
		wg.Wait()
		close(cursors)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		runAggregator(ctx, cursors, out, errCh)
	}()

	return out, errCh, nil
}

type shardJob struct {
	id   int64
	site string
	path string
}

type shardCursor struct {
	id      int64
	samples <-chan Sample
	errCh   <-chan error
}

func worker(ctx context.Context, jobs <-chan shardJob, cursors chan<- shardCursor, opts ShardOptions) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			samples, errCh := StreamShard(ctx, job.path, opts)
			select {
			case <-ctx.Done():
				return
			case cursors <- shardCursor{id: job.id, samples: samples, errCh: errCh}:
			}
		}
	}
}

// runAggregator re-orders cursors by job id and forwards their samples.
func runAggregator(ctx context.Context, cursors <-chan shardCursor, out chan<- Sample, errCh chan<- error) {
	pending := make(map[int64]shardCursor)
	var nextID int64
	for {
		cursor, ok := pending[nextID]
		if !ok {
			select {
			case <-ctx.Done():
				return
			case c, open := <-cursors:
				if !open {
					return
				}
				pending[c.id] = c
			}
			continue
		}

		if !drainCursor(ctx, cursor, out) {
			return
		}
		if err := <-cursor.errCh; err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
			return
		}
		delete(pending, nextID)
		nextID++
	}
}

func drainCursor(ctx context.Context, cursor shardCursor, out chan<- Sample) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case sample, ok := <-cursor.samples:
			if !ok {
				return true
			}
			select {
			case <-ctx.Done():
				return false
			case out <- sample:
			}
		}
	}
}

func produceJobs(ctx context.Context, jobs chan<- shardJob, sites map[string][]string, rng *rand.Rand) {
	var jobID int64
	for {
		order := buildRoundRobinOrder(sites, rng)
		if len(order) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		for _, entry := range order {
			select {
			case <-ctx.Done():
				return
			case jobs <- shardJob{id: jobID, site: entry.site, path: entry.path}:
				jobID++
			}
		}
	}
}

type orderEntry struct {
	site string
	path string
}

// buildRoundRobinOrder shuffles each site's shards and interleaves sites in
// name order, one shard at a time.
func buildRoundRobinOrder(sites map[string][]string, rng *rand.Rand) []orderEntry {
	names := make([]string, 0, len(sites))
	queues := make(map[string][]string, len(sites))
	for site, shards := range sites {
		if len(shards) == 0 {
			continue
		}
		names = append(names, site)
		queues[site] = append([]string(nil), shards...)
	}
	sort.Strings(names)
	if rng != nil {
		for _, site := range names {
			q := queues[site]
			rng.Shuffle(len(q), func(i, j int) { q[i], q[j] = q[j], q[i] })
		}
	}

	var order []orderEntry
	for {
		advanced := false
		for _, site := range names {
			q := queues[site]
			if len(q) == 0 {
				continue
			}
			order = append(order, orderEntry{site: site, path: q[0]})
			queues[site] = q[1:]
			advanced = true
		}
		if !advanced {
			return order
		}
	}
}
