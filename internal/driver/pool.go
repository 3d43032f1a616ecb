package driver

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/vertti/fqqual/internal/accum"
)

// PoolBackend aggregates chunks on a fixed number of goroutines in this process.
type PoolBackend struct {
	Workers int // Number of parallel workers (default: NumCPU)
}

// Process implements Backend.
func (p *PoolBackend) Process(ctx context.Context, jobs <-chan Job, results chan<- Result) error {
	workers := p.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	g, ctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			return runWorker(ctx, jobs, results)
		})
	}
	return g.Wait()
}

func runWorker(ctx context.Context, jobs <-chan Job, results chan<- Result) error {
	for job := range jobs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		acc, err := accum.Aggregate(job.Chunk.Reader(), job.Encoding)
		res := Result{File: job.Chunk.File, Index: job.Chunk.Index, Partial: acc, Err: err}
		select {
		case results <- res:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
