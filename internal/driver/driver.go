// Package driver runs chunks through a backend and reduces the partial
// results per input file.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/grailbio/base/log"
	"golang.org/x/sync/errgroup"

	"github.com/vertti/fqqual/internal/accum"
	"github.com/vertti/fqqual/internal/chunk"
	"github.com/vertti/fqqual/internal/parser"
	"github.com/vertti/fqqual/internal/phred"
)

// detectRecords is how many records of a file's first chunk are sampled
// when the quality encoding is detected automatically.
const detectRecords = 10000

// Job asks a backend to aggregate one chunk.
type Job struct {
	Chunk    chunk.Chunk
	Encoding phred.Encoding
}

// Result is a backend's answer for one job. Exactly one of Partial and Err is set.
type Result struct {
	File    string
	Index   int
	Partial *accum.Accumulator
	Err     error
}

// Backend turns jobs into partial results. Process returns once jobs is
// closed and every result has been sent, or with the first fatal error.
// Results may arrive in any order.
type Backend interface {
	Process(ctx context.Context, jobs <-chan Job, results chan<- Result) error
}

// Options configures Run.
type Options struct {
	QueueDepth int            // bound on in-flight jobs and results (default: 2)
	Encoding   phred.Encoding // Auto detects per file from its first chunk
}

// FileResult is the merged accumulator of one input file.
type FileResult struct {
	File string
	Acc  *accum.Accumulator
}

// Run feeds every chunk of src through backend and reduces the partials per
// file. files lists every input in output order, including inputs that
// yield no chunks. The run fails if any chunk fails or never reports back.
func Run(ctx context.Context, files []string, src chunk.Source, backend Backend, opts Options) ([]FileResult, error) {
	if len(files) == 0 {
		return nil, errors.New("no input files")
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 2
	}

	reducers := make(map[string]*accum.Reducer, len(files))
	for _, f := range files {
		if _, ok := reducers[f]; ok {
			return nil, fmt.Errorf("input %s given twice", f)
		}
		reducers[f] = accum.NewReducer()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan Job, depth)
	results := make(chan Result, depth)
	issued := make(map[string]int, len(files))

	g, gctx := errgroup.WithContext(ctx)

	// Producer: pull chunks and dispatch
	g.Go(func() error {
		defer close(jobs)
		return produceJobs(gctx, src, jobs, reducers, issued, opts.Encoding)
	})

	g.Go(func() error {
		defer close(results)
		err := backend.Process(gctx, jobs, results)
		// Jobs the backend never took are reported missing by the reducers.
		for range jobs {
		}
		return err
	})

	collectErr := collectResults(results, reducers)
	if collectErr != nil {
		cancel()
		for range results {
		}
	}
	runErr := g.Wait()

	switch {
	case collectErr != nil:
		return nil, collectErr
	case runErr != nil:
		return nil, runErr
	}

	out := make([]FileResult, 0, len(files))
	for _, f := range files {
		r := reducers[f]
		r.Expect(issued[f])
		acc, err := r.Result()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		log.Debug.Printf("%s: merged %d chunks, %d reads, %d positions", f, issued[f], acc.Reads(), acc.Len())
		out = append(out, FileResult{File: f, Acc: acc})
	}
	return out, nil
}

func produceJobs(ctx context.Context, src chunk.Source, jobs chan<- Job, reducers map[string]*accum.Reducer, issued map[string]int, enc phred.Encoding) error {
	encodings := make(map[string]phred.Encoding)
	for {
		c, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, ok := reducers[c.File]; !ok {
			return fmt.Errorf("%s: chunk from unexpected input", c)
		}

		fileEnc, ok := encodings[c.File]
		if !ok {
			fileEnc = enc
			if enc == phred.Auto {
				if fileEnc, err = detect(c); err != nil {
					return err
				}
				log.Printf("%s: detected Phred+%s quality encoding", c.File, fileEnc)
			}
			encodings[c.File] = fileEnc
		}

		select {
		case jobs <- Job{Chunk: c, Encoding: fileEnc}:
			issued[c.File]++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func detect(c chunk.Chunk) (phred.Encoding, error) {
	batch, err := parser.New(c.Reader()).NextBatch(detectRecords)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("%s: %w", c, err)
	}
	qualities := make([][]byte, len(batch))
	for i, rec := range batch {
		qualities[i] = rec.Quality
	}
	return phred.DetectEncoding(qualities), nil
}

func collectResults(results <-chan Result, reducers map[string]*accum.Reducer) error {
	for res := range results {
		if res.Err != nil {
			return fmt.Errorf("%s chunk %d: %w", res.File, res.Index, res.Err)
		}
		r, ok := reducers[res.File]
		if !ok {
			return fmt.Errorf("%s chunk %d: result for unexpected input", res.File, res.Index)
		}
		if err := r.Add(res.Index, res.Partial); err != nil {
			return fmt.Errorf("%s: %w", res.File, err)
		}
	}
	return nil
}
