package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/grailbio/base/log"

	"github.com/vertti/fqqual/internal/accum"
	"github.com/vertti/fqqual/internal/driver"
	"github.com/vertti/fqqual/internal/format"
	"github.com/vertti/fqqual/internal/input"
)

// partials collects the partial results of one input file.
type partials struct {
	total   int // chunk count recorded in the frames, 0 if unknown
	indices []int
	accs    []*accum.Accumulator
}

// combiner merges partial frames read from any number of streams, keyed by
// the input file they were computed from.
type combiner struct {
	expect int // chunks per input, -1 if unknown
	order  []string
	files  map[string]*partials
}

func newCombiner(expect int) *combiner {
	return &combiner{expect: expect, files: make(map[string]*partials)}
}

func (c *combiner) readFrom(ctx context.Context, opener *input.Opener, path string) error {
	rc, err := opener.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	for {
		p, err := format.ReadPartial(rc)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading partials from %s: %w", path, err)
		}
		if err := c.add(p); err != nil {
			return err
		}
	}
}

func (c *combiner) add(p *format.Partial) error {
	f, ok := c.files[p.File]
	if !ok {
		f = &partials{}
		c.files[p.File] = f
		c.order = append(c.order, p.File)
	}
	if p.Total > 0 {
		if f.total > 0 && f.total != p.Total {
			return fmt.Errorf("%s: partials disagree on the chunk count (%d and %d)", p.File, f.total, p.Total)
		}
		f.total = p.Total
	}
	f.indices = append(f.indices, p.Index)
	f.accs = append(f.accs, p.Acc)
	return nil
}

// results reduces each file's partials. Every chunk must be present
// exactly once. The chunk count comes from -expect, else from the frames;
// when neither knows it, chunks 0 through the highest index seen must all
// be present, but missing trailing chunks go unnoticed.
func (c *combiner) results() ([]driver.FileResult, error) {
	if len(c.order) == 0 {
		switch {
		case c.expect == 0:
			return nil, nil
		case c.expect > 0:
			return nil, fmt.Errorf("no partial results to combine, expected %d chunks per input: %w", c.expect, accum.ErrMissingChunk)
		default:
			return nil, errors.New("no partial results to combine (use -expect 0 for an empty input)")
		}
	}
	out := make([]driver.FileResult, 0, len(c.order))
	for _, file := range c.order {
		f := c.files[file]
		total := c.expect
		if total < 0 && f.total > 0 {
			total = f.total
		}

		r := accum.NewReducer()
		if total >= 0 {
			r.Expect(total)
		}
		last := -1
		for i, acc := range f.accs {
			if err := r.Add(f.indices[i], acc); err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
			last = max(last, f.indices[i])
		}
		if total < 0 {
			log.Printf("%s: chunk count unknown; missing trailing chunks cannot be detected", file)
			r.Expect(last + 1)
		}
		acc, err := r.Result()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		out = append(out, driver.FileResult{File: file, Acc: acc})
	}
	return out, nil
}
