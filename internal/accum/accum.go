// Package accum folds PHRED scores into per-position sums and counts and
// reduces partial results from independent workers.
package accum

import (
	"errors"
	"fmt"
	"io"

	"github.com/vertti/fqqual/internal/parser"
	"github.com/vertti/fqqual/internal/phred"
)

// Accumulator holds the sum of scores and the number of reads observed at
// every read position. Sum and Count always have the same length.
//
// An Accumulator is owned by one goroutine. Once handed to a Reducer it
// must not be modified by its producer.
type Accumulator struct {
	Sum   []uint64
	Count []uint64
}

// New returns an empty accumulator.
func New() *Accumulator {
	return &Accumulator{}
}

// Len returns the number of positions, i.e. the longest read seen.
func (a *Accumulator) Len() int { return len(a.Sum) }

// Reads returns the number of non-empty reads folded in.
func (a *Accumulator) Reads() uint64 {
	if len(a.Count) == 0 {
		return 0
	}
	return a.Count[0]
}

func (a *Accumulator) grow(n int) {
	if n <= len(a.Sum) {
		return
	}
	a.Sum = append(a.Sum, make([]uint64, n-len(a.Sum))...)
	a.Count = append(a.Count, make([]uint64, n-len(a.Count))...)
}

// AddScores folds one read's scores.
func (a *Accumulator) AddScores(scores []int) {
	a.grow(len(scores))
	for i, s := range scores {
		a.Sum[i] += uint64(s) //nolint:gosec // scores are non-negative
		a.Count[i]++
	}
}

// Merge adds o into a position by position. Positions missing from either
// side count as zero, so accumulators of different lengths merge fine.
func (a *Accumulator) Merge(o *Accumulator) {
	a.grow(o.Len())
	for i := range o.Sum {
		a.Sum[i] += o.Sum[i]
		a.Count[i] += o.Count[i]
	}
}

// Mean returns the mean score at position i.
func (a *Accumulator) Mean(i int) float64 {
	return float64(a.Sum[i]) / float64(a.Count[i])
}

// Aggregate parses a record-aligned FASTQ chunk and folds every record's
// quality line into a new accumulator. Any malformed record fails the
// whole chunk. An empty chunk yields an empty accumulator.
func Aggregate(r io.Reader, enc phred.Encoding) (*Accumulator, error) {
	acc := New()
	p := parser.New(r)
	var scores []int
	for {
		rec, err := p.Next()
		if errors.Is(err, io.EOF) {
			return acc, nil
		}
		if err != nil {
			return nil, err
		}
		scores, err = phred.Decode(scores, rec.Quality, enc)
		if err != nil {
			return nil, fmt.Errorf("record ending at line %d: %w", p.Line(), err)
		}
		acc.AddScores(scores)
	}
}
