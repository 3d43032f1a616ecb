package accum

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Reduction errors.
var (
	ErrDuplicateChunk  = errors.New("chunk reported twice")
	ErrMissingChunk    = errors.New("missing chunk contribution")
	ErrExpectUnknown   = errors.New("expected chunk count was never set")
	ErrChunkOutOfRange = errors.New("chunk index outside the expected range")
)

// MissingError lists the chunks whose partial results never arrived.
type MissingError struct {
	Missing  []int
	Expected int
}

func (e *MissingError) Error() string {
	idx := make([]string, 0, len(e.Missing))
	for i, m := range e.Missing {
		if i == 8 {
			idx = append(idx, "...")
			break
		}
		idx = append(idx, fmt.Sprint(m))
	}
	return fmt.Sprintf("%d of %d chunks missing (%s)", len(e.Missing), e.Expected, strings.Join(idx, ","))
}

func (e *MissingError) Unwrap() error { return ErrMissingChunk }

// Reducer merges partial accumulators reported by any number of workers in
// any order. It does not retry anything: a partial that never arrives makes
// Result fail rather than silently under-count.
type Reducer struct {
	merged   *Accumulator
	seen     map[int]struct{}
	expected int
}

// NewReducer returns a reducer that has not yet been told how many chunks to expect.
func NewReducer() *Reducer {
	return &Reducer{
		merged:   New(),
		seen:     make(map[int]struct{}),
		expected: -1,
	}
}

// Expect sets the number of chunks that make up the input. It may be called
// before or after partials arrive.
func (r *Reducer) Expect(n int) { r.expected = n }

// Add merges the partial for chunk index. The reducer takes ownership of p.
func (r *Reducer) Add(index int, p *Accumulator) error {
	if _, ok := r.seen[index]; ok {
		return fmt.Errorf("chunk %d: %w", index, ErrDuplicateChunk)
	}
	if r.expected >= 0 && (index < 0 || index >= r.expected) {
		return fmt.Errorf("chunk %d outside [0,%d): %w", index, r.expected, ErrChunkOutOfRange)
	}
	r.seen[index] = struct{}{}
	r.merged.Merge(p)
	return nil
}

// Result returns the merged accumulator once every index in [0, expected)
// has been added exactly once and no other index has. Zero chunks expected
// and zero received yields an empty accumulator.
func (r *Reducer) Result() (*Accumulator, error) {
	if r.expected < 0 {
		return nil, ErrExpectUnknown
	}
	// Indices added before Expect was called are only checked here.
	var extra []int
	for i := range r.seen {
		if i < 0 || i >= r.expected {
			extra = append(extra, i)
		}
	}
	if len(extra) > 0 {
		slices.Sort(extra)
		return nil, fmt.Errorf("chunks %v outside [0,%d): %w", extra, r.expected, ErrChunkOutOfRange)
	}
	var missing []int
	for i := 0; i < r.expected; i++ {
		if _, ok := r.seen[i]; !ok {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingError{Missing: missing, Expected: r.expected}
	}
	return r.merged, nil
}

// Reduce merges a complete set of partials in one call.
func Reduce(partials ...*Accumulator) *Accumulator {
	out := New()
	for _, p := range partials {
		out.Merge(p)
	}
	return out
}
