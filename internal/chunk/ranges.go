package chunk

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

// MinRangeSize is the smallest byte range RangeSource cuts a file into.
const MinRangeSize = 4096

// SplitRanges divides size bytes into n near-equal ranges and returns the
// n+1 boundaries. When ranges would be smaller than minSize, fewer ranges
// are used (at least one).
func SplitRanges(size int64, n int, minSize int64) []int64 {
	if n < 1 {
		n = 1
	}
	if minSize > 0 && size/int64(n) < minSize {
		n = int(max(1, size/minSize))
	}
	q, r := size/int64(n), size%int64(n)
	bounds := make([]int64, n+1)
	for i := 1; i <= n; i++ {
		bounds[i] = int64(i)*q + min(int64(i), r)
	}
	return bounds
}

// Align returns the offset of the first record that starts at or after off.
// A record start is a line beginning with '@' whose second following line
// begins with '+'; that rules out quality lines which happen to start
// with '@'. Returns size when no record starts in [off, size).
func Align(ra io.ReaderAt, off, size int64) (int64, error) {
	if off <= 0 {
		return 0, nil
	}
	if off >= size {
		return size, nil
	}

	// Start one byte early so a record beginning exactly at off is found.
	pos := off - 1
	br := bufio.NewReaderSize(io.NewSectionReader(ra, pos, size-pos), 64<<10)

	// Skip the remainder of the line containing off-1.
	skipped, err := br.ReadSlice('\n')
	for errors.Is(err, bufio.ErrBufferFull) {
		pos += int64(len(skipped))
		skipped, err = br.ReadSlice('\n')
	}
	pos += int64(len(skipped))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return size, nil
		}
		return 0, err
	}

	// Sliding window over the first byte and offset of the last three lines.
	var starts [3]int64
	var firsts [3]byte
	n := 0
	for {
		first, length, err := readLineHead(br)
		if length == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				return size, nil
			}
			return 0, err
		}
		starts[n%3], firsts[n%3] = pos, first
		pos += length
		n++
		if n >= 3 && firsts[(n-3)%3] == '@' && firsts[(n-1)%3] == '+' {
			return starts[(n-3)%3], nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return size, nil
			}
			return 0, err
		}
	}
}

// readLineHead consumes one line and returns its first byte and its full
// length including the newline.
func readLineHead(br *bufio.Reader) (byte, int64, error) {
	var first byte
	var length int64
	for {
		seg, err := br.ReadSlice('\n')
		if length == 0 && len(seg) > 0 {
			first = seg[0]
		}
		length += int64(len(seg))
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return first, length, err
	}
}

// alignedBounds returns record-aligned boundaries for n ranges of the file.
func alignedBounds(ra io.ReaderAt, size int64, n int, minSize int64) ([]int64, error) {
	bounds := SplitRanges(size, n, minSize)
	for i := 1; i < len(bounds)-1; i++ {
		aligned, err := Align(ra, bounds[i], size)
		if err != nil {
			return nil, err
		}
		// Alignment only moves forward; keep boundaries monotonic.
		bounds[i] = max(aligned, bounds[i-1])
	}
	return bounds, nil
}

// RangeSource splits a seekable FASTQ file into byte ranges whose
// boundaries are moved forward to record starts. Chunks read from the file
// lazily, so the source must stay open until every chunk is consumed.
type RangeSource struct {
	f      *os.File
	file   string
	ranges [][2]int64
	next   int
}

// NewRangeSource opens path and splits it into up to n record-aligned ranges.
// Empty ranges are dropped, so an empty file yields no chunks.
func NewRangeSource(path string, n int) (*RangeSource, error) {
	f, size, err := openSized(path)
	if err != nil {
		return nil, err
	}
	bounds, err := alignedBounds(f, size, n, MinRangeSize)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("splitting %s: %w", path, err)
	}

	s := &RangeSource{f: f, file: path}
	for i := 0; i+1 < len(bounds); i++ {
		if bounds[i+1] > bounds[i] {
			s.ranges = append(s.ranges, [2]int64{bounds[i], bounds[i+1]})
		}
	}
	return s, nil
}

// Len returns the number of chunks the source yields.
func (s *RangeSource) Len() int { return len(s.ranges) }

// Next returns the next range as a chunk.
func (s *RangeSource) Next() (Chunk, error) {
	if s.next >= len(s.ranges) {
		return Chunk{}, io.EOF
	}
	r := s.ranges[s.next]
	c := Chunk{File: s.file, Index: s.next, section: io.NewSectionReader(s.f, r[0], r[1]-r[0])}
	s.next++
	return c, nil
}

// Close closes the underlying file.
func (s *RangeSource) Close() error { return s.f.Close() }

// RankSource yields the single range assigned to one rank out of size
// cooperating processes. Every rank computes the same boundaries, so the
// ranks together cover the file exactly once. A rank whose range is empty
// still yields an (empty) chunk so the combiner can account for it.
type RankSource struct {
	f     *os.File
	chunk Chunk
	done  bool
}

// NewRankSource returns the chunk of path assigned to rank.
func NewRankSource(path string, rank, size int) (*RankSource, error) {
	if size < 1 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("invalid rank %d of %d", rank, size)
	}
	f, fsize, err := openSized(path)
	if err != nil {
		return nil, err
	}
	bounds, err := alignedBounds(f, fsize, size, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("splitting %s: %w", path, err)
	}
	start, end := bounds[rank], bounds[rank+1]
	return &RankSource{
		f:     f,
		chunk: Chunk{File: path, Index: rank, section: io.NewSectionReader(f, start, end-start)},
	}, nil
}

// Next returns the rank's chunk once.
func (s *RankSource) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	s.done = true
	return s.chunk, nil
}

// Close closes the underlying file.
func (s *RankSource) Close() error { return s.f.Close() }

func openSized(path string) (*os.File, int64, error) {
	f, err := os.Open(path) //nolint:gosec // CLI tool needs to open user-specified files
	if err != nil {
		return nil, 0, fmt.Errorf("cannot open input: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("cannot stat input: %w", err)
	}
	return f, st.Size(), nil
}
