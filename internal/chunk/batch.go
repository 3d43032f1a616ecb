package chunk

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// DefaultRecordsPerChunk is the default number of records per streamed chunk.
const DefaultRecordsPerChunk = 100000

// BatchSource cuts a stream into chunks of a fixed number of records. It
// works on any reader, including stdin and decompressed input.
type BatchSource struct {
	file    string
	records int
	reader  *bufio.Reader
	index   int
	done    bool
}

// NewBatchSource returns a source reading recordsPerChunk records per chunk from r.
func NewBatchSource(r io.Reader, file string, recordsPerChunk int) *BatchSource {
	if recordsPerChunk <= 0 {
		recordsPerChunk = DefaultRecordsPerChunk
	}
	return &BatchSource{
		file:    file,
		records: recordsPerChunk,
		reader:  bufio.NewReaderSize(r, 1<<20),
	}
}

// Next returns the next chunk. Record boundaries are found by counting
// lines; structural problems surface when the chunk is parsed.
func (s *BatchSource) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	var data []byte
	lines := 0
	partial := false
	for lines < 4*s.records {
		line, err := s.reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			// Overlong line: keep reading until the newline.
			data = append(data, line...)
			partial = true
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return Chunk{}, fmt.Errorf("reading %s: %w", s.file, err)
		}
		switch {
		case len(line) == 0 && !partial:
		case !partial && lines%4 == 0 && isBlank(line):
			// blank line between records
		default:
			data = append(data, line...)
			if data[len(data)-1] != '\n' {
				data = append(data, '\n')
			}
			lines++
		}
		partial = false
		if err != nil {
			s.done = true
			break
		}
	}

	if len(data) == 0 {
		return Chunk{}, io.EOF
	}
	c := FromBytes(s.file, s.index, data)
	s.index++
	return c, nil
}

// Close is a no-op; the underlying reader belongs to the caller.
func (s *BatchSource) Close() error { return nil }

func isBlank(line []byte) bool {
	for _, b := range line {
		if b != '\n' && b != '\r' {
			return false
		}
	}
	return true
}
