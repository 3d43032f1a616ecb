// Package chunk splits FASTQ input into record-aligned chunks that can be
// aggregated independently.
//
// Every source guarantees that each record lands in exactly one chunk and
// that no record is split across two chunks.
package chunk

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Chunk is a contiguous, record-aligned run of FASTQ records from one input.
type Chunk struct {
	File  string // input label the chunk belongs to
	Index int    // position of the chunk within its file, starting at 0

	data    []byte
	section *io.SectionReader
}

// FromBytes wraps raw FASTQ bytes in a chunk.
func FromBytes(file string, index int, data []byte) Chunk {
	return Chunk{File: file, Index: index, data: data}
}

// Reader returns a fresh reader over the chunk's records.
func (c Chunk) Reader() io.Reader {
	if c.section != nil {
		return io.NewSectionReader(c.section, 0, c.section.Size())
	}
	return bytes.NewReader(c.data)
}

// Bytes returns the chunk's records, reading them from disk if needed.
func (c Chunk) Bytes() ([]byte, error) {
	if c.section == nil {
		return c.data, nil
	}
	buf := make([]byte, c.section.Size())
	if _, err := c.section.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading %s chunk %d: %w", c.File, c.Index, err)
	}
	return buf, nil
}

// Size returns the chunk length in bytes.
func (c Chunk) Size() int64 {
	if c.section != nil {
		return c.section.Size()
	}
	return int64(len(c.data))
}

func (c Chunk) String() string {
	return fmt.Sprintf("%s chunk %d", c.File, c.Index)
}

// Source yields chunks until it returns io.EOF.
type Source interface {
	Next() (Chunk, error)
	Close() error
}

type multiSource struct {
	sources []Source
	cur     int
}

// Multi concatenates sources, typically one per input file.
func Multi(sources ...Source) Source {
	return &multiSource{sources: sources}
}

func (m *multiSource) Next() (Chunk, error) {
	for m.cur < len(m.sources) {
		c, err := m.sources[m.cur].Next()
		if errors.Is(err, io.EOF) {
			m.cur++
			continue
		}
		return c, err
	}
	return Chunk{}, io.EOF
}

// Close closes all sources, including exhausted ones whose chunks may
// still be in flight.
func (m *multiSource) Close() error {
	var errs []error
	for _, s := range m.sources {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
