// Package parser provides fast FASTQ record parsing.
package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Structural errors. Every error returned for a malformed record is a
// *ParseError wrapping one of these.
var (
	ErrBadHeader      = errors.New("header line must start with @")
	ErrBadSeparator   = errors.New("separator line must start with +")
	ErrTruncated      = errors.New("record truncated before quality line")
	ErrLengthMismatch = errors.New("sequence and quality lengths must match")
)

// ParseError reports a malformed record and the line it was detected on.
type ParseError struct {
	Line int // 1-based line number within the parsed stream
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid FASTQ at line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Record represents a single FASTQ record.
type Record struct {
	Header   string // Header line without the leading '@'
	Sequence []byte // Bases
	Quality  []byte // Quality characters, still offset-encoded
}

// Parser reads FASTQ records from an input stream.
type Parser struct {
	reader *bufio.Reader
	line   []byte // reusable buffer for reading lines
	lineNo int
}

// New creates a new FASTQ parser.
func New(r io.Reader) *Parser {
	return &Parser{
		reader: bufio.NewReaderSize(r, 1<<20), // 1MB buffer
		line:   make([]byte, 0, 512),
	}
}

// Line returns the number of lines consumed so far.
func (p *Parser) Line() int { return p.lineNo }

// Next reads and returns the next FASTQ record.
// Returns io.EOF when the stream ends cleanly between records.
func (p *Parser) Next() (*Record, error) {
	rec := &Record{}
	if _, err := p.nextInto(rec, nil); err != nil {
		return nil, err
	}
	return rec, nil
}

// NextBatch reads up to n records into a batch.
// If fewer than n records are available, returns what's available.
// io.EOF is only returned when the batch is empty.
func (p *Parser) NextBatch(n int) ([]*Record, error) {
	// Pre-allocate a contiguous slab of Records (1 allocation instead of n)
	slab := make([]Record, n)
	batch := make([]*Record, 0, n)

	// Typical Illumina reads are ~150bp, so estimate 300 bytes per record (seq+qual).
	dataBuf := make([]byte, 0, n*300)

	for i := 0; i < n; i++ {
		var err error
		dataBuf, err = p.nextInto(&slab[i], dataBuf)
		if err != nil {
			if errors.Is(err, io.EOF) && len(batch) > 0 {
				return batch, nil
			}
			return batch, err
		}
		batch = append(batch, &slab[i])
	}
	return batch, nil
}

// nextInto parses a FASTQ record into rec. When dataBuf is non-nil, sequence
// and quality are carved from it; otherwise they are freshly allocated.
func (p *Parser) nextInto(rec *Record, dataBuf []byte) ([]byte, error) {
	// Line 1: Header (starts with @). Blank lines between records are skipped.
	line, err := p.readLine()
	for err == nil && len(line) == 0 {
		line, err = p.readLine()
	}
	if err != nil {
		return dataBuf, err
	}
	if line[0] != '@' {
		return dataBuf, p.errorf(ErrBadHeader)
	}
	rec.Header = string(line[1:])

	// Line 2: Sequence
	line, err = p.readRecordLine()
	if err != nil {
		return dataBuf, err
	}
	dataBuf, rec.Sequence = carve(dataBuf, line)

	// Line 3: Plus line (payload ignored)
	line, err = p.readRecordLine()
	if err != nil {
		return dataBuf, err
	}
	if len(line) == 0 || line[0] != '+' {
		return dataBuf, p.errorf(ErrBadSeparator)
	}

	// Line 4: Quality scores
	line, err = p.readRecordLine()
	if err != nil {
		return dataBuf, err
	}
	dataBuf, rec.Quality = carve(dataBuf, line)

	if len(rec.Sequence) != len(rec.Quality) {
		return dataBuf, p.errorf(ErrLengthMismatch)
	}

	return dataBuf, nil
}

func carve(dataBuf, line []byte) ([]byte, []byte) {
	if dataBuf == nil {
		out := make([]byte, len(line))
		copy(out, line)
		return nil, out
	}
	start := len(dataBuf)
	dataBuf = append(dataBuf, line...)
	return dataBuf, dataBuf[start:len(dataBuf):len(dataBuf)]
}

// readRecordLine reads a line inside a record, where EOF means truncation.
func (p *Parser) readRecordLine() ([]byte, error) {
	line, err := p.readLine()
	if errors.Is(err, io.EOF) {
		return nil, p.errorf(ErrTruncated)
	}
	return line, err
}

func (p *Parser) errorf(err error) error {
	return &ParseError{Line: p.lineNo, Err: err}
}

// readLine reads a line from the input, stripping the newline.
// Reuses an internal buffer to minimize allocations.
func (p *Parser) readLine() ([]byte, error) {
	p.line = p.line[:0]

	for {
		segment, isPrefix, err := p.reader.ReadLine()
		if err != nil {
			return nil, err
		}

		p.line = append(p.line, segment...)

		if !isPrefix {
			break
		}
	}
	p.lineNo++

	// Trim any trailing CR (for Windows line endings)
	p.line = bytes.TrimSuffix(p.line, []byte{'\r'})

	return p.line, nil
}
