package format

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vertti/fqqual/internal/accum"
	"github.com/vertti/fqqual/internal/phred"
)

var errShortPayload = errors.New("short payload")

// Hello opens a worker connection.
type Hello struct {
	Token  string // shared secret; must match the coordinator's
	Worker string // free-form worker name for logs
}

// Job carries one chunk to a worker.
type Job struct {
	File     string
	Index    int
	Encoding phred.Encoding
	Data     []byte
}

// Partial carries the accumulator computed for one chunk.
type Partial struct {
	File  string
	Index int
	Total int // number of chunks in File; 0 when unknown
	Acc   *accum.Accumulator
}

// Fail aborts the exchange.
type Fail struct {
	File    string
	Index   int
	Message string
}

func (f *Fail) Error() string {
	if f.File == "" {
		return f.Message
	}
	return fmt.Sprintf("%s chunk %d: %s", f.File, f.Index, f.Message)
}

// MarshalBinary encodes the hello payload.
func (m *Hello) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendString(b, m.Token)
	b = appendString(b, m.Worker)
	return b, nil
}

// UnmarshalBinary decodes the hello payload.
func (m *Hello) UnmarshalBinary(p []byte) error {
	d := decoder{buf: p}
	m.Token = d.readString()
	m.Worker = d.readString()
	return d.finish("hello")
}

// MarshalBinary encodes the job payload.
func (m *Job) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, len(m.Data)+len(m.File)+16)
	b = appendString(b, m.File)
	b = binary.AppendUvarint(b, uint64(m.Index)) //nolint:gosec // chunk indices are non-negative
	b = append(b, byte(m.Encoding))
	b = binary.AppendUvarint(b, uint64(len(m.Data)))
	b = append(b, m.Data...)
	return b, nil
}

// UnmarshalBinary decodes the job payload. Data aliases p.
func (m *Job) UnmarshalBinary(p []byte) error {
	d := decoder{buf: p}
	m.File = d.readString()
	m.Index = d.readInt()
	m.Encoding = phred.Encoding(d.readByte())
	m.Data = d.readBytes()
	return d.finish("job")
}

// MarshalBinary encodes the partial payload. Sums and counts are stored as
// uvarints; the frame is usually compressed on top.
func (m *Partial) MarshalBinary() ([]byte, error) {
	if m.Acc == nil {
		return nil, errors.New("partial without accumulator")
	}
	n := m.Acc.Len()
	b := make([]byte, 0, len(m.File)+16+n*4)
	b = appendString(b, m.File)
	b = binary.AppendUvarint(b, uint64(m.Index)) //nolint:gosec // non-negative
	b = binary.AppendUvarint(b, uint64(m.Total)) //nolint:gosec // non-negative
	b = binary.AppendUvarint(b, uint64(n))
	for i := 0; i < n; i++ {
		b = binary.AppendUvarint(b, m.Acc.Sum[i])
		b = binary.AppendUvarint(b, m.Acc.Count[i])
	}
	return b, nil
}

// UnmarshalBinary decodes the partial payload.
func (m *Partial) UnmarshalBinary(p []byte) error {
	d := decoder{buf: p}
	m.File = d.readString()
	m.Index = d.readInt()
	m.Total = d.readInt()
	n := d.readInt()
	// Each position needs at least two bytes.
	if n > len(d.buf)/2 {
		return fmt.Errorf("partial: %d positions in %d bytes: %w", n, len(d.buf), errShortPayload)
	}
	acc := &accum.Accumulator{Sum: make([]uint64, n), Count: make([]uint64, n)}
	for i := 0; i < n; i++ {
		acc.Sum[i] = d.readUvarint()
		acc.Count[i] = d.readUvarint()
	}
	m.Acc = acc
	return d.finish("partial")
}

// MarshalBinary encodes the fail payload.
func (m *Fail) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendString(b, m.File)
	b = binary.AppendUvarint(b, uint64(m.Index)) //nolint:gosec // non-negative
	b = appendString(b, m.Message)
	return b, nil
}

// UnmarshalBinary decodes the fail payload.
func (m *Fail) UnmarshalBinary(p []byte) error {
	d := decoder{buf: p}
	m.File = d.readString()
	m.Index = d.readInt()
	m.Message = d.readString()
	return d.finish("fail")
}

// WriteMessage encodes m and writes it as a frame of type t.
func WriteMessage(w io.Writer, t Type, m interface{ MarshalBinary() ([]byte, error) }, compress bool) error {
	payload, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	return WriteFrame(w, t, payload, compress)
}

// WritePartial writes a compressed partial frame.
func WritePartial(w io.Writer, p *Partial) error {
	return WriteMessage(w, TypePartial, p, true)
}

// ReadPartial reads the next frame and requires it to be a partial.
// Returns io.EOF at a clean end of stream.
func ReadPartial(r io.Reader) (*Partial, error) {
	t, payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	if t != TypePartial {
		return nil, fmt.Errorf("expected partial frame, got %s", t)
	}
	p := &Partial{}
	if err := p.UnmarshalBinary(payload); err != nil {
		return nil, err
	}
	return p, nil
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

// decoder reads varint-framed fields, remembering the first error.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) readUvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = errShortPayload
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) readInt() int {
	v := d.readUvarint()
	if v > 1<<31 {
		if d.err == nil {
			d.err = fmt.Errorf("value %d out of range", v)
		}
		return 0
	}
	return int(v)
}

func (d *decoder) readByte() byte {
	if d.err != nil {
		return 0
	}
	if len(d.buf) == 0 {
		d.err = errShortPayload
		return 0
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b
}

func (d *decoder) readBytes() []byte {
	n := d.readInt()
	if d.err != nil {
		return nil
	}
	if n > len(d.buf) {
		d.err = errShortPayload
		return nil
	}
	b := d.buf[:n:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) readString() string {
	return string(d.readBytes())
}

func (d *decoder) finish(what string) error {
	if d.err != nil {
		return fmt.Errorf("decoding %s: %w", what, d.err)
	}
	if len(d.buf) != 0 {
		return fmt.Errorf("decoding %s: %d trailing bytes", what, len(d.buf))
	}
	return nil
}
