// Package format defines the PQA frame format used to ship FASTQ chunks and
// partial accumulators between processes, over TCP or through pipes.
package format

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/spaolacci/murmur3"
)

// Magic bytes identifying a PQA frame.
var Magic = [4]byte{'P', 'Q', 'A', 0x00}

// Frame flags.
const (
	FlagZstd uint8 = 1 << 0 // Payload is zstd compressed
)

// Supported frame versions.
const (
	Version1 uint8 = 1

	CurrentVersion = Version1
)

// HeaderSize is the encoded size of a FrameHeader.
const HeaderSize = 16

// MaxPayloadSize bounds the payload a reader is willing to allocate.
const MaxPayloadSize = 1 << 30

// Frame errors.
var (
	ErrMagic    = errors.New("invalid magic bytes: not a PQA frame")
	ErrVersion  = errors.New("unsupported frame version")
	ErrChecksum = errors.New("frame checksum mismatch")
	ErrTooLarge = errors.New("frame payload too large")
)

// Type identifies the message carried by a frame.
type Type uint8

// Frame types.
const (
	TypeHello   Type = iota + 1 // worker -> coordinator handshake
	TypeJob                     // coordinator -> worker chunk
	TypePartial                 // worker -> coordinator (or pipe) partial accumulator
	TypeDone                    // coordinator -> worker: no more work
	TypeFail                    // either direction: abort with a message
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeJob:
		return "job"
	case TypePartial:
		return "partial"
	case TypeDone:
		return "done"
	case TypeFail:
		return "fail"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// FrameHeader precedes every frame payload.
type FrameHeader struct {
	Version  uint8  // Frame version
	Type     Type   // Message type
	Flags    uint8  // Frame flags (e.g. zstd)
	Length   uint32 // Payload size as written
	Checksum uint32 // murmur3 of the payload as written
}

// Write serializes the frame header to the writer.
func (h *FrameHeader) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic[:])
	buf[4] = h.Version
	buf[5] = uint8(h.Type)
	buf[6] = h.Flags
	// buf[7] reserved
	binary.LittleEndian.PutUint32(buf[8:12], h.Length)
	binary.LittleEndian.PutUint32(buf[12:16], h.Checksum)
	_, err := w.Write(buf)
	return err
}

// ReadFrameHeader reads and validates a frame header. A clean end of
// stream before the first header byte returns io.EOF.
func ReadFrameHeader(r io.Reader) (*FrameHeader, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if [4]byte(buf[0:4]) != Magic {
		return nil, ErrMagic
	}
	h := &FrameHeader{
		Version:  buf[4],
		Type:     Type(buf[5]),
		Flags:    buf[6],
		Length:   binary.LittleEndian.Uint32(buf[8:12]),
		Checksum: binary.LittleEndian.Uint32(buf[12:16]),
	}
	if h.Version != Version1 {
		return nil, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	if h.Length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, h.Length)
	}
	return h, nil
}

var codecs = sync.OnceValues(func() (*zstd.Encoder, *zstd.Decoder) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(fmt.Sprintf("creating zstd encoder: %v", err))
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("creating zstd decoder: %v", err))
	}
	return enc, dec
})

// WriteFrame writes one frame. When compress is set the payload is zstd
// compressed before the checksum is taken.
func WriteFrame(w io.Writer, t Type, payload []byte, compress bool) error {
	h := FrameHeader{Version: CurrentVersion, Type: t}
	if compress && len(payload) > 0 {
		enc, _ := codecs()
		payload = enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		h.Flags |= FlagZstd
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}
	h.Length = uint32(len(payload)) //nolint:gosec // bounded by MaxPayloadSize
	h.Checksum = murmur3.Sum32(payload)
	if err := h.Write(w); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one frame and returns its type and decoded payload.
func ReadFrame(r io.Reader) (Type, []byte, error) {
	h, err := ReadFrameHeader(r)
	if err != nil {
		return 0, nil, err
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, fmt.Errorf("reading %s payload: %w", h.Type, err)
	}
	if murmur3.Sum32(payload) != h.Checksum {
		return 0, nil, fmt.Errorf("%s frame: %w", h.Type, ErrChecksum)
	}
	if h.Flags&FlagZstd != 0 {
		_, dec := codecs()
		payload, err = dec.DecodeAll(payload, nil)
		if err != nil {
			return 0, nil, fmt.Errorf("decompressing %s payload: %w", h.Type, err)
		}
	}
	return h.Type, payload, nil
}
