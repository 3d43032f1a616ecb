// Package phred decodes FASTQ quality characters into PHRED scores.
package phred

import (
	"errors"
	"fmt"
)

// Phred encoding offsets.
const (
	Phred33Offset = 33
	Phred64Offset = 64
)

// Encoding represents the quality score encoding scheme.
type Encoding uint8

// Quality encoding schemes.
const (
	Phred33 Encoding = iota // Sanger/Illumina 1.8+ (offset 33)
	Phred64                 // Illumina 1.3-1.7 (offset 64)
	Auto                    // detect from the data
)

// ErrScoreOutOfRange is returned for quality characters below the encoding offset.
var ErrScoreOutOfRange = errors.New("quality character below encoding offset")

// Offset returns the ASCII offset of the encoding. Auto has no offset of
// its own and reports the Phred+33 default.
func (e Encoding) Offset() byte {
	if e == Phred64 {
		return Phred64Offset
	}
	return Phred33Offset
}

func (e Encoding) String() string {
	switch e {
	case Phred33:
		return "33"
	case Phred64:
		return "64"
	case Auto:
		return "auto"
	default:
		return fmt.Sprintf("Encoding(%d)", uint8(e))
	}
}

// ParseEncoding parses the command line spelling of an encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "33", "phred33", "":
		return Phred33, nil
	case "64", "phred64":
		return Phred64, nil
	case "auto":
		return Auto, nil
	default:
		return 0, fmt.Errorf("unknown quality encoding %q (want 33, 64 or auto)", s)
	}
}

// DetectEncoding scans quality bytes and returns the likely encoding.
// If any quality byte < 59 (';'), it's definitely Phred+33.
// If minimum byte >= 64 ('@'), it's Phred+64.
// Otherwise (ambiguous 59-63 range), defaults to Phred+33.
func DetectEncoding(qualities [][]byte) Encoding {
	minByte := byte(255)

	for _, qual := range qualities {
		for _, b := range qual {
			if b < minByte {
				minByte = b
			}
			if b < 59 {
				return Phred33
			}
		}
	}

	if minByte == 255 {
		return Phred33
	}
	if minByte >= 64 {
		return Phred64
	}
	return Phred33
}

// Decode appends the scores of qual to dst[:0] and returns it.
func Decode(dst []int, qual []byte, enc Encoding) ([]int, error) {
	offset := enc.Offset()
	dst = dst[:0]
	for i, b := range qual {
		if b < offset {
			return dst, fmt.Errorf("position %d (%q): %w", i, b, ErrScoreOutOfRange)
		}
		dst = append(dst, int(b-offset))
	}
	return dst, nil
}
