// Package report renders merged accumulators as position,mean CSV rows.
package report

import (
	"bufio"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vertti/fqqual/internal/accum"
)

// Row is the mean quality at one read position.
type Row struct {
	Position int
	Mean     float64
}

// Rows returns one row per position from 0 to the longest read, ascending.
func Rows(a *accum.Accumulator) []Row {
	rows := make([]Row, a.Len())
	for i := range rows {
		rows[i] = Row{Position: i, Mean: a.Mean(i)}
	}
	return rows
}

// FormatMean renders a mean in the shortest form that round-trips, always
// keeping a fractional part (30 -> "30.0").
func FormatMean(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".NI") {
		s += ".0"
	}
	return s
}

// WriteCSV writes rows as "<position>,<mean>" lines without a header.
func WriteCSV(w io.Writer, rows []Row) error {
	bw := bufio.NewWriter(w)
	buf := make([]byte, 0, 64)
	for _, r := range rows {
		buf = strconv.AppendInt(buf[:0], int64(r.Position), 10)
		buf = append(buf, ',')
		buf = append(buf, FormatMean(r.Mean)...)
		buf = append(buf, '\n')
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteSection writes a label line followed by the rows. Used when several
// inputs share one output stream.
func WriteSection(w io.Writer, label string, rows []Row) error {
	if _, err := io.WriteString(w, label+"\n"); err != nil {
		return err
	}
	return WriteCSV(w, rows)
}

// Stem returns the base name of an input without compression and FASTQ
// extensions ("reads/sample.fastq.gz" -> "sample").
func Stem(input string) string {
	name := filepath.Base(input)
	for _, ext := range []string{".gz", ".zst"} {
		name = strings.TrimSuffix(name, ext)
	}
	for _, ext := range []string{".fastq", ".fq"} {
		if strings.HasSuffix(strings.ToLower(name), ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// OutputPath returns the file an input's rows are written to. With a single
// input that is out itself; with several, each input gets its own file next
// to out, prefixed with the input's stem.
func OutputPath(out, input string, multi bool) string {
	if !multi {
		return out
	}
	return filepath.Join(filepath.Dir(out), Stem(input)+"_"+filepath.Base(out))
}
