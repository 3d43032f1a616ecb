package parser

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecord(t *testing.T) {
	t.Parallel()

	input := `@SEQ_ID description
ACGTACGT
+
IIIIIIII
`
	p := New(strings.NewReader(input))
	rec, err := p.Next()
	require.NoError(t, err)

	assert.Equal(t, "SEQ_ID description", rec.Header)
	assert.Equal(t, []byte("ACGTACGT"), rec.Sequence)
	assert.Equal(t, []byte("IIIIIIII"), rec.Quality)

	_, err = p.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestParseMultipleRecords(t *testing.T) {
	t.Parallel()

	input := `@SEQ_1
AAAA
+
!!!!
@SEQ_2
CCCC
+SEQ_2
####
@SEQ_3
GGG
+
@@@
`
	p := New(strings.NewReader(input))

	tests := []struct {
		header string
		seq    string
		qual   string
	}{
		{"SEQ_1", "AAAA", "!!!!"},
		{"SEQ_2", "CCCC", "####"},
		{"SEQ_3", "GGG", "@@@"},
	}

	for _, tt := range tests {
		rec, err := p.Next()
		require.NoError(t, err)
		assert.Equal(t, tt.header, rec.Header)
		assert.Equal(t, []byte(tt.seq), rec.Sequence)
		assert.Equal(t, []byte(tt.qual), rec.Quality)
	}

	_, err := p.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 12, p.Line())
}

func TestParseEmptyInput(t *testing.T) {
	t.Parallel()

	p := New(strings.NewReader(""))
	_, err := p.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestParseWindowsLineEndings(t *testing.T) {
	t.Parallel()

	p := New(strings.NewReader("@r1\r\nACGT\r\n+\r\nIIII\r\n"))
	rec, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte("ACGT"), rec.Sequence)
	assert.Equal(t, []byte("IIII"), rec.Quality)
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  error
		line  int
	}{
		{"missing at", "SEQ_ID\nACGT\n+\nIIII\n", ErrBadHeader, 1},
		{"missing plus", "@SEQ_ID\nACGT\nIIII\nIIII\n", ErrBadSeparator, 3},
		{"length mismatch", "@SEQ_ID\nACGTACGT\n+\nIII\n", ErrLengthMismatch, 4},
		{"truncated", "@SEQ_ID\nACGT\n+\n", ErrTruncated, 3},
		{"second record bad", "@a\nAC\n+\nII\nb\nAC\n+\nII\n", ErrBadHeader, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := New(strings.NewReader(tt.input))
			var err error
			for err == nil {
				_, err = p.Next()
			}
			require.ErrorIs(t, err, tt.want)

			var perr *ParseError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.line, perr.Line)
		})
	}
}

func TestParseBatch(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	for i := 0; i < 250; i++ {
		buf.WriteString("@SEQ_" + string(rune('A'+i%26)) + "\n")
		buf.WriteString("ACGTACGTACGTACGT\n")
		buf.WriteString("+\n")
		buf.WriteString("IIIIIIIIIIIIIIII\n")
	}

	p := New(&buf)

	batch, err := p.NextBatch(100)
	require.NoError(t, err)
	assert.Len(t, batch, 100)
	assert.Equal(t, []byte("ACGTACGTACGTACGT"), batch[0].Sequence)

	batch, err = p.NextBatch(100)
	require.NoError(t, err)
	assert.Len(t, batch, 100)

	batch, err = p.NextBatch(100)
	require.NoError(t, err)
	assert.Len(t, batch, 50)

	_, err = p.NextBatch(100)
	assert.ErrorIs(t, err, io.EOF)
}

func BenchmarkParser(b *testing.B) {
	var buf bytes.Buffer
	seq := strings.Repeat("ACGT", 38) // 152 bp typical Illumina read
	qual := strings.Repeat("I", 152)
	for i := 0; i < 10000; i++ {
		buf.WriteString("@HWI-ST123:4:1101:14346:1976#0/1\n")
		buf.WriteString(seq + "\n")
		buf.WriteString("+\n")
		buf.WriteString(qual + "\n")
	}
	input := buf.Bytes()

	b.ResetTimer()
	b.SetBytes(int64(len(input)))

	for i := 0; i < b.N; i++ {
		p := New(bytes.NewReader(input))
		for {
			_, err := p.Next()
			if err != nil {
				break
			}
		}
	}
}
