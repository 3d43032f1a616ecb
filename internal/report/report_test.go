package report

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertti/fqqual/internal/accum"
)

func render(t *testing.T, reads ...[]int) string {
	t.Helper()

	a := accum.New()
	for _, r := range reads {
		a.AddScores(r)
	}
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, Rows(a)))
	return buf.String()
}

func TestWriteCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reads [][]int
		want  string
	}{
		{"single read", [][]int{{30, 32, 34}}, "0,30.0\n1,32.0\n2,34.0\n"},
		{"equal length", [][]int{{30, 32}, {34, 36}}, "0,32.0\n1,34.0\n"},
		{"unequal length", [][]int{{30, 32, 34}, {20, 22}}, "0,25.0\n1,27.0\n2,34.0\n"},
		{"fractional", [][]int{{30}, {31}, {33}}, "0,31.333333333333332\n"},
		{"half", [][]int{{30}, {31}}, "0,30.5\n"},
		{"empty", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, render(t, tt.reads...))
		})
	}
}

func TestWriteCSVIdempotent(t *testing.T) {
	t.Parallel()

	reads := [][]int{{2, 7, 40, 11}, {13, 17}, {41, 0, 3}}
	assert.Equal(t, render(t, reads...), render(t, reads...))
}

func TestWriteSection(t *testing.T) {
	t.Parallel()

	a := accum.New()
	a.AddScores([]int{30})
	var buf bytes.Buffer
	require.NoError(t, WriteSection(&buf, "reads/a.fastq", Rows(a)))
	assert.Equal(t, "reads/a.fastq\n0,30.0\n", buf.String())
}

func TestFormatMean(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0.0", FormatMean(0))
	assert.Equal(t, "40.0", FormatMean(40))
	assert.Equal(t, "35.25", FormatMean(35.25))
}

func TestOutputPath(t *testing.T) {
	t.Parallel()

	out := filepath.Join("results", "means.csv")
	assert.Equal(t, out, OutputPath(out, "data/a.fastq", false))
	assert.Equal(t, filepath.Join("results", "a_means.csv"), OutputPath(out, "data/a.fastq", true))
	assert.Equal(t, filepath.Join("results", "b_means.csv"), OutputPath(out, "data/b.fq.gz", true))
	assert.Equal(t, filepath.Join("results", "c.R1_means.csv"), OutputPath(out, "c.R1.FASTQ.zst", true))
}

func TestStem(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "sample", Stem("/x/sample.fastq"))
	assert.Equal(t, "sample", Stem("sample.txt"))
	assert.Equal(t, "-", Stem("-"))
}
