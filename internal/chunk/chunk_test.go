package chunk

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertti/fqqual/internal/accum"
	"github.com/vertti/fqqual/internal/phred"
)

// genFASTQ builds n records of varying length. Every third quality line
// starts with '@' to exercise boundary alignment.
func genFASTQ(n int) []byte {
	var b bytes.Buffer
	for i := 0; i < n; i++ {
		length := 50 + i%70
		fmt.Fprintf(&b, "@read_%d/1\n", i)
		b.WriteString(strings.Repeat("ACGT", length)[:length])
		b.WriteString("\n+\n")
		qual := []byte(strings.Repeat("I?5", length)[:length])
		if i%3 == 0 {
			qual[0] = '@'
		}
		b.Write(qual)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "reads.fastq")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func drain(t *testing.T, src Source) []Chunk {
	t.Helper()

	var out []Chunk
	for {
		c, err := src.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, c)
	}
}

func concat(t *testing.T, chunks []Chunk) []byte {
	t.Helper()

	var b bytes.Buffer
	for _, c := range chunks {
		data, err := c.Bytes()
		require.NoError(t, err)
		b.Write(data)
	}
	return b.Bytes()
}

func aggregateAll(t *testing.T, chunks []Chunk) *accum.Accumulator {
	t.Helper()

	merged := accum.New()
	for _, c := range chunks {
		p, err := accum.Aggregate(c.Reader(), phred.Phred33)
		require.NoError(t, err, c.String())
		merged.Merge(p)
	}
	return merged
}

func TestSplitRanges(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []int64{0, 4, 7, 10}, SplitRanges(10, 3, 0))
	assert.Equal(t, []int64{0, 5000, 10000}, SplitRanges(10000, 4, 4096))
	assert.Equal(t, []int64{0, 100}, SplitRanges(100, 4, 4096))
	assert.Equal(t, []int64{0, 0}, SplitRanges(0, 4, 4096))
	assert.Equal(t, []int64{0, 10}, SplitRanges(10, 0, 0))
}

func TestAlign(t *testing.T) {
	t.Parallel()

	data := []byte("@r1\nAC\n+\n@I\n@r2\nGT\n+\nII\n")
	ra := bytes.NewReader(data)
	size := int64(len(data))
	r2 := int64(bytes.Index(data, []byte("@r2")))

	tests := []struct {
		off  int64
		want int64
	}{
		{0, 0},
		{1, r2},
		{9, r2},  // start of the '@I' quality line
		{r2, r2}, // exactly on a record start
		{r2 + 1, size},
		{size, size},
	}
	for _, tt := range tests {
		got, err := Align(ra, tt.off, size)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "offset %d", tt.off)
	}
}

func TestRangeSourceCoversFileOnce(t *testing.T) {
	t.Parallel()

	data := genFASTQ(3000)
	path := writeTemp(t, data)

	whole, err := accum.Aggregate(bytes.NewReader(data), phred.Phred33)
	require.NoError(t, err)

	for _, n := range []int{1, 2, 3, 7, 16} {
		src, err := NewRangeSource(path, n)
		require.NoError(t, err)

		chunks := drain(t, src)
		assert.Len(t, chunks, src.Len())
		assert.LessOrEqual(t, len(chunks), n)
		assert.Equal(t, data, concat(t, chunks), "n=%d", n)
		for i, c := range chunks {
			assert.Equal(t, i, c.Index)
			body, err := c.Bytes()
			require.NoError(t, err)
			assert.True(t, bytes.HasPrefix(body, []byte("@read_")), "chunk %d of %d", i, n)
		}
		assert.Equal(t, whole, aggregateAll(t, chunks), "n=%d", n)
		require.NoError(t, src.Close())
	}
}

func TestRangeSourceEmptyFile(t *testing.T) {
	t.Parallel()

	src, err := NewRangeSource(writeTemp(t, nil), 4)
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	assert.Empty(t, drain(t, src))
}

func TestRangeSourceMissingFile(t *testing.T) {
	t.Parallel()

	_, err := NewRangeSource(filepath.Join(t.TempDir(), "nope.fastq"), 2)
	assert.Error(t, err)
}

func TestRankSourcesPartitionFile(t *testing.T) {
	t.Parallel()

	data := genFASTQ(40)
	path := writeTemp(t, data)

	const size = 5
	var chunks []Chunk
	for rank := 0; rank < size; rank++ {
		src, err := NewRankSource(path, rank, size)
		require.NoError(t, err)
		got := drain(t, src)
		require.Len(t, got, 1)
		assert.Equal(t, rank, got[0].Index)
		chunks = append(chunks, got...)
		defer func() { _ = src.Close() }()
	}
	assert.Equal(t, data, concat(t, chunks))

	_, err := NewRankSource(path, size, size)
	assert.Error(t, err)
}

func TestRankSourceMoreRanksThanRecords(t *testing.T) {
	t.Parallel()

	data := genFASTQ(2)
	path := writeTemp(t, data)

	var chunks []Chunk
	for rank := 0; rank < 8; rank++ {
		src, err := NewRankSource(path, rank, 8)
		require.NoError(t, err)
		chunks = append(chunks, drain(t, src)...)
		require.NoError(t, src.Close())
	}
	require.Len(t, chunks, 8)
	assert.Equal(t, data, concat(t, chunks))
}

func TestBatchSource(t *testing.T) {
	t.Parallel()

	data := genFASTQ(10)
	src := NewBatchSource(bytes.NewReader(data), "stdin", 3)
	chunks := drain(t, src)

	require.Len(t, chunks, 4)
	assert.Equal(t, data, concat(t, chunks))
	assert.Equal(t, "stdin", chunks[3].File)
	assert.Equal(t, 3, chunks[3].Index)
}

func TestBatchSourceNormalizesStream(t *testing.T) {
	t.Parallel()

	input := "@a\nAC\n+\nII\n\n@b\nGT\n+\nII"
	chunks := drain(t, NewBatchSource(strings.NewReader(input), "x", 1))

	require.Len(t, chunks, 2)
	assert.Equal(t, "@a\nAC\n+\nII\n@b\nGT\n+\nII\n", string(concat(t, chunks)))
}

func TestBatchSourceEmpty(t *testing.T) {
	t.Parallel()

	assert.Empty(t, drain(t, NewBatchSource(strings.NewReader(""), "x", 10)))
}

func TestMulti(t *testing.T) {
	t.Parallel()

	a := NewBatchSource(strings.NewReader("@a\nA\n+\nI\n"), "a", 1)
	b := NewBatchSource(strings.NewReader(""), "b", 1)
	c := NewBatchSource(strings.NewReader("@c\nC\n+\nI\n@d\nG\n+\nI\n"), "c", 1)

	src := Multi(a, b, c)
	chunks := drain(t, src)
	require.NoError(t, src.Close())

	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"a", "c", "c"}, []string{chunks[0].File, chunks[1].File, chunks[2].File})
	assert.Equal(t, 1, chunks[2].Index)
}

func TestPlan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		sizes  []int64
		chunks int
		want   []int
	}{
		{"single file", []int64{10}, 8, []int{8}},
		{"even split", []int64{100, 100}, 4, []int{2, 2}},
		{"proportional", []int64{300, 100}, 4, []int{3, 1}},
		{"remainder", []int64{100, 100, 50}, 4, []int{2, 1, 1}},
		{"more files than chunks", []int64{1, 2, 3}, 2, []int{1, 1, 1}},
		{"empty files", []int64{0, 0}, 6, []int{1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Plan(tt.sizes, tt.chunks)
			assert.Equal(t, tt.want, got)
		})
	}
}
