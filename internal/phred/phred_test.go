package phred

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	scores, err := Decode(nil, []byte("?AC"), Phred33)
	require.NoError(t, err)
	assert.Equal(t, []int{30, 32, 34}, scores)

	scores, err = Decode(scores, []byte("^`"), Phred64)
	require.NoError(t, err)
	assert.Equal(t, []int{30, 32}, scores)
}

func TestDecodeBelowOffset(t *testing.T) {
	t.Parallel()

	_, err := Decode(nil, []byte("II "), Phred33)
	assert.ErrorIs(t, err, ErrScoreOutOfRange)

	_, err = Decode(nil, []byte("hh!"), Phred64)
	assert.ErrorIs(t, err, ErrScoreOutOfRange)
}

func TestDetectEncoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		qualities []string
		want      Encoding
	}{
		{"empty", nil, Phred33},
		{"low bytes", []string{"IIII", "!!#%"}, Phred33},
		{"phred64 range", []string{"hhhh", "@BCD"}, Phred64},
		{"ambiguous", []string{";<=>?"}, Phred33},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			quals := make([][]byte, len(tt.qualities))
			for i, q := range tt.qualities {
				quals[i] = []byte(q)
			}
			assert.Equal(t, tt.want, DetectEncoding(quals))
		})
	}
}

func TestParseEncoding(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Encoding{"33": Phred33, "": Phred33, "64": Phred64, "auto": Auto} {
		got, err := ParseEncoding(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, byte(Phred33Offset), Phred33.Offset())
	}

	_, err := ParseEncoding("65")
	assert.Error(t, err)
	assert.Equal(t, "64", Phred64.String())
}
