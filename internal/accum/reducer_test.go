package accum

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func partial(scores ...int) *Accumulator {
	a := New()
	a.AddScores(scores)
	return a
}

func TestReducerMergesInAnyOrder(t *testing.T) {
	t.Parallel()

	r := NewReducer()
	r.Expect(3)
	require.NoError(t, r.Add(2, partial(10)))
	require.NoError(t, r.Add(0, partial(30, 32, 34)))
	require.NoError(t, r.Add(1, partial(20, 22)))

	merged, err := r.Result()
	require.NoError(t, err)
	assert.Equal(t, []uint64{60, 54, 34}, merged.Sum)
	assert.Equal(t, []uint64{3, 2, 1}, merged.Count)
}

func TestReducerDuplicate(t *testing.T) {
	t.Parallel()

	r := NewReducer()
	require.NoError(t, r.Add(0, partial(1)))
	assert.ErrorIs(t, r.Add(0, partial(1)), ErrDuplicateChunk)
}

func TestReducerOutOfRange(t *testing.T) {
	t.Parallel()

	r := NewReducer()
	r.Expect(2)
	assert.ErrorIs(t, r.Add(2, partial(1)), ErrChunkOutOfRange)
	assert.ErrorIs(t, r.Add(-1, partial(1)), ErrChunkOutOfRange)
}

func TestReducerOutOfRangeBeforeExpect(t *testing.T) {
	t.Parallel()

	r := NewReducer()
	require.NoError(t, r.Add(0, partial(30)))
	require.NoError(t, r.Add(1, partial(30)))
	require.NoError(t, r.Add(5, partial(30)))
	r.Expect(3)

	_, err := r.Result()
	require.ErrorIs(t, err, ErrChunkOutOfRange)
	assert.Contains(t, err.Error(), "[5]")
}

func TestReducerMissing(t *testing.T) {
	t.Parallel()

	r := NewReducer()
	r.Expect(4)
	require.NoError(t, r.Add(1, partial(30)))
	require.NoError(t, r.Add(3, partial(30)))

	_, err := r.Result()
	require.ErrorIs(t, err, ErrMissingChunk)

	var missing *MissingError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []int{0, 2}, missing.Missing)
	assert.Contains(t, err.Error(), "2 of 4 chunks missing")
}

func TestReducerZeroChunks(t *testing.T) {
	t.Parallel()

	r := NewReducer()
	_, err := r.Result()
	require.ErrorIs(t, err, ErrExpectUnknown)

	r.Expect(0)
	merged, err := r.Result()
	require.NoError(t, err)
	assert.Equal(t, 0, merged.Len())
}

func TestReducerNoPartialsForNonEmptyInput(t *testing.T) {
	t.Parallel()

	r := NewReducer()
	r.Expect(1)
	_, err := r.Result()
	assert.ErrorIs(t, err, ErrMissingChunk)
}
