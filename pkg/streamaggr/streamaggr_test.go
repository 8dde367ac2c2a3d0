package streamaggr

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFeedSlidingWindow feeds an irregular stream and checks the running
// aggregates after every sample, including the edge case of a sample sitting
// exactly one window behind the newest timestamp (it must be evicted).
func TestFeedSlidingWindow(t *testing.T) {
	times := []int64{0, 1, 2, 3, 4, 5, 6, 9, 10, 12, 18}
	values := []float64{1, 1, 2, -1, 1, 1, 1, 1, 1, 1, 1}
	wantSum := []float64{1, 2, 4, 3, 4, 4, 4, 3, 3, 3, 1}
	wantSum2 := []float64{1, 2, 6, 7, 8, 8, 8, 3, 3, 3, 1}
	wantCount := []int{1, 2, 3, 4, 5, 5, 5, 3, 3, 3, 1}

	a := New(5 * time.Millisecond)
	for i := range times {
		require.NoError(t, a.Feed(times[i], values[i]))

		sum, err := a.Sum()
		require.NoError(t, err)
		assert.InDelta(t, wantSum[i], sum, 1e-9, "sum after sample %d", i)

		sum2, err := a.Sum2()
		require.NoError(t, err)
		assert.InDelta(t, wantSum2[i], sum2, 1e-9, "sum2 after sample %d", i)

		assert.Equal(t, wantCount[i], a.Count(), "count after sample %d", i)
	}
}

func TestStatistics(t *testing.T) {
	a := New(time.Minute)
	for i, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		require.NoError(t, a.Feed(int64(i), v))
	}

	mean, err := a.Mean()
	require.NoError(t, err)
	assert.InDelta(t, 5.0, mean, 1e-9)

	variance, err := a.Variance()
	require.NoError(t, err)
	assert.InDelta(t, 4.0, variance, 1e-9)

	std, err := a.StdDev()
	require.NoError(t, err)
	assert.InDelta(t, 2.0, std, 1e-9)
}

func TestEmptyWindowErrors(t *testing.T) {
	a := New(time.Second)

	assert.Equal(t, 0, a.Count())
	_, err := a.Sum()
	assert.ErrorIs(t, err, ErrEmptyWindow)
	_, err = a.Sum2()
	assert.ErrorIs(t, err, ErrEmptyWindow)
	_, err = a.Mean()
	assert.ErrorIs(t, err, ErrEmptyWindow)
	_, err = a.Variance()
	assert.ErrorIs(t, err, ErrEmptyWindow)
	_, err = a.StdDev()
	assert.ErrorIs(t, err, ErrEmptyWindow)
}

// TestWindowBecomesEmpty checks that a sample far in the future evicts the
// whole previous window except itself.
func TestWindowBecomesEmpty(t *testing.T) {
	a := New(10 * time.Millisecond)
	require.NoError(t, a.Feed(0, 3))
	require.NoError(t, a.Feed(5, 4))
	require.NoError(t, a.Feed(1000, 7))

	assert.Equal(t, 1, a.Count())
	sum, err := a.Sum()
	require.NoError(t, err)
	assert.InDelta(t, 7.0, sum, 1e-9)
}

// TestCompaction fills the backing array, lets eviction free the front and
// checks the live window survives the shift to the front.
func TestCompaction(t *testing.T) {
	a := NewWithCapacity(3*time.Millisecond, 4)
	for i := int64(0); i < 4; i++ {
		require.NoError(t, a.Feed(i*2, float64(i)))
	}
	// samples at 0 and 2 have been evicted, so the next feed compacts
	require.NoError(t, a.Feed(8, 10))

	assert.Equal(t, 2, a.Count())
	sum, err := a.Sum()
	require.NoError(t, err)
	assert.InDelta(t, 13.0, sum, 1e-9)
}

func TestCapacityExhausted(t *testing.T) {
	a := NewWithCapacity(time.Hour, 4)
	for i := int64(0); i < 4; i++ {
		require.NoError(t, a.Feed(i, 1))
	}
	// nothing is evictable within an hour, so there is no room left
	err := a.Feed(4, 1)
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestNegativeValues(t *testing.T) {
	a := New(time.Minute)
	require.NoError(t, a.Feed(0, -3))
	require.NoError(t, a.Feed(1, 3))

	mean, err := a.Mean()
	require.NoError(t, err)
	assert.InDelta(t, 0.0, mean, 1e-9)

	std, err := a.StdDev()
	require.NoError(t, err)
	assert.InDelta(t, 3.0, std, 1e-9)
	assert.False(t, math.IsNaN(std))
}
