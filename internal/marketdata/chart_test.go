package marketdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResample_ShortSeriesUnchanged(t *testing.T) {
	values := []float64{1, 2, 3}

	assert.Equal(t, values, Resample(values, 3))
	assert.Equal(t, values, Resample(values, 10))
}

func TestResample_AveragesBuckets(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6}

	out := Resample(values, 3)

	assert.Equal(t, []float64{1.5, 3.5, 5.5}, out)
}

func TestResample_UnevenBucketsPartitionFullRange(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7}

	out := Resample(values, 3)

	// buckets are [0,2) [2,4) [4,7): no gaps, no overlaps
	assert.Equal(t, []float64{1.5, 3.5, 6}, out)
}

func TestResample_AlwaysTargetLength(t *testing.T) {
	values := make([]float64, 97)
	for i := range values {
		values[i] = float64(i)
	}

	for _, length := range []int{1, 2, 10, 50, 96} {
		assert.Len(t, Resample(values, length), length)
	}
}
