package marketdata

import "time"

// ChartData is an immutable time-ordered series of sample values with the
// covered time span. It is derived per query and never persisted.
type ChartData struct {
	Values   []float64
	TimeFrom time.Time
	TimeTo   time.Time
}

// Resample reduces the series to at most length values by averaging
// contiguous index buckets. Series already at or below the target length are
// returned unchanged. Lossy; used only for fixed-width chart rendering.
func Resample(values []float64, length int) []float64 {
	n := len(values)
	if length >= n {
		return values
	}

	out := make([]float64, 0, length)
	for i := 0; i < length; i++ {
		lo := i * n / length
		hi := (i + 1) * n / length
		sum := 0.
		for _, v := range values[lo:hi] {
			sum += v
		}
		out = append(out, sum/float64(hi-lo))
	}
	return out
}

// Resample reduces the chart's values to at most length samples.
func (c ChartData) Resample(length int) []float64 {
	return Resample(c.Values, length)
}
