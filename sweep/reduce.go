package sweep

import "sort"

// reduce applies an averaging policy to one point's samples. The caller
// guarantees samples is non-empty.
func reduce(policy Averaging, samples []float64) float64 {
	switch policy {
	case Median:
		sorted := append([]float64(nil), samples...)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 0 {
			return (sorted[mid-1] + sorted[mid]) / 2
		}
		return sorted[mid]
	case None:
		return samples[0]
	default:
		var sum float64
		for _, s := range samples {
			sum += s
		}
		return sum / float64(len(samples))
	}
}
