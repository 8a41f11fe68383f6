package metrics

// percentile computes the p-th percentile of an ascending-sorted sample
// using linear interpolation between closest ranks. An empty sample yields
// zero.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}

	rank := p / 100 * float64(len(sorted)-1)
	lower := int(rank)
	frac := rank - float64(lower)
	if lower+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[lower] + frac*(sorted[lower+1]-sorted[lower])
}
