package nn

// Argmax returns the index of the largest value, preferring the lowest index on ties.
func Argmax(values []float64) int {
	best := -1
	for i, value := range values {
		if best < 0 || value > values[best] {
			best = i
		}
	}
	return best
}
