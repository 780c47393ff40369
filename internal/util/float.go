package util

import "math"

// Epsilon is the tolerance used for float comparisons on sizes and prices.
const Epsilon = 1e-9

// NearlyEqual reports whether a and b are equal within Epsilon.
func NearlyEqual(a, b float64) bool {
	return math.Abs(a-b) <= Epsilon
}

// PctDiff returns the relative gap between two sizes as a fraction of
// their average. Returns 0 when both are zero.
func PctDiff(a, b float64) float64 {
	a, b = math.Abs(a), math.Abs(b)
	avg := (a + b) / 2
	if avg == 0 {
		return 0
	}
	return math.Abs(a-b) / avg
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RoundToTick floors a price to the given tick size. Tick sizes <= 0
// return the price unchanged.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Floor(price/tick) * tick
}
