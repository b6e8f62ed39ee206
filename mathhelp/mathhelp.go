package mathhelp

import (
	"math"

	"golang.org/x/exp/constraints"
)

// integralEpsilon is the distance (in cell units) within which a quotient is considered integral
const integralEpsilon = 1e-9

func BetweenInc[T constraints.Ordered](f, p, q T) bool {
	if p <= q {
		return p <= f && f <= q
	}
	return q <= f && f <= p
}

func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SnapIntegral returns the nearest integer when f is within floating point noise of it.
// The second return value reports whether f is (or was snapped to) an integer.
func SnapIntegral(f float64) (float64, bool) {
	r := math.Round(f)
	if math.Abs(f-r) < integralEpsilon {
		return r, true
	}
	return f, false
}
