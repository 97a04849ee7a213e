package numeric

import "golang.org/x/exp/constraints"

// Min returns the smaller of the two provided values.
func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of the two provided values.
func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Quorum returns the number of members that constitute a strict majority of n.
func Quorum[T constraints.Integer](n T) T {
	return n/2 + 1
}
