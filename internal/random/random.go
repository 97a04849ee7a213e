package random

import (
	"math/rand"
	"time"
)

// RandomTimeout generates a random duration in [min, max). If max is not
// greater than min, min is returned.
func RandomTimeout(min time.Duration, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// RandomInt generates a random integer between the provided min and max integers (inclusive of min, exclusive of max).
func RandomInt(min int, max int) int {
	return min + rand.Intn(max-min)
}
