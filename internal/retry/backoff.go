package retry

import (
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

var seedSeq atomic.Uint64

// Backoff returns the delay before retry number attempt (1-based):
//
//	base  = Rand(0.8*def, 1.2*def)
//	delay = base * (2^attempt - 1)
//	y     = Min(min + delay, max)
//
// Every call draws from its own source so concurrent retries don't share jitter.
func Backoff(attempt int, def, min, max time.Duration) time.Duration {
	seed := uint64(time.Now().UnixNano())
	rng := rand.New(rand.NewPCG(seed, seedSeq.Add(1)))
	return BackoffWithRand(rng, attempt, def, min, max)
}

// BackoffWithRand is Backoff with an explicit random source.
func BackoffWithRand(rng *rand.Rand, attempt int, def, min, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 62 {
		attempt = 62
	}
	lo := 0.8 * float64(def)
	hi := 1.2 * float64(def)
	base := lo + rng.Float64()*(hi-lo)

	delay := base * (math.Pow(2, float64(attempt)) - 1)
	y := math.Min(float64(min)+delay, float64(max))
	if y < float64(min) {
		// only reachable when max < min
		return max
	}
	return time.Duration(y)
}
