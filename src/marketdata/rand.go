package marketdata

import (
	"math/rand"
	"sync"
	"time"
)

// RandSource is the randomness behind price synthesis. *rand.Rand satisfies it, which is
// how tests pin outcomes with a seed.
type RandSource interface {
	Float64() float64
}

// LockedRand is a RandSource safe for concurrent tickers.
type LockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewLockedRand(seed int64) *LockedRand {
	return &LockedRand{rnd: rand.New(rand.NewSource(seed))}
}

// NewTimeSeededRand is the production source.
func NewTimeSeededRand() *LockedRand {
	return NewLockedRand(time.Now().UnixNano())
}

func (l *LockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rnd.Float64()
}

// Uniform draws from [lo, hi).
func Uniform(r RandSource, lo, hi float64) float64 {
	return lo + r.Float64()*(hi-lo)
}

// Sign returns -1 or +1 with equal odds.
func Sign(r RandSource) float64 {
	if r.Float64() < 0.5 {
		return -1
	}
	return 1
}
