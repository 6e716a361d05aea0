package relay

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// rateMeter is an exponentially weighted messages-per-second estimate. Mark
// is lock free; Sample folds the pending count into the average.
type rateMeter struct {
	pending atomic.Int64

	mu         sync.Mutex
	rate       float64
	lastSample time.Time
	window     time.Duration
}

func newRateMeter(now time.Time, window time.Duration) *rateMeter {
	return &rateMeter{lastSample: now, window: window}
}

func (m *rateMeter) Mark() {
	m.pending.Add(1)
}

// Sample updates the average with what was marked since the previous sample.
func (m *rateMeter) Sample(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := now.Sub(m.lastSample)
	if elapsed <= 0 {
		return
	}
	m.lastSample = now
	instant := float64(m.pending.Swap(0)) / elapsed.Seconds()
	alpha := 1 - math.Exp(-elapsed.Seconds()/m.window.Seconds())
	m.rate += alpha * (instant - m.rate)
}

func (m *rateMeter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}
