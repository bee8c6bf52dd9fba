// Package meter provides sliding-window rate meters for transfer statistics.
package meter

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultWindow is the span a rate is averaged over.
const DefaultWindow = 5 * time.Second

// resolution is the width of one bucket.
const resolution = time.Second

// Meter estimates a per-second rate from discrete Record calls.
//
// Amounts are kept in one bucket per second over a fixed window, so memory is
// constant and a meter that stops receiving records decays to zero once its
// buckets roll out of the window. All methods are safe for concurrent use.
type Meter struct {
	clk    clock.Clock
	window time.Duration

	mu      sync.Mutex
	buckets []uint64
	head    int
	tick    int64
	total   uint64
}

// New creates a meter using the wall clock and DefaultWindow.
func New() *Meter {
	return NewWithClock(clock.New(), DefaultWindow)
}

// NewWithClock creates a meter with an explicit clock and window.
func NewWithClock(clk clock.Clock, window time.Duration) *Meter {
	n := int(window / resolution)
	if n < 1 {
		n = 1
	}
	return &Meter{
		clk:     clk,
		window:  time.Duration(n) * resolution,
		buckets: make([]uint64, n),
		tick:    clk.Now().UnixNano() / int64(resolution),
	}
}

// Record adds amount to the current bucket.
func (m *Meter) Record(amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.advance()
	m.buckets[m.head] += amount
	m.total += amount
}

// Rate returns the average amount per second over the window.
func (m *Meter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.advance()
	var sum uint64
	for _, b := range m.buckets {
		sum += b
	}
	return float64(sum) / m.window.Seconds()
}

// Total returns the sum of everything ever recorded.
func (m *Meter) Total() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// advance rotates the ring up to the current second, zeroing stale buckets.
func (m *Meter) advance() {
	now := m.clk.Now().UnixNano() / int64(resolution)
	steps := now - m.tick
	if steps <= 0 {
		return
	}
	m.tick = now

	if steps >= int64(len(m.buckets)) {
		for i := range m.buckets {
			m.buckets[i] = 0
		}
		return
	}
	for i := int64(0); i < steps; i++ {
		m.head = (m.head + 1) % len(m.buckets)
		m.buckets[m.head] = 0
	}
}

// Pair holds one meter per transfer direction.
type Pair struct {
	Down *Meter
	Up   *Meter
}

// NewPair creates a download and an upload meter sharing a clock.
func NewPair(clk clock.Clock) Pair {
	return Pair{
		Down: NewWithClock(clk, DefaultWindow),
		Up:   NewWithClock(clk, DefaultWindow),
	}
}
